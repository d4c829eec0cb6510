package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiskImageSaver persists generated images under a directory, keyed by a
// random filename, and hands back a URL rooted at baseURL. It is the
// concrete relay.ImageSaver wired at startup; tests substitute their own.
type DiskImageSaver struct {
	dir     string
	baseURL string
}

// NewDiskImageSaver builds a saver rooted at dir, creating it if absent.
// baseURL is the externally reachable prefix images are served from (e.g.
// "https://gateway.example.com/images"); a trailing slash is trimmed.
func NewDiskImageSaver(dir, baseURL string) (*DiskImageSaver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("imagesink: create dir: %w", err)
	}
	return &DiskImageSaver{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

var extByMime = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// SaveImage implements relay.ImageSaver.
func (d *DiskImageSaver) SaveImage(ctx context.Context, mimeType string, data []byte) (string, error) {
	ext, ok := extByMime[strings.ToLower(mimeType)]
	if !ok {
		ext = ".bin"
	}
	name, err := randomFilename(ext)
	if err != nil {
		return "", err
	}
	path := filepath.Join(d.dir, name)
	if err := atomicWriteImage(path, data); err != nil {
		return "", err
	}
	if d.baseURL == "" {
		return name, nil
	}
	return d.baseURL + "/" + name, nil
}

func randomFilename(ext string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("imagesink: rand: %w", err)
	}
	return hex.EncodeToString(buf) + ext, nil
}

func atomicWriteImage(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-img-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
