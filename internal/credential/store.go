package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrDecrypt is returned when the on-disk blob cannot be decrypted with the
// configured salt. Callers must treat this as fatal and surface it to the
// operator rather than silently starting with an empty store.
var ErrDecrypt = errors.New("credential: failed to decrypt store")

// Backend is what the Pool needs from a credential store: Store is the
// default file-backed implementation, PostgresStore is the optional
// database-backed alternative.
type Backend interface {
	ReadAll() []Credential
	WriteAll(list []Credential) error
	MergeActive(active []Credential) error
}

// Store persists the credential list as an encrypted blob on disk and serves
// reads/writes behind an in-memory cached view.
type Store struct {
	path     string
	saltPath string

	mu   sync.RWMutex
	salt []byte
	list []Credential
}

// NewStore opens (or initializes) the store at path, deriving its
// encryption key from a salt persisted at saltPath. The salt is created on
// first use and never rotated automatically: losing it forces regeneration
// and every credential ID changes.
func NewStore(path, saltPath string) (*Store, error) {
	s := &Store{path: path, saltPath: saltPath}
	salt, err := loadOrCreateSalt(saltPath)
	if err != nil {
		return nil, fmt.Errorf("credential: load salt: %w", err)
	}
	s.salt = salt

	list, err := s.readFromDisk()
	if err != nil {
		return nil, err
	}
	s.list = list
	return s, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return b, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := atomicWrite(path, salt, 0o600); err != nil {
		return nil, err
	}
	return salt, nil
}

// GetSalt returns the persisted salt bytes.
func (s *Store) GetSalt() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.salt))
	copy(out, s.salt)
	return out
}

// ComputeID derives the stable, opaque credential ID for a refresh secret:
// an HMAC-SHA256 of the secret keyed by the persisted salt, hex-encoded.
// The secret itself is never recoverable from the ID.
func (s *Store) ComputeID(refreshSecret string) string {
	mac := hmac.New(sha256.New, s.GetSalt())
	mac.Write([]byte(refreshSecret))
	return fmt.Sprintf("%x", mac.Sum(nil))
}

// ReadAll returns a snapshot copy of the current credential list.
func (s *Store) ReadAll() []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Credential, len(s.list))
	copy(out, s.list)
	return out
}

// WriteAll replaces the credential list and persists it atomically.
func (s *Store) WriteAll(list []Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = cloneList(list)
	return s.persistLocked()
}

// MergeActive interleaves an in-memory working set (active) back into the
// on-disk canonical list: entries present in active overwrite their
// counterpart by ID, entries in the canonical list absent from active are
// preserved untouched, and new IDs in active are appended. Applying this
// operation twice with the same active set is equal to applying it once.
func (s *Store) MergeActive(active []Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byID := make(map[string]Credential, len(s.list))
	order := make([]string, 0, len(s.list))
	for _, c := range s.list {
		if _, seen := byID[c.ID]; !seen {
			order = append(order, c.ID)
		}
		byID[c.ID] = c
	}
	for _, c := range active {
		if _, seen := byID[c.ID]; !seen {
			order = append(order, c.ID)
		}
		byID[c.ID] = c
	}
	merged := make([]Credential, 0, len(order))
	for _, id := range order {
		merged = append(merged, byID[id])
	}
	s.list = merged
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	plain, err := json.Marshal(s.list)
	if err != nil {
		return fmt.Errorf("credential: marshal store: %w", err)
	}
	blob, err := encrypt(s.salt, plain)
	if err != nil {
		return fmt.Errorf("credential: encrypt store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("credential: create store dir: %w", err)
	}
	return atomicWrite(s.path, blob, 0o600)
}

func (s *Store) readFromDisk() ([]Credential, error) {
	blob, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("credential: read store: %w", err)
	}
	plain, err := decrypt(s.salt, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	var list []Credential
	if err := json.Unmarshal(plain, &list); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return list, nil
}

func cloneList(list []Credential) []Credential {
	out := make([]Credential, len(list))
	copy(out, list)
	return out
}

// atomicWrite writes data to a temp file in the same directory as path and
// renames it into place, so concurrent readers never observe a partial
// write.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// encrypt seals plain with an AES-256-GCM key derived from salt.
func encrypt(salt, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func decrypt(salt, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(deriveKey(salt))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

func deriveKey(salt []byte) []byte {
	sum := sha256.Sum256(salt)
	return sum[:]
}
