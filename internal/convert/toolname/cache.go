// Package toolname implements the reversible tool-name mapping cache C7
// needs so inbound-dialect name restrictions never leak upstream (and vice
// versa): each dialect's tool name is mapped to a safe upstream alias and
// back.
package toolname

import (
	"fmt"
	"regexp"
	"sync"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Cache is a per-session (request-scoped in practice) reversible map between
// an inbound dialect's original tool name and the sanitized alias sent
// upstream.
type Cache struct {
	mu         sync.RWMutex
	toAlias    map[string]string
	toOriginal map[string]string
	seq        int
}

// New returns an empty reversible name cache.
func New() *Cache {
	return &Cache{
		toAlias:    make(map[string]string),
		toOriginal: make(map[string]string),
	}
}

// Alias returns the upstream-safe name for original, minting one if this is
// the first time original is seen. Names already safe (alphanumeric plus
// '_'/'-') are passed through unchanged.
func (c *Cache) Alias(original string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if alias, ok := c.toAlias[original]; ok {
		return alias
	}
	alias := original
	if unsafeChars.MatchString(original) || original == "" {
		c.seq++
		alias = fmt.Sprintf("tool_%d", c.seq)
	}
	// Guard against alias collision with a distinct original name.
	for {
		if _, taken := c.toOriginal[alias]; !taken {
			break
		}
		c.seq++
		alias = fmt.Sprintf("tool_%d", c.seq)
	}
	c.toAlias[original] = alias
	c.toOriginal[alias] = original
	return alias
}

// Original recovers the original dialect-facing tool name for an upstream
// alias. If alias was never minted through this cache, it is returned
// unchanged (it was already a safe passthrough name).
func (c *Cache) Original(alias string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if original, ok := c.toOriginal[alias]; ok {
		return original
	}
	return alias
}
