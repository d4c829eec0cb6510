// Package sigcache implements the thought-signature cache (C5): the most
// recent upstream-emitted "thought signature" for a (session, model) pair,
// with an LRU+TTL eviction bound and three caching policies.
package sigcache

import (
	"container/list"
	"sync"
	"time"
)

// Policy controls when WriteBack actually stores a signature.
type Policy string

const (
	// PolicyAlways caches every signature seen.
	PolicyAlways Policy = "always"
	// PolicyToolOrImage caches only when the response included tool calls
	// or targeted an image-generation model.
	PolicyToolOrImage Policy = "tool_or_image"
	// PolicyNever disables signature caching entirely.
	PolicyNever Policy = "never"
)

// Entry is the cached value for one (session, model) pair.
type Entry struct {
	Signature         string
	PairedThoughtText string
	ObservedAtEpochMS int64
}

type cacheKey struct {
	session string
	model   string
}

type node struct {
	key   cacheKey
	entry Entry
}

// Cache is an LRU-bounded, TTL-expiring, last-writer-wins signature store.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	ll       *list.List
	items    map[cacheKey]*list.Element
	now      func() time.Time
}

// New builds a Cache with the given size bound and TTL.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 2048
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[cacheKey]*list.Element),
		now:      time.Now,
	}
}

// ShouldCache evaluates policy against a completed response's shape: whether
// it included any tool calls, and whether the model is an image-generation
// model.
func ShouldCache(policy Policy, hadToolCalls, isImageModel bool) bool {
	switch policy {
	case PolicyAlways:
		return true
	case PolicyToolOrImage:
		return hadToolCalls || isImageModel
	default:
		return false
	}
}

// WriteBack stores signature for (session, model), last-writer-wins. If
// text is empty, a single-character placeholder is stored instead so the
// invariant "at least one non-empty character" always holds.
func (c *Cache) WriteBack(session, model, signature, text string) {
	if signature == "" {
		return
	}
	if text == "" {
		text = "."
	}
	key := cacheKey{session, model}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		el.Value.(*node).entry = Entry{Signature: signature, PairedThoughtText: text, ObservedAtEpochMS: c.now().UnixMilli()}
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&node{key: key, entry: Entry{Signature: signature, PairedThoughtText: text, ObservedAtEpochMS: c.now().UnixMilli()}})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		c.evictOldest()
	}
}

// Get returns the cached entry for (session, model), honoring the TTL. Found
// is false if nothing is cached or the entry has expired (and is evicted).
func (c *Cache) Get(session, model string) (Entry, bool) {
	key := cacheKey{session, model}
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	n := el.Value.(*node)
	if c.now().UnixMilli()-n.entry.ObservedAtEpochMS > c.ttl.Milliseconds() {
		c.removeElement(el)
		return Entry{}, false
	}
	c.ll.MoveToFront(el)
	return n.entry, true
}

func (c *Cache) evictOldest() {
	el := c.ll.Back()
	if el != nil {
		c.removeElement(el)
	}
}

func (c *Cache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*node).key)
}

// Cleanup evicts every entry older than the TTL. Exposed as the hook the
// periodic memory-tidy timer calls; the cache has no dependency on that
// timer itself.
func (c *Cache) Cleanup() int {
	cutoffMS := c.now().UnixMilli() - c.ttl.Milliseconds()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		n := el.Value.(*node)
		if n.entry.ObservedAtEpochMS < cutoffMS {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	return removed
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}
