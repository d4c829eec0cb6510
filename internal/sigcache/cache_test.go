package sigcache

import (
	"testing"
	"time"
)

func TestWriteBackThenGet(t *testing.T) {
	c := New(16, time.Minute)
	c.WriteBack("sess-1", "gemini-2.5-pro", "sig-abc", "thought text")

	e, ok := c.Get("sess-1", "gemini-2.5-pro")
	if !ok {
		t.Fatal("expected a hit immediately after WriteBack")
	}
	if e.Signature != "sig-abc" || e.PairedThoughtText != "thought text" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestWriteBackEmptyTextGetsPlaceholder(t *testing.T) {
	c := New(16, time.Minute)
	c.WriteBack("sess-1", "model-a", "sig-1", "")
	e, _ := c.Get("sess-1", "model-a")
	if e.PairedThoughtText == "" {
		t.Fatal("expected a non-empty placeholder for empty reasoning text")
	}
}

func TestLastWriterWins(t *testing.T) {
	c := New(16, time.Minute)
	c.WriteBack("sess-1", "model-a", "sig-1", "first")
	c.WriteBack("sess-1", "model-a", "sig-2", "second")
	e, _ := c.Get("sess-1", "model-a")
	if e.Signature != "sig-2" {
		t.Fatalf("expected last-writer-wins, got signature %q", e.Signature)
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(2, time.Minute)
	c.WriteBack("s1", "m", "sig1", "a")
	c.WriteBack("s2", "m", "sig2", "b")
	c.WriteBack("s3", "m", "sig3", "c") // evicts s1 (least recently used)

	if _, ok := c.Get("s1", "m"); ok {
		t.Fatal("expected s1 to be evicted")
	}
	if _, ok := c.Get("s3", "m"); !ok {
		t.Fatal("expected s3 to still be present")
	}
}

func TestTTLExpiry(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := New(16, time.Minute)
	c.now = func() time.Time { return base }
	c.WriteBack("s1", "m", "sig1", "a")

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok := c.Get("s1", "m"); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestShouldCachePolicies(t *testing.T) {
	if !ShouldCache(PolicyAlways, false, false) {
		t.Fatal("PolicyAlways must always cache")
	}
	if ShouldCache(PolicyNever, true, true) {
		t.Fatal("PolicyNever must never cache")
	}
	if !ShouldCache(PolicyToolOrImage, true, false) {
		t.Fatal("PolicyToolOrImage must cache when tool calls present")
	}
	if !ShouldCache(PolicyToolOrImage, false, true) {
		t.Fatal("PolicyToolOrImage must cache for image models")
	}
	if ShouldCache(PolicyToolOrImage, false, false) {
		t.Fatal("PolicyToolOrImage must not cache plain text responses")
	}
}
