// Package quota implements the per-(credential,model) remaining-fraction
// ledger (C2): upstream-reported quota fractions, idle-TTL pruning, the
// per-(credential,model-group) request counter, and the "estimated requests
// remaining" UI heuristic.
package quota

import (
	"strings"
	"sync"
	"time"
)

// Group buckets models for UI summarization only; selection logic in
// internal/credential never consults it.
type Group string

const (
	GroupClaude Group = "claude"
	GroupGemini Group = "gemini"
	GroupBanana Group = "banana"
	GroupOther  Group = "other"
)

// ClassifyModel buckets a model ID into a UI group. The "banana" bucket
// (gemini-3-pro-image family) is checked before the generic "gemini" bucket:
// checking in the enum's literal order (claude, gemini, banana, other) would
// make banana unreachable, since every banana model ID also contains
// "gemini". See DESIGN.md for this resolution of an underspecified ordering.
func ClassifyModel(model string) Group {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"):
		return GroupClaude
	case strings.Contains(lower, "image"):
		return GroupBanana
	case strings.Contains(lower, "gemini"):
		return GroupGemini
	default:
		return GroupOther
	}
}

// Entry is one (credential, model) quota observation.
type Entry struct {
	RemainingFraction float64
	ResetTimeUTC      time.Time
	ObservedAt        time.Time
}

type key struct {
	credID string
	model  string
}

type counterKey struct {
	credID string
	group  Group
}

// Ledger is the in-memory, mutex-guarded quota map plus the UI request
// counters. A Store may be attached for periodic side-file persistence.
type Ledger struct {
	mu       sync.RWMutex
	entries  map[key]Entry
	counters map[counterKey]int
	idleTTL  time.Duration
	now      func() time.Time
}

// NewLedger returns an empty ledger with the given idle-TTL for pruning.
func NewLedger(idleTTL time.Duration) *Ledger {
	if idleTTL <= 0 {
		idleTTL = time.Hour
	}
	return &Ledger{
		entries:  make(map[key]Entry),
		counters: make(map[counterKey]int),
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Upsert records the latest quota observation for (credID, model).
func (l *Ledger) Upsert(credID, model string, remaining float64, reset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[key{credID, model}] = Entry{
		RemainingFraction: remaining,
		ResetTimeUTC:      reset,
		ObservedAt:        l.now(),
	}
}

// Snapshot returns a copy of every per-model entry recorded for credID.
func (l *Ledger) Snapshot(credID string) map[string]Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Entry)
	for k, v := range l.entries {
		if k.credID == credID {
			out[k.model] = v
		}
	}
	return out
}

// HasQuotaFor reports whether (credID, model) still has budget: true when no
// entry exists yet (optimistic default) or the last observed fraction was
// positive.
func (l *Ledger) HasQuotaFor(credID, model string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[key{credID, model}]
	if !ok {
		return true
	}
	return e.RemainingFraction > 0
}

// RecordRequest increments the per-(credID, model-group) counter used by the
// "estimated requests remaining" UI figure.
func (l *Ledger) RecordRequest(credID string, group Group) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters[counterKey{credID, group}]++
}

// EstimateRequestsRemaining reproduces the source heuristic verbatim for UI
// parity: floor(remaining_pct / 0.6667) - request_counter, floor-clamped at
// 0. It picks, among the credential's entries whose model classifies into
// group and whose remaining fraction is at least minRemainingFraction, the
// one observed most recently (ties broken by higher remaining fraction).
// Never consulted by credential.Pool selection logic.
func (l *Ledger) EstimateRequestsRemaining(credID string, group Group, minRemainingFraction float64) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var best Entry
	found := false
	for k, v := range l.entries {
		if k.credID != credID {
			continue
		}
		if ClassifyModel(k.model) != group {
			continue
		}
		if v.RemainingFraction < minRemainingFraction {
			continue
		}
		if !found || v.ObservedAt.After(best.ObservedAt) ||
			(v.ObservedAt.Equal(best.ObservedAt) && v.RemainingFraction > best.RemainingFraction) {
			best = v
			found = true
		}
	}
	if !found {
		return 0
	}
	counter := l.counters[counterKey{credID, group}]
	estimate := int(best.RemainingFraction*100/0.6667) - counter
	if estimate < 0 {
		return 0
	}
	return estimate
}

// Prune discards entries whose last observation is older than the ledger's
// idle TTL. Intended to be called from a periodic background task.
func (l *Ledger) Prune() int {
	cutoff := l.now().Add(-l.idleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, v := range l.entries {
		if v.ObservedAt.Before(cutoff) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// StartPruner runs Prune on the given interval until stop is closed.
func (l *Ledger) StartPruner(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Prune()
		case <-stop:
			return
		}
	}
}

// LoadAll replaces the ledger's entries and counters wholesale, used when
// restoring from a persisted snapshot at boot.
func (l *Ledger) LoadAll(entries map[string]map[string]Entry, counters map[string]map[Group]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[key]Entry)
	for credID, perModel := range entries {
		for model, e := range perModel {
			l.entries[key{credID, model}] = e
		}
	}
	l.counters = make(map[counterKey]int)
	for credID, perGroup := range counters {
		for group, n := range perGroup {
			l.counters[counterKey{credID, group}] = n
		}
	}
}

// DumpAll returns the full ledger contents for side-file persistence.
func (l *Ledger) DumpAll() (map[string]map[string]Entry, map[string]map[Group]int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries := make(map[string]map[string]Entry)
	for k, v := range l.entries {
		if entries[k.credID] == nil {
			entries[k.credID] = make(map[string]Entry)
		}
		entries[k.credID][k.model] = v
	}
	counters := make(map[string]map[Group]int)
	for k, v := range l.counters {
		if counters[k.credID] == nil {
			counters[k.credID] = make(map[Group]int)
		}
		counters[k.credID][k.group] = v
	}
	return entries, counters
}
