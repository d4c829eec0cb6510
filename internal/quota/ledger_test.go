package quota

import (
	"testing"
	"time"
)

func TestHasQuotaForDefaultsTrueWithoutEntry(t *testing.T) {
	l := NewLedger(time.Hour)
	if !l.HasQuotaFor("cred-1", "gemini-2.5-pro") {
		t.Fatal("expected HasQuotaFor to default true for an unseen (cred, model)")
	}
}

func TestHasQuotaForFalseWhenExhausted(t *testing.T) {
	l := NewLedger(time.Hour)
	l.Upsert("cred-1", "gemini-2.5-pro", 0, time.Now().Add(time.Hour))
	if l.HasQuotaFor("cred-1", "gemini-2.5-pro") {
		t.Fatal("expected HasQuotaFor false once remaining fraction hits zero")
	}
}

func TestClassifyModelOrdering(t *testing.T) {
	cases := map[string]Group{
		"claude-3-5-sonnet":  GroupClaude,
		"gemini-3-pro-image": GroupBanana,
		"gemini-2.5-pro":     GroupGemini,
		"gpt-4o":             GroupOther,
	}
	for model, want := range cases {
		if got := ClassifyModel(model); got != want {
			t.Errorf("ClassifyModel(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestEstimateRequestsRemainingHeuristic(t *testing.T) {
	l := NewLedger(time.Hour)
	l.Upsert("cred-1", "gemini-2.5-pro", 0.5, time.Now().Add(time.Hour))
	l.RecordRequest("cred-1", GroupGemini)
	l.RecordRequest("cred-1", GroupGemini)

	got := l.EstimateRequestsRemaining("cred-1", GroupGemini, 0)
	estimate := 0.5 * 100 / 0.6667
	want := int(estimate) - 2
	if got != want {
		t.Fatalf("EstimateRequestsRemaining = %d, want %d", got, want)
	}
}

func TestEstimateRequestsRemainingFloorsAtZero(t *testing.T) {
	l := NewLedger(time.Hour)
	l.Upsert("cred-1", "gemini-2.5-pro", 0.01, time.Now().Add(time.Hour))
	for i := 0; i < 50; i++ {
		l.RecordRequest("cred-1", GroupGemini)
	}
	if got := l.EstimateRequestsRemaining("cred-1", GroupGemini, 0); got != 0 {
		t.Fatalf("EstimateRequestsRemaining = %d, want 0", got)
	}
}

func TestPruneRemovesIdleEntries(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLedger(time.Hour)
	l.now = func() time.Time { return base }
	l.Upsert("cred-1", "gemini-2.5-pro", 0.8, base.Add(time.Hour))

	l.now = func() time.Time { return base.Add(2 * time.Hour) }
	if removed := l.Prune(); removed != 1 {
		t.Fatalf("Prune() removed %d entries, want 1", removed)
	}
	if !l.HasQuotaFor("cred-1", "gemini-2.5-pro") {
		t.Fatal("pruned entry should default back to true (optimistic)")
	}
}

func TestDumpAndLoadRoundTrip(t *testing.T) {
	l := NewLedger(time.Hour)
	l.Upsert("cred-1", "gemini-2.5-pro", 0.75, time.Now())
	l.RecordRequest("cred-1", GroupGemini)

	entries, counters := l.DumpAll()

	l2 := NewLedger(time.Hour)
	l2.LoadAll(entries, counters)

	if !l2.HasQuotaFor("cred-1", "gemini-2.5-pro") {
		t.Fatal("expected restored ledger to have quota")
	}
	if got := l2.EstimateRequestsRemaining("cred-1", GroupGemini, 0); got <= 0 {
		t.Fatalf("expected restored counters to be non-zero-affecting, got estimate %d", got)
	}
}
