package credential

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

type fakeQuotaView struct{ denied map[string]bool }

func (f fakeQuotaView) HasQuotaFor(credID, model string) bool { return !f.denied[credID+"|"+model] }

type fakeCooldownView struct{ cooling map[string]bool }

func (f fakeCooldownView) Available(credID, model string) bool { return !f.cooling[credID+"|"+model] }

type fakeRefresher struct {
	status map[string]int // credID -> HTTP status to simulate; 0 = success
}

func (f fakeRefresher) Refresh(ctx context.Context, cred Credential) (RefreshResult, error) {
	if status, ok := f.status[cred.ID]; ok && status != 0 {
		return RefreshResult{}, &RefreshError{StatusCode: status, Err: errTest}
	}
	return RefreshResult{AccessSecret: "fresh-" + cred.ID, AccessExpiryEpochMS: time.Now().Add(time.Hour).UnixMilli()}, nil
}

var errTest = &testError{"simulated upstream failure"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func newPoolWithCreds(t *testing.T, creds []Credential, strategy Strategy, n int) (*Pool, *Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "accounts.enc"), filepath.Join(dir, "accounts.salt"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.WriteAll(creds); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	pool := NewPool(store, fakeRefresher{status: map[string]int{}}, nil, nil, strategy, n, 60*time.Second)
	return pool, store
}

func freshCred(id string) Credential {
	return Credential{
		ID:                  id,
		RefreshSecret:       "refresh-" + id,
		AccessSecret:        "access-" + id,
		AccessExpiryEpochMS: time.Now().Add(time.Hour).UnixMilli(),
		HasQuota:            true,
		Enabled:             true,
	}
}

func TestRoundRobinVisitsEveryIDWithinWindow(t *testing.T) {
	pool, _ := newPoolWithCreds(t, []Credential{freshCred("A"), freshCred("B"), freshCred("C")}, StrategyRoundRobin, 0)
	const k = 3
	var seq []string
	for i := 0; i < 11; i++ {
		cred, _, err := pool.Select(context.Background(), "")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seq = append(seq, cred.ID)
	}
	for start := 0; start+k <= len(seq); start++ {
		window := make(map[string]bool)
		for _, id := range seq[start : start+k] {
			window[id] = true
		}
		if len(window) != k {
			t.Errorf("window %v does not visit all %d IDs: %v", seq[start:start+k], k, window)
		}
	}
}

func TestRequestCountAdvancesCeilNOverK(t *testing.T) {
	const n = 3
	pool, _ := newPoolWithCreds(t, []Credential{freshCred("A"), freshCred("B")}, StrategyRequestCount, n)
	calls := 10
	seen := map[string]int{}
	for i := 0; i < calls; i++ {
		cred, _, err := pool.Select(context.Background(), "")
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[cred.ID]++
	}
	// The cursor stays on a credential for n picks before advancing, so 10
	// calls make ceil(10/3) = 4 runs starting at A (A,A,A B,B,B A,A,A B):
	// A is picked 6 times and B 4 times.
	total := 0
	for _, c := range seen {
		total += c
	}
	if total != calls {
		t.Fatalf("total picks = %d, want %d", total, calls)
	}
	if seen["A"] != 6 || seen["B"] != 4 {
		t.Fatalf("picks = %v, want A:6 B:4", seen)
	}
}

func TestScenario1RotationUnderRateLimit(t *testing.T) {
	pool, _ := newPoolWithCreds(t, []Credential{freshCred("A"), freshCred("B"), freshCred("C")}, StrategyRoundRobin, 0)

	first, bestEffort, err := pool.Select(context.Background(), "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if bestEffort {
		t.Fatal("first selection should not be best-effort")
	}
	if first.ID != "A" {
		t.Fatalf("first.ID = %q, want A", first.ID)
	}

	second, bestEffort, err := pool.Select(context.Background(), "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if bestEffort {
		t.Fatal("second selection should not be best-effort")
	}
	if second.ID != "B" {
		t.Fatalf("second.ID = %q, want B", second.ID)
	}
}

func TestScenario2AllCooledDownServesBestEffort(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "accounts.enc"), filepath.Join(dir, "accounts.salt"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	creds := []Credential{freshCred("A"), freshCred("B")}
	if err := store.WriteAll(creds); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	cooldown := fakeCooldownView{cooling: map[string]bool{
		"A|gemini-2.5-pro": true,
		"B|gemini-2.5-pro": true,
	}}
	pool := NewPool(store, fakeRefresher{status: map[string]int{}}, nil, cooldown, StrategyRoundRobin, 0, 60*time.Second)

	cred, bestEffort, err := pool.Select(context.Background(), "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if !bestEffort {
		t.Fatal("expected best-effort selection when all credentials are cooled down")
	}
	if cred.ID != "A" {
		t.Fatalf("cred.ID = %q, want cursor leader A", cred.ID)
	}
}

func TestScenario3ExpiredRefreshWave(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "accounts.enc"), filepath.Join(dir, "accounts.salt"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	expired := func(id string) Credential {
		c := freshCred(id)
		c.AccessExpiryEpochMS = time.Now().Add(-time.Hour).UnixMilli()
		return c
	}
	creds := []Credential{expired("A"), expired("B"), expired("C"), expired("D")}
	if err := store.WriteAll(creds); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	refresher := fakeRefresher{status: map[string]int{
		"C": 403,
		"D": 500,
	}}
	pool := NewPool(store, refresher, nil, nil, StrategyRoundRobin, 0, 60*time.Second)

	if err := pool.BootRefresh(context.Background()); err != nil {
		t.Fatalf("BootRefresh: %v", err)
	}
	// persists happen before BootRefresh returns; the pause is only slack
	time.Sleep(50 * time.Millisecond)

	persisted := store.ReadAll()
	enabledCount := 0
	for _, c := range persisted {
		if c.Enabled {
			enabledCount++
		}
		if c.ID == "C" && c.Enabled {
			t.Error("credential C should be disabled after a 403 refresh failure")
		}
		if c.ID == "D" && !c.Enabled {
			t.Error("credential D should remain enabled after a 500 refresh failure")
		}
	}
	if enabledCount != 3 {
		t.Errorf("enabledCount = %d, want 3", enabledCount)
	}
}

func TestConcurrentRefreshCoalesces(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "accounts.enc"), filepath.Join(dir, "accounts.salt"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	c := freshCred("A")
	c.AccessExpiryEpochMS = time.Now().Add(-time.Hour).UnixMilli()
	if err := store.WriteAll([]Credential{c}); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	counting := &countingRefresher{}
	pool := NewPool(store, counting, nil, nil, StrategyRoundRobin, 0, 60*time.Second)

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			_, _ = pool.ensureFresh(context.Background(), pool.Snapshot()[0])
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	if counting.calls() != 1 {
		t.Errorf("refresh calls = %d, want 1 (concurrent refreshes must coalesce)", counting.calls())
	}
}

// countingRefresher is only ever invoked by the single goroutine that wins
// the in-flight coalescing race in Pool.ensureFresh, so plain int access
// here does not need its own lock.
type countingRefresher struct {
	n int
}

func (c *countingRefresher) calls() int {
	return c.n
}

func (c *countingRefresher) Refresh(ctx context.Context, cred Credential) (RefreshResult, error) {
	c.n++
	time.Sleep(10 * time.Millisecond)
	return RefreshResult{AccessSecret: "fresh", AccessExpiryEpochMS: time.Now().Add(time.Hour).UnixMilli()}, nil
}
