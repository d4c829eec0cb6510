package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/relayforge/codeassist-gateway/internal/cooldown"
	"github.com/relayforge/codeassist-gateway/internal/credential"
	"github.com/relayforge/codeassist-gateway/internal/quota"
	"github.com/relayforge/codeassist-gateway/internal/upstream"
)

type stubRefresher struct{}

func (stubRefresher) Refresh(ctx context.Context, cred credential.Credential) (credential.RefreshResult, error) {
	return credential.RefreshResult{AccessSecret: "refreshed", AccessExpiryEpochMS: time.Now().Add(time.Hour).UnixMilli()}, nil
}

func newTestPool(t *testing.T, creds []credential.Credential) *credential.Pool {
	t.Helper()
	dir := t.TempDir()
	store, err := credential.NewStore(filepath.Join(dir, "creds.enc"), filepath.Join(dir, "salt"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.WriteAll(creds); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	pool := credential.NewPool(store, stubRefresher{}, noQuota{}, noCooldown{}, credential.StrategyRoundRobin, 0, time.Minute)
	pool.Reload()
	return pool
}

type noQuota struct{}

func (noQuota) HasQuotaFor(credID, model string) bool { return true }

type noCooldown struct{}

func (noCooldown) Available(credID, model string) bool { return true }

func freshCred(id string) credential.Credential {
	return credential.Credential{
		ID:                  id,
		RefreshSecret:       "refresh-" + id,
		AccessSecret:        "access-" + id,
		AccessExpiryEpochMS: time.Now().Add(time.Hour).UnixMilli(),
		Enabled:             true,
	}
}

func TestDispatchSucceedsOnFirstCredential(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	pool := newTestPool(t, []credential.Credential{freshCred("a")})
	q := quota.NewLedger(time.Hour)
	cd := cooldown.NewLedger()
	transport := upstream.New(upstream.NewStdDialer(5*time.Second), srv.URL, srv.URL, true)
	p := New(pool, q, cd, transport, 3, time.Minute)

	res, err := p.Dispatch(context.Background(), "gemini-2.5-pro", quota.GroupGemini, "/v1/call", []byte(`{}`), false)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if res.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", res.Attempts)
	}
	res.Response.Body.Close()
}

func TestDispatchFailsOverOnRateLimit(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limited"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	pool := newTestPool(t, []credential.Credential{freshCred("a"), freshCred("b")})
	q := quota.NewLedger(time.Hour)
	cd := cooldown.NewLedger()
	transport := upstream.New(upstream.NewStdDialer(5*time.Second), srv.URL, srv.URL, true)
	p := New(pool, q, cd, transport, 3, time.Minute)

	res, err := p.Dispatch(context.Background(), "gemini-2.5-pro", quota.GroupGemini, "/v1/call", []byte(`{}`), false)
	if err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if res.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", res.Attempts)
	}
	res.Response.Body.Close()
}

func TestDispatchStopsOnNonRetryableFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		w.Write([]byte(`{"error":"context too long"}`))
	}))
	defer srv.Close()

	pool := newTestPool(t, []credential.Credential{freshCred("a")})
	q := quota.NewLedger(time.Hour)
	cd := cooldown.NewLedger()
	transport := upstream.New(upstream.NewStdDialer(5*time.Second), srv.URL, srv.URL, true)
	p := New(pool, q, cd, transport, 3, time.Minute)

	_, err := p.Dispatch(context.Background(), "gemini-2.5-pro", quota.GroupGemini, "/v1/call", []byte(`{}`), false)
	if err == nil {
		t.Fatalf("expected error for non-retryable failure")
	}
	perr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if len(perr.Attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt before giving up, got %d", len(perr.Attempts))
	}
}

func TestDispatchStopsAndDisablesOnNoPermission(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":"PERMISSION_DENIED"}`))
	}))
	defer srv.Close()

	pool := newTestPool(t, []credential.Credential{freshCred("a"), freshCred("b")})
	q := quota.NewLedger(time.Hour)
	cd := cooldown.NewLedger()
	transport := upstream.New(upstream.NewStdDialer(5*time.Second), srv.URL, srv.URL, true)
	p := New(pool, q, cd, transport, 3, time.Minute)

	_, err := p.Dispatch(context.Background(), "gemini-2.5-pro", quota.GroupGemini, "/v1/call", []byte(`{}`), false)
	if err == nil {
		t.Fatalf("expected error for no_permission failure")
	}
	perr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if len(perr.Attempts) != 1 {
		t.Fatalf("expected exactly 1 attempt before failing the request, got %d", len(perr.Attempts))
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 upstream call, no failover to the second credential, got %d", calls)
	}
	if perr.Attempts[0].Class != upstream.ClassNoPermission {
		t.Fatalf("expected ClassNoPermission, got %s", perr.Attempts[0].Class)
	}
}
