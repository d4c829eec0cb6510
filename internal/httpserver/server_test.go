package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relayforge/codeassist-gateway/internal/config"
	"github.com/relayforge/codeassist-gateway/internal/cooldown"
	"github.com/relayforge/codeassist-gateway/internal/credential"
	"github.com/relayforge/codeassist-gateway/internal/ipguard"
	"github.com/relayforge/codeassist-gateway/internal/pipeline"
	"github.com/relayforge/codeassist-gateway/internal/quota"
	"github.com/relayforge/codeassist-gateway/internal/sigcache"
	"github.com/relayforge/codeassist-gateway/internal/upstream"
)

type stubRefresher struct{}

func (stubRefresher) Refresh(ctx context.Context, cred credential.Credential) (credential.RefreshResult, error) {
	return credential.RefreshResult{AccessSecret: "refreshed", AccessExpiryEpochMS: time.Now().Add(time.Hour).UnixMilli()}, nil
}

type noopImageSaver struct{}

func (noopImageSaver) SaveImage(ctx context.Context, mimeType string, data []byte) (string, error) {
	return "https://images.example/x.png", nil
}

func freshCred(id string) credential.Credential {
	return credential.Credential{
		ID:                  id,
		RefreshSecret:       "refresh-" + id,
		AccessSecret:        "access-" + id,
		AccessExpiryEpochMS: time.Now().Add(time.Hour).UnixMilli(),
		Enabled:             true,
		SessionID:           "session-" + id,
	}
}

// newTestServer wires a real Server against an httptest upstream that
// always answers with the given unary generateContent body, mirroring
// pipeline_test.go's collaborator wiring.
func newTestServer(t *testing.T, upstreamBody string) (*Server, *credential.Pool) {
	t.Helper()
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(upstreamBody))
	}))
	t.Cleanup(upstreamSrv.Close)

	dir := t.TempDir()
	store, err := credential.NewStore(filepath.Join(dir, "creds.enc"), filepath.Join(dir, "salt"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.WriteAll([]credential.Credential{freshCred("a")}); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}

	q := quota.NewLedger(time.Hour)
	cd := cooldown.NewLedger()
	pool := credential.NewPool(store, stubRefresher{}, q, cd, credential.StrategyRoundRobin, 0, time.Minute)
	pool.Reload()

	transport := upstream.New(upstream.NewStdDialer(5*time.Second), upstreamSrv.URL, upstreamSrv.URL, true)
	pl := pipeline.New(pool, q, cd, transport, 3, time.Minute)

	guard := ipguard.New(ipguard.Config{
		ViolationWindow:   time.Minute,
		BlockThreshold:    3,
		TempBlockDuration: time.Minute,
		CycleWindow:       time.Hour,
		PermanentCycles:   5,
	}, nil)

	cfg := config.Config{
		APIKey:               "test-key",
		FakeNonStream:        false,
		SignatureCachePolicy: "always",
		HeartbeatIntervalMS:  60000,
	}

	srv := New(cfg, pool, pl, q, cd, guard, sigcache.New(64, time.Hour), noopImageSaver{})
	return srv, pool
}

func TestChatCompletionsHappyPath(t *testing.T) {
	body := `{"candidates":[{"content":{"role":"model","parts":[{"text":"hello there"}]},"finishReason":"STOP"}]}`
	srv, _ := newTestServer(t, body)
	frontend := httptest.NewServer(srv.Router())
	defer frontend.Close()

	reqBody := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`
	req, _ := http.NewRequest(http.MethodPost, frontend.URL+"/v1/chat/completions", strings.NewReader(reqBody))
	req.Header.Set("Authorization", "Bearer test-key")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["object"] != "chat.completion" {
		t.Fatalf("unexpected response shape: %+v", out)
	}
}

func TestChatCompletionsRejectsBadKey(t *testing.T) {
	srv, _ := newTestServer(t, `{"candidates":[]}`)
	frontend := httptest.NewServer(srv.Router())
	defer frontend.Close()

	req, _ := http.NewRequest(http.MethodPost, frontend.URL+"/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer wrong-key")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestNotFoundWhitelistDoesNotBlock(t *testing.T) {
	srv, _ := newTestServer(t, `{"candidates":[]}`)
	frontend := httptest.NewServer(srv.Router())
	defer frontend.Close()

	for i := 0; i < 10; i++ {
		resp, err := http.Get(frontend.URL + "/favicon.ico")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", resp.StatusCode)
		}
	}

	// A whitelisted path never trips the guard, so a normal authenticated
	// call still succeeds afterwards.
	req, _ := http.NewRequest(http.MethodPost, frontend.URL+"/v1/chat/completions", strings.NewReader(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer test-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 after whitelisted 404s", resp.StatusCode)
	}
}

func TestUnwhitelistedNotFoundBlocksAfterThreshold(t *testing.T) {
	srv, _ := newTestServer(t, `{"candidates":[]}`)
	frontend := httptest.NewServer(srv.Router())
	defer frontend.Close()

	var last *http.Response
	for i := 0; i < 5; i++ {
		resp, err := http.Get(frontend.URL + "/totally/unknown/path")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if last != nil {
			last.Body.Close()
		}
		last = resp
	}
	defer last.Body.Close()

	req, _ := http.NewRequest(http.MethodPost, frontend.URL+"/v1/chat/completions", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer test-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want the ip to be guard-blocked after repeated unwhitelisted 404s", resp.StatusCode)
	}
}

func TestGeminiGenerateContentHappyPath(t *testing.T) {
	body := `{"candidates":[{"content":{"role":"model","parts":[{"text":"hi"}]},"finishReason":"STOP"}]}`
	srv, _ := newTestServer(t, body)
	frontend := httptest.NewServer(srv.Router())
	defer frontend.Close()

	reqBody := `{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`
	url := frontend.URL + "/v1beta/models/gemini-2.5-pro:generateContent?key=test-key"
	resp, err := http.Post(url, "application/json", strings.NewReader(reqBody))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if _, ok := out["candidates"]; !ok {
		t.Fatalf("unexpected response shape: %+v", out)
	}
}
