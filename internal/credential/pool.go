package credential

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNoCredentials is returned when the pool has no enabled credentials at
// all (as distinct from "none pass the model filter", which instead yields
// a best-effort selection).
var ErrNoCredentials = errors.New("credential: no enabled credentials available")

// Strategy selects which rotation rule the pool's cursor obeys.
type Strategy string

const (
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyRequestCount   Strategy = "request_count"
	StrategyQuotaExhausted Strategy = "quota_exhausted"
)

// QuotaView is the read-only slice of the Quota Ledger the pool consults
// during model-aware filtering. The pool depends on this interface, never
// on a concrete ledger, to avoid a cyclic pool<->ledger dependency.
type QuotaView interface {
	HasQuotaFor(credID, model string) bool
}

// CooldownView is the read-only slice of the Cooldown Ledger the pool
// consults during model-aware filtering.
type CooldownView interface {
	Available(credID, model string) bool
}

// RefreshResult is what a successful token refresh yields.
type RefreshResult struct {
	AccessSecret        string
	AccessExpiryEpochMS int64
	ProjectID           string
}

// RefreshError carries the upstream HTTP status so the pool can classify
// refresh failures: 400/403 disables the credential, anything else leaves
// it enabled and is logged.
type RefreshError struct {
	StatusCode int
	Err        error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("credential: refresh failed (status %d): %v", e.StatusCode, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Refresher exchanges a credential's refresh secret for a new access
// secret. Implemented by the upstream OAuth client; kept as an interface
// here so the pool never imports the transport package.
type Refresher interface {
	Refresh(ctx context.Context, cred Credential) (RefreshResult, error)
}

type refreshFuture struct {
	done chan struct{}
	res  RefreshResult
	err  error
}

// Pool rotates among a fleet of credentials, refreshing access tokens
// lazily, filtering by per-model quota and cooldown state, and persisting
// permanent disables back to the Store.
type Pool struct {
	store        Backend
	refresher    Refresher
	quota        QuotaView
	cooldown     CooldownView
	safetyBuffer time.Duration

	mu            sync.Mutex
	strategy      Strategy
	requestCountN int
	creds         []Credential
	cursor        int
	counters      map[string]int
	quotaList     []string

	inflightMu sync.Mutex
	inflight   map[string]*refreshFuture

	now func() time.Time
}

// NewPool builds a pool seeded from the store's enabled credentials.
func NewPool(store Backend, refresher Refresher, quota QuotaView, cooldown CooldownView, strategy Strategy, requestCountN int, safetyBuffer time.Duration) *Pool {
	p := &Pool{
		store:         store,
		refresher:     refresher,
		quota:         quota,
		cooldown:      cooldown,
		safetyBuffer:  safetyBuffer,
		strategy:      strategy,
		requestCountN: requestCountN,
		counters:      make(map[string]int),
		inflight:      make(map[string]*refreshFuture),
		now:           time.Now,
	}
	p.reloadLocked()
	return p
}

// Reload re-reads the store, discards per-credential counters and the
// cursor, and re-seeds the derived quota-exhausted list. Call after an
// administrative import/delete.
func (p *Pool) Reload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reloadLocked()
}

func (p *Pool) reloadLocked() {
	all := p.store.ReadAll()
	enabled := make([]Credential, 0, len(all))
	for _, c := range all {
		if c.Enabled {
			enabled = append(enabled, c)
		}
	}
	p.creds = enabled
	p.cursor = 0
	p.counters = make(map[string]int)
	p.rebuildQuotaListLocked()
}

// SetStrategy changes the rotation rule at runtime. Changing strategy or N
// resets counters and the cursor.
func (p *Pool) SetStrategy(strategy Strategy, requestCountN int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy = strategy
	p.requestCountN = requestCountN
	p.cursor = 0
	p.counters = make(map[string]int)
	p.rebuildQuotaListLocked()
}

func (p *Pool) rebuildQuotaListLocked() {
	ids := make([]string, 0, len(p.creds))
	for _, c := range p.creds {
		if c.HasQuota {
			ids = append(ids, c.ID)
		}
	}
	p.quotaList = ids
}

type stepResult struct {
	cred Credential
	ok   bool
}

func (p *Pool) stepStrategyLocked() stepResult {
	if len(p.creds) == 0 {
		return stepResult{}
	}
	switch p.strategy {
	case StrategyRequestCount:
		idx := p.cursor % len(p.creds)
		pick := p.creds[idx]
		n := p.requestCountN
		if n <= 0 {
			n = 1
		}
		p.counters[pick.ID]++
		if p.counters[pick.ID] >= n {
			p.counters[pick.ID] = 0
			p.cursor = (p.cursor + 1) % len(p.creds)
		}
		return stepResult{cred: pick, ok: true}
	case StrategyQuotaExhausted:
		return p.stepQuotaExhaustedLocked()
	default: // StrategyRoundRobin
		idx := p.cursor % len(p.creds)
		pick := p.creds[idx]
		p.cursor = (p.cursor + 1) % len(p.creds)
		return stepResult{cred: pick, ok: true}
	}
}

func (p *Pool) stepQuotaExhaustedLocked() stepResult {
	if len(p.quotaList) == 0 {
		for i := range p.creds {
			p.creds[i].HasQuota = true
		}
		p.rebuildQuotaListLocked()
	}
	if len(p.quotaList) == 0 {
		return stepResult{}
	}
	id := p.quotaList[0]
	p.quotaList = p.quotaList[1:]
	for _, c := range p.creds {
		if c.ID == id {
			return stepResult{cred: c, ok: true}
		}
	}
	// Stale ID (credential disabled concurrently); try the next one.
	return p.stepQuotaExhaustedLocked()
}

func (p *Pool) passesFilterLocked(credID, model string) bool {
	if p.quota != nil && !p.quota.HasQuotaFor(credID, model) {
		return false
	}
	if p.cooldown != nil && !p.cooldown.Available(credID, model) {
		return false
	}
	return true
}

// Select returns a credential for the given model (model may be empty to
// skip model-aware filtering). The returned bool reports whether this is a
// best-effort selection: no credential satisfied the model filter, so the
// cursor leader was returned anyway to avoid livelock, and the pipeline
// must mark the attempt as best-effort rather than retry on rate-limit.
func (p *Pool) Select(ctx context.Context, model string) (Credential, bool, error) {
	p.mu.Lock()
	if len(p.creds) == 0 {
		p.mu.Unlock()
		return Credential{}, false, ErrNoCredentials
	}

	k := len(p.creds)
	var first Credential
	firstSet := false
	var chosen Credential
	found := false
	for i := 0; i < k; i++ {
		step := p.stepStrategyLocked()
		if !step.ok {
			break
		}
		if !firstSet {
			first = step.cred
			firstSet = true
		}
		if model == "" || p.passesFilterLocked(step.cred.ID, model) {
			chosen = step.cred
			found = true
			break
		}
	}
	bestEffort := false
	if !found {
		if !firstSet {
			p.mu.Unlock()
			return Credential{}, false, ErrNoCredentials
		}
		chosen, bestEffort = first, true
	}
	p.mu.Unlock()

	fresh, err := p.ensureFresh(ctx, chosen)
	if err != nil {
		return Credential{}, false, err
	}
	return fresh, bestEffort, nil
}

// ensureFresh refreshes the credential's access token if it is expired or
// expires within the configured safety buffer, coalescing concurrent
// refresh calls for the same credential ID onto one in-flight future.
func (p *Pool) ensureFresh(ctx context.Context, cred Credential) (Credential, error) {
	if !cred.Expired(p.now(), p.safetyBuffer) {
		return cred, nil
	}

	p.inflightMu.Lock()
	if fut, ok := p.inflight[cred.ID]; ok {
		p.inflightMu.Unlock()
		<-fut.done
		if fut.err != nil {
			return Credential{}, fut.err
		}
		return p.applyRefresh(cred.ID, fut.res), nil
	}
	fut := &refreshFuture{done: make(chan struct{})}
	p.inflight[cred.ID] = fut
	p.inflightMu.Unlock()

	res, err := p.refresher.Refresh(ctx, cred)
	fut.res, fut.err = res, err
	close(fut.done)

	p.inflightMu.Lock()
	delete(p.inflight, cred.ID)
	p.inflightMu.Unlock()

	if err != nil {
		p.classifyRefreshFailure(cred.ID, err)
		return Credential{}, err
	}
	return p.applyRefresh(cred.ID, res), nil
}

func (p *Pool) applyRefresh(credID string, res RefreshResult) Credential {
	p.mu.Lock()
	for i, c := range p.creds {
		if c.ID == credID {
			p.creds[i].AccessSecret = res.AccessSecret
			p.creds[i].AccessExpiryEpochMS = res.AccessExpiryEpochMS
			if res.ProjectID != "" {
				p.creds[i].ProjectID = res.ProjectID
			}
			updated := p.creds[i]
			p.mu.Unlock()
			p.persistActive()
			return updated
		}
	}
	p.mu.Unlock()
	return Credential{ID: credID, AccessSecret: res.AccessSecret, AccessExpiryEpochMS: res.AccessExpiryEpochMS, ProjectID: res.ProjectID}
}

func (p *Pool) classifyRefreshFailure(credID string, err error) {
	var rerr *RefreshError
	if errors.As(err, &rerr) && (rerr.StatusCode == 400 || rerr.StatusCode == 403) {
		p.disable(credID)
		return
	}
	// Other failures: leave enabled and log.
	log.Printf("[WARN] credential: refresh of %s failed, credential stays enabled: %v", credID, err)
}

// disable permanently removes a credential from the rotation and persists
// enabled=false.
func (p *Pool) disable(credID string) {
	p.mu.Lock()
	idx := -1
	for i, c := range p.creds {
		if c.ID == credID {
			idx = i
			break
		}
	}
	if idx == -1 {
		p.mu.Unlock()
		return
	}
	p.creds = append(p.creds[:idx], p.creds[idx+1:]...)
	p.rebuildQuotaListLocked()
	if p.cursor > len(p.creds) {
		p.cursor = 0
	}
	p.mu.Unlock()
	p.persistDisable(credID)
}

func (p *Pool) persistDisable(credID string) {
	all := p.store.ReadAll()
	for i := range all {
		if all[i].ID == credID {
			all[i].Enabled = false
		}
	}
	_ = p.store.WriteAll(all)
}

func (p *Pool) persistActive() {
	p.mu.Lock()
	active := cloneList(p.creds)
	p.mu.Unlock()
	_ = p.store.MergeActive(active)
}

// Disable marks a credential permanently disabled, e.g. after an
// unrecoverable upstream no-permission response during dispatch.
func (p *Pool) Disable(credID string) {
	p.disable(credID)
}

// BootRefresh concurrently refreshes every credential whose access token is
// already expired, in the style of an allSettled scatter-gather: all
// refreshes are launched together, each result is classified independently,
// and a subset failing never aborts the others.
func (p *Pool) BootRefresh(ctx context.Context) error {
	p.mu.Lock()
	expired := make([]Credential, 0)
	for _, c := range p.creds {
		if c.Expired(p.now(), p.safetyBuffer) {
			expired = append(expired, c)
		}
	}
	p.mu.Unlock()

	if len(expired) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, cred := range expired {
		cred := cred
		g.Go(func() error {
			_, _ = p.ensureFresh(gctx, cred)
			return nil
		})
	}
	return g.Wait()
}

// Snapshot returns a copy of the currently enabled credential list, for
// diagnostics and admin surfaces.
func (p *Pool) Snapshot() []Credential {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneList(p.creds)
}
