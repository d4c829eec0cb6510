// Package pipeline implements the request pipeline (C10): the state machine
// that takes a canonical request, selects a credential, dispatches it
// upstream, and retries across credentials on transient failures, leaving
// caller-protocol concerns (guarding, conversion, streaming) to the
// surrounding httpserver handlers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relayforge/codeassist-gateway/internal/credential"
	"github.com/relayforge/codeassist-gateway/internal/quota"
	"github.com/relayforge/codeassist-gateway/internal/upstream"
)

// ErrExhausted is returned once every attempt across the configured
// credential fleet has failed.
var ErrExhausted = errors.New("pipeline: exhausted all credential attempts")

// QuotaRecorder is the slice of the quota ledger the pipeline updates after
// a successful dispatch.
type QuotaRecorder interface {
	RecordRequest(credID string, group quota.Group)
}

// CooldownMarker is the slice of the cooldown ledger the pipeline updates
// after a rate-limited or capacity-exhausted dispatch.
type CooldownMarker interface {
	Mark(credID, model string, duration time.Duration)
}

// Pipeline owns the credential-selection-and-retry loop around one
// upstream.Transport.
type Pipeline struct {
	Pool             *credential.Pool
	Quota            QuotaRecorder
	Cooldown         CooldownMarker
	Transport        *upstream.Transport
	MaxAttempts      int
	CooldownDuration time.Duration
}

// New builds a Pipeline with sane attempt/cooldown defaults when the zero
// value is passed for either.
func New(pool *credential.Pool, q QuotaRecorder, cd CooldownMarker, transport *upstream.Transport, maxAttempts int, cooldownDuration time.Duration) *Pipeline {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if cooldownDuration <= 0 {
		cooldownDuration = time.Minute
	}
	return &Pipeline{Pool: pool, Quota: q, Cooldown: cd, Transport: transport, MaxAttempts: maxAttempts, CooldownDuration: cooldownDuration}
}

// Result is what one successful Dispatch returns: the credential that
// served the call plus the transport's raw response.
type Result struct {
	Credential credential.Credential
	Response   upstream.Response
	BestEffort bool
	Attempts   int
}

// Attempt records one failed credential/response pair, surfaced to callers
// that want to log the full retry history.
type Attempt struct {
	CredentialID string
	Class        upstream.FailureClass
	StatusCode   int
}

// Error wraps the final failure with every attempt that preceded it.
type Error struct {
	Attempts []Attempt
	Last     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipeline: failed after %d attempt(s): %v", len(e.Attempts), e.Last)
}

func (e *Error) Unwrap() error { return e.Last }

// PayloadBuilder produces the request body to send for one selected
// credential. Converters stamp project/session scoping onto the canonical
// request per credential (that scoping lives on the Credential, not the
// caller's inbound body), so the payload can differ across retries even
// though the caller-visible request does not.
type PayloadBuilder func(cred credential.Credential) ([]byte, error)

// Dispatch runs the select -> dispatch -> classify -> retry loop for one
// request. path is the upstream-relative endpoint (unary or streaming);
// group is the quota bucket this model belongs to, used to record the
// successful request. payload is sent unchanged to every credential
// attempted; use DispatchFunc when the body must be re-stamped per
// credential.
func (p *Pipeline) Dispatch(ctx context.Context, model string, group quota.Group, path string, payload []byte, stream bool) (Result, error) {
	return p.DispatchFunc(ctx, model, group, path, func(credential.Credential) ([]byte, error) {
		return payload, nil
	}, stream)
}

// DispatchFunc is Dispatch with a per-attempt payload builder, letting
// callers re-stamp the credential-scoped fields of a canonical request
// (project, session ID) before each retry rather than fixing the body for
// the whole call.
func (p *Pipeline) DispatchFunc(ctx context.Context, model string, group quota.Group, path string, build PayloadBuilder, stream bool) (Result, error) {
	var attempts []Attempt
	var lastErr error

	for i := 0; i < p.MaxAttempts; i++ {
		cred, bestEffort, err := p.Pool.Select(ctx, model)
		if err != nil {
			lastErr = err
			break
		}

		payload, err := build(cred)
		if err != nil {
			lastErr = err
			break
		}

		var resp upstream.Response
		if stream {
			resp, err = p.Transport.CallStream(ctx, path, payload, cred.AccessSecret)
		} else {
			resp, err = p.Transport.CallUnary(ctx, path, payload, cred.AccessSecret)
		}
		if err != nil {
			lastErr = err
			attempts = append(attempts, Attempt{CredentialID: cred.ID, Class: upstream.ClassOther})
			continue
		}

		if resp.Body != nil {
			if p.Quota != nil {
				p.Quota.RecordRequest(cred.ID, group)
			}
			return Result{Credential: cred, Response: resp, BestEffort: bestEffort, Attempts: i + 1}, nil
		}

		attempts = append(attempts, Attempt{CredentialID: cred.ID, Class: resp.Class, StatusCode: resp.StatusCode})
		lastErr = fmt.Errorf("pipeline: upstream status %d (%s)", resp.StatusCode, resp.Class)

		switch {
		case resp.Class.DisablesCredential():
			p.Pool.Disable(cred.ID)
			return Result{}, &Error{Attempts: attempts, Last: lastErr}
		case resp.Class == upstream.ClassRetryableRateLimit || resp.Class == upstream.ClassCapacityExhausted:
			if p.Cooldown != nil {
				p.Cooldown.Mark(cred.ID, model, p.CooldownDuration)
			}
		case !resp.Class.Retryable():
			return Result{}, &Error{Attempts: attempts, Last: lastErr}
		}
	}

	if lastErr == nil {
		lastErr = ErrExhausted
	}
	return Result{}, &Error{Attempts: attempts, Last: lastErr}
}
