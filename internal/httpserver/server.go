// Package httpserver is the HTTP edge: the chi router and per-dialect
// handlers that guard, authenticate, convert, dispatch and stream every
// caller-facing request, wiring together the credential pool, quota and
// cooldown ledgers, IP guard, signature cache and request pipeline.
package httpserver

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/relayforge/codeassist-gateway/internal/config"
	"github.com/relayforge/codeassist-gateway/internal/convert/canonical"
	"github.com/relayforge/codeassist-gateway/internal/cooldown"
	"github.com/relayforge/codeassist-gateway/internal/credential"
	"github.com/relayforge/codeassist-gateway/internal/ipguard"
	"github.com/relayforge/codeassist-gateway/internal/pipeline"
	"github.com/relayforge/codeassist-gateway/internal/quota"
	"github.com/relayforge/codeassist-gateway/internal/relay"
	"github.com/relayforge/codeassist-gateway/internal/sigcache"
	"github.com/relayforge/codeassist-gateway/internal/upstream"
	"github.com/relayforge/codeassist-gateway/internal/version"
)

// notFoundWhitelist lists paths a caller may legitimately probe that this
// gateway doesn't implement; hitting them still 404s but does not count as
// an IP Guard violation. Prefixes ending in "*" match by prefix.
var notFoundWhitelist = []string{
	"/favicon.ico",
	"/robots.txt",
	"/.well-known/*",
	"/ws/logs",
	"/v1/models",
	"/v1/complete",
	"/v1/files",
	"/v1/fine_tuning",
	"/v1/assistants",
	"/v1/threads",
	"/v1/batches",
	"/v1/uploads",
	"/v1/organization",
	"/v1/usage",
	"/v1beta/models",
}

// Server owns every collaborator the HTTP edge needs and exposes a chi
// router wiring the caller-facing surfaces spec.md §6 lists.
type Server struct {
	Config    config.Config
	Pool      *credential.Pool
	Pipeline  *pipeline.Pipeline
	Quota     *quota.Ledger
	Cooldown  *cooldown.Ledger
	Guard     *ipguard.Guard
	SigCache  *sigcache.Cache
	ImageSaver relay.ImageSaver

	logger    *log.Logger
	logLevel  string
	startedAt time.Time
}

// New builds a Server from its fully-constructed collaborators.
func New(cfg config.Config, pool *credential.Pool, pl *pipeline.Pipeline, q *quota.Ledger, cd *cooldown.Ledger, guard *ipguard.Guard, sc *sigcache.Cache, saver relay.ImageSaver) *Server {
	return &Server{
		Config:     cfg,
		Pool:       pool,
		Pipeline:   pl,
		Quota:      q,
		Cooldown:   cd,
		Guard:      guard,
		SigCache:   sc,
		ImageSaver: saver,
		logger:     log.Default(),
		startedAt:  time.Now(),
	}
}

// SetLogger installs a component-tagged logger and debug level, matching
// the per-component logger convention used throughout this codebase.
func (s *Server) SetLogger(level string, logger *log.Logger) {
	s.logLevel = strings.ToLower(strings.TrimSpace(level))
	if logger != nil {
		s.logger = logger
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() && s.logger != nil {
		s.logger.Printf("[DEBUG] httpserver: "+format, args...)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf("[INFO] httpserver: "+format, args...)
	}
}

// Router builds the full chi mux for all caller-facing surfaces.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.NotFound(s.handleNotFound)

	r.Get("/health", s.handleHealth)
	r.Get("/v1/models", http.HandlerFunc(s.withGuard(s.withBearerAuth(http.HandlerFunc(s.handleModels))).ServeHTTP))

	r.Group(func(o chi.Router) {
		o.Use(s.guardMiddleware)
		o.Use(s.bearerAuthMiddleware)
		o.Post("/v1/chat/completions", s.handleChatCompletions)
	})

	r.Group(func(a chi.Router) {
		a.Use(s.guardMiddleware)
		a.Use(s.bearerAuthMiddleware)
		a.Post("/v1/messages", s.handleMessages)
	})

	r.Group(func(g chi.Router) {
		g.Use(s.guardMiddleware)
		g.Use(s.geminiKeyAuthMiddleware)
		g.Post("/v1beta/models/*", s.handleGeminiModels)
	})

	r.Group(func(sd chi.Router) {
		sd.Use(s.guardMiddleware)
		sd.Post("/sdapi/v1/txt2img", s.handleTxt2Img)
		sd.Post("/sdapi/v1/img2img", s.handleImg2Img)
	})

	return r
}

func (s *Server) withGuard(h http.Handler) http.Handler {
	return s.guardMiddleware(h)
}

func (s *Server) withBearerAuth(h http.Handler) http.Handler {
	return s.bearerAuthMiddleware(h)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startedAt).Seconds(),
		"version": version.Info(),
		"build":   version.FullInfo(),
	})
}

// modelEntry is the OpenAI-shaped model list element GET /v1/models returns.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	defaults := []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-3-pro-image", "claude-opus-4", "claude-sonnet-4"}
	seen := make(map[string]struct{}, len(defaults)+len(s.Config.ModelAliases))
	created := s.startedAt.Unix()
	data := make([]modelEntry, 0, len(defaults)+len(s.Config.ModelAliases))
	for _, id := range defaults {
		seen[id] = struct{}{}
		data = append(data, modelEntry{ID: id, Object: "model", Created: created, OwnedBy: "codeassist-gateway"})
	}
	for alias := range s.Config.ModelAliases {
		if _, ok := seen[alias]; ok {
			continue
		}
		seen[alias] = struct{}{}
		data = append(data, modelEntry{ID: alias, Object: "model", Created: created, OwnedBy: "codeassist-gateway"})
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if pathWhitelisted(r.URL.Path) {
		http.NotFound(w, r)
		return
	}
	ip := clientIP(r)
	result := s.Guard.RecordViolation(ip, ipguard.ViolationNotFound)
	if result.Blocked {
		s.debugf("ip %s blocked after not_found violation reason=%s", ip, result.Reason)
	}
	http.NotFound(w, r)
}

func pathWhitelisted(path string) bool {
	for _, p := range notFoundWhitelist {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(path, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

// guardMiddleware rejects requests from blocked IPs before any auth or
// body parsing happens.
func (s *Server) guardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		result := s.Guard.Check(ip)
		if !result.Blocked {
			next.ServeHTTP(w, r)
			return
		}
		if result.Reason == ipguard.ReasonPermanent {
			s.respondJSON(w, http.StatusForbidden, map[string]any{"error": map[string]any{"type": "ip_blocked", "message": "this address is permanently blocked"}})
			return
		}
		w.Header().Set("Retry-After", time.Until(result.ExpiresAt).Round(time.Second).String())
		s.respondJSON(w, http.StatusTooManyRequests, map[string]any{"error": map[string]any{"type": "ip_blocked", "message": "this address is temporarily blocked"}})
	})
}

// bearerAuthMiddleware validates the OpenAI/Anthropic-style caller key.
func (s *Server) bearerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" || !constantTimeEqual(token, s.Config.APIKey) {
			s.recordInvalidKey(r)
			s.respondJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"type": "invalid_request_error", "message": "invalid API key"}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// geminiKeyAuthMiddleware validates the Gemini-style `?key=` or
// `x-goog-api-key` caller key.
func (s *Server) geminiKeyAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.URL.Query().Get("key"))
		if token == "" {
			token = strings.TrimSpace(r.Header.Get("x-goog-api-key"))
		}
		if token == "" || !constantTimeEqual(token, s.Config.APIKey) {
			s.recordInvalidKey(r)
			s.respondJSON(w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": http.StatusUnauthorized, "message": "invalid API key", "status": "UNAUTHENTICATED"}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recordInvalidKey(r *http.Request) {
	ip := clientIP(r)
	result := s.Guard.RecordViolation(ip, ipguard.ViolationInvalidKey)
	if result.Blocked {
		s.debugf("ip %s blocked after invalid_key violation reason=%s", ip, result.Reason)
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// payloadBuilder returns a pipeline.PayloadBuilder that stamps the selected
// credential's project/session scoping onto base and, when a cached thought
// signature exists for that (session, model) pair, reattaches it as a
// leading thought part so the upstream can resume its hidden chain of
// thought (spec.md §4.5).
func (s *Server) payloadBuilder(base canonical.Request) pipeline.PayloadBuilder {
	return func(cred credential.Credential) ([]byte, error) {
		req := base
		req.Project = cred.ProjectID
		req.SessionID = cred.SessionID
		if entry, ok := s.SigCache.Get(cred.SessionID, req.Model); ok {
			contents := make([]canonical.Content, len(req.Contents), len(req.Contents)+1)
			copy(contents, req.Contents)
			contents = append(contents, canonical.Content{
				Role:  "model",
				Parts: []canonical.Part{{Text: entry.PairedThoughtText, Thought: true, ThoughtSignature: entry.Signature}},
			})
			req.Contents = contents
		}
		return json.Marshal(req)
	}
}

// writeBackSignature stores the most recent thought signature observed in
// collected under the credential's session, honoring the configured
// caching policy; tool-call signatures take precedence over a bare
// reasoning signature (spec.md §4.9).
func (s *Server) writeBackSignature(cred credential.Credential, model string, collected relay.Collected) {
	sig := collected.ReasoningSignature
	for _, tc := range collected.ToolCalls {
		if tc.Signature != "" {
			sig = tc.Signature
		}
	}
	if sig == "" {
		return
	}
	policy := sigcache.Policy(s.Config.SignatureCachePolicy)
	isImage := quota.ClassifyModel(model) == quota.GroupBanana
	if !sigcache.ShouldCache(policy, len(collected.ToolCalls) > 0, isImage) {
		return
	}
	s.SigCache.WriteBack(cred.SessionID, model, sig, collected.ReasoningText)
}

func newRequestID() string { return uuid.NewString() }

// classifyDispatchError maps a pipeline dispatch failure onto the HTTP
// status and error kind spec.md §7's taxonomy names.
func classifyDispatchError(err error) (int, string) {
	if errors.Is(err, credential.ErrNoCredentials) {
		return http.StatusServiceUnavailable, "no_credentials_available"
	}
	var perr *pipeline.Error
	if errors.As(err, &perr) && len(perr.Attempts) > 0 {
		switch perr.Attempts[len(perr.Attempts)-1].Class {
		case upstream.ClassRetryableRateLimit:
			return http.StatusTooManyRequests, "upstream_rate_limit"
		case upstream.ClassCapacityExhausted:
			return http.StatusServiceUnavailable, "upstream_capacity"
		case upstream.ClassNoPermission:
			return http.StatusBadGateway, "upstream_no_permission"
		case upstream.ClassContextTooLong:
			return http.StatusBadRequest, "upstream_context_too_long"
		}
	}
	return http.StatusBadGateway, "upstream_other"
}
