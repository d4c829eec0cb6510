// Package config loads gateway runtime settings from environment variables
// with INI-file fallbacks, mirroring the layered settings+environment
// override style used throughout this codebase.
package config

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/gateway.ini"
)

// Settings contains the global environment toggle plus default key/values.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RouteRule captures an ordered pattern => target mapping (used for model
// alias and host-routing rules) while preserving declaration order.
type RouteRule struct {
	Pattern string
	Target  string
}

// Config describes every runtime option the gateway needs.
type Config struct {
	Environment string

	// Caller-facing auth
	APIKey        string
	AdminUsername string
	AdminPassword string
	JWTSecret     string

	// Upstream hosts
	SandboxHost    string
	ProductionHost string
	UseProduction  bool
	UserAgent      string

	// OAuth client used to refresh credential access tokens
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string

	// Networking
	HTTPProxy        string
	RequestTimeout   time.Duration
	IdleTimeout      time.Duration
	MaxRetries       int
	RefreshSafetyBuf time.Duration

	// Credential store
	CredentialStorePath string
	CredentialSaltPath  string
	QuotaStorePath      string
	QuotaIdleTTL        time.Duration
	QuotaFlushInterval  time.Duration

	// Cooldown
	DefaultCooldown time.Duration

	// Rotation
	RotationStrategy string // round_robin | request_count | quota_exhausted
	RequestCountN    int

	// IP Guard
	IPViolationWindow      time.Duration
	IPBlockThreshold       int
	IPTempBlockDuration    time.Duration
	IPTempBlockCycleWindow time.Duration
	IPPermanentCycles      int
	IPWhitelist            []string
	IPWhitelistFile        string

	// Signature cache
	SignatureCachePolicy string // always | tool_or_image | never
	SignatureCacheSize   int
	SignatureCacheTTL    time.Duration

	// Stream relay
	HeartbeatIntervalMS int
	FakeNonStream       bool

	// System instruction composition
	SystemInstruction    string
	OfficialSystemPrompt string
	OfficialPromptFirst  bool

	// Converters
	MaxImagesPerRequest int

	// Image sink
	ImageBaseURL string

	// Logging
	LogFile  string
	LogLevel string

	// Debug
	DebugDumpRequestResponse bool

	// Model aliases / routing
	ModelAliases   map[string]string
	ModelRoutes    []RouteRule
	ModelAliasFile string

	// HTTP bind address
	Addr string
}

// Load reads the current environment and merges INI defaults with
// environment-variable overrides (env wins). Secrets absent from both
// sources are auto-generated; the caller is expected to log that fact
// once at startup.
func Load(root string) (Config, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return Config{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return Config{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	get := func(key string) string {
		return merged[key]
	}

	cfg := Config{
		Environment: s.Environment,

		APIKey:        firstNonEmpty(os.Getenv("API_KEY"), merged["api_key"], randomSecret("key")),
		AdminUsername: firstNonEmpty(os.Getenv("ADMIN_USERNAME"), merged["admin_username"], "admin"),
		AdminPassword: firstNonEmpty(os.Getenv("ADMIN_PASSWORD"), merged["admin_password"], randomSecret("pw")),
		JWTSecret:     firstNonEmpty(os.Getenv("JWT_SECRET"), merged["jwt_secret"], randomSecret("jwt")),

		SandboxHost:    firstNonEmpty(get("sandbox_host"), "https://cloudcode-pa.sandbox.googleapis.com"),
		ProductionHost: firstNonEmpty(get("production_host"), "https://cloudcode-pa.googleapis.com"),
		UseProduction:  parseOptionalBool(get("use_production"), true),
		UserAgent:      firstNonEmpty(get("user_agent"), "codeassist-gateway/1.0"),

		OAuthClientID:     get("oauth_client_id"),
		OAuthClientSecret: get("oauth_client_secret"),
		OAuthTokenURL:     firstNonEmpty(get("oauth_token_url"), "https://oauth2.googleapis.com/token"),

		HTTPProxy:  firstNonEmpty(os.Getenv("PROXY"), os.Getenv("HTTPS_PROXY"), os.Getenv("HTTP_PROXY"), os.Getenv("ALL_PROXY"), merged["proxy"]),
		MaxRetries: parseOptionalInt(get("max_retries"), 3),

		CredentialStorePath: firstNonEmpty(get("credential_store_path"), defaultStatePath("accounts.enc")),
		CredentialSaltPath:  firstNonEmpty(get("credential_salt_path"), defaultStatePath("accounts.salt")),
		QuotaStorePath:      firstNonEmpty(get("quota_store_path"), defaultStatePath("quotas.db")),

		DefaultCooldown: 60 * time.Second,

		RotationStrategy: firstNonEmpty(get("rotation_strategy"), "round_robin"),
		RequestCountN:    parseOptionalInt(get("rotation_request_count"), 5),

		IPViolationWindow:      10 * time.Minute,
		IPBlockThreshold:       parseOptionalInt(get("ip_block_threshold"), 10),
		IPTempBlockDuration:    30 * time.Minute,
		IPTempBlockCycleWindow: 24 * time.Hour,
		IPPermanentCycles:      parseOptionalInt(get("ip_permanent_cycles"), 5),
		IPWhitelist:            parseCSV(get("ip_whitelist")),
		IPWhitelistFile:        get("ip_whitelist_file"),

		SignatureCachePolicy: firstNonEmpty(get("signature_cache_policy"), "tool_or_image"),
		SignatureCacheSize:   parseOptionalInt(get("signature_cache_size"), 2048),
		SignatureCacheTTL:    30 * time.Minute,

		HeartbeatIntervalMS: parseOptionalInt(get("heartbeat_interval_ms"), 15000),
		FakeNonStream:       parseOptionalBool(get("fake_non_stream"), true),

		SystemInstruction:    firstNonEmpty(os.Getenv("SYSTEM_INSTRUCTION"), merged["system_instruction"]),
		OfficialSystemPrompt: firstNonEmpty(os.Getenv("OFFICIAL_SYSTEM_PROMPT"), merged["official_system_prompt"]),
		OfficialPromptFirst:  parseOptionalBool(get("official_prompt_first"), true),

		MaxImagesPerRequest: parseOptionalInt(get("max_images_per_request"), 16),

		ImageBaseURL: firstNonEmpty(os.Getenv("IMAGE_BASE_URL"), merged["image_base_url"]),

		LogFile:  firstNonEmpty(get("log_file"), "-"),
		LogLevel: firstNonEmpty(get("log_level"), "info"),

		DebugDumpRequestResponse: parseOptionalBool(firstNonEmpty(os.Getenv("DEBUG_DUMP_REQUEST_RESPONSE"), merged["debug_dump_request_response"]), false),

		Addr: firstNonEmpty(get("addr"), ":8080"),
	}

	if v := get("request_timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid request_timeout %q: %w", v, err)
		}
		cfg.RequestTimeout = d
	} else {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if v := get("idle_timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid idle_timeout %q: %w", v, err)
		}
		cfg.IdleTimeout = d
	} else {
		cfg.IdleTimeout = 120 * time.Second
	}
	if v := get("refresh_safety_buffer"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid refresh_safety_buffer %q: %w", v, err)
		}
		cfg.RefreshSafetyBuf = d
	} else {
		cfg.RefreshSafetyBuf = 60 * time.Second
	}
	if v := get("quota_idle_ttl"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid quota_idle_ttl %q: %w", v, err)
		}
		cfg.QuotaIdleTTL = d
	} else {
		cfg.QuotaIdleTTL = time.Hour
	}
	if v := get("quota_flush_interval"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid quota_flush_interval %q: %w", v, err)
		}
		cfg.QuotaFlushInterval = d
	} else {
		cfg.QuotaFlushInterval = 30 * time.Second
	}

	cfg.ModelAliases = parseRoutes(get("model_aliases"))
	cfg.ModelRoutes = parseRouteList(get("model_routes"))
	cfg.ModelAliasFile = get("model_alias_file")
	if cfg.ModelAliasFile != "" {
		fromFile, err := loadModelAliasFile(cfg.ModelAliasFile)
		if err != nil {
			return Config{}, err
		}
		if cfg.ModelAliases == nil {
			cfg.ModelAliases = make(map[string]string, len(fromFile))
		}
		for k, v := range fromFile {
			cfg.ModelAliases[k] = v
		}
	}

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	var out []string
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseRoutes parses "pattern=target" pairs from a CSV or newline-separated
// string, supporting both '=' and '=>' separators.
func parseRoutes(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	routes := make(map[string]string)
	var entries []string
	for _, line := range strings.Split(input, "\n") {
		for _, p := range strings.Split(line, ",") {
			if strings.TrimSpace(p) != "" {
				entries = append(entries, p)
			}
		}
	}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		var kv []string
		if strings.Contains(e, "=>") {
			kv = strings.SplitN(e, "=>", 2)
		} else {
			kv = strings.SplitN(e, "=", 2)
		}
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		if key != "" && val != "" {
			routes[key] = val
		}
	}
	if len(routes) == 0 {
		return nil
	}
	return routes
}

// parseRouteList preserves ordering for pattern=>target rules (comma or
// newline separated).
func parseRouteList(input string) []RouteRule {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var rules []RouteRule
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, part := range strings.Split(line, ",") {
			entry := strings.TrimSpace(part)
			if entry == "" {
				continue
			}
			var kv []string
			if strings.Contains(entry, "=>") {
				kv = strings.SplitN(entry, "=>", 2)
			} else {
				kv = strings.SplitN(entry, "=", 2)
			}
			if len(kv) != 2 {
				continue
			}
			pattern := strings.TrimSpace(kv[0])
			target := strings.TrimSpace(kv[1])
			if pattern == "" || target == "" {
				continue
			}
			rules = append(rules, RouteRule{Pattern: pattern, Target: target})
		}
	}
	return rules
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".codeassist-gateway", name)
}

// randomSecret mints a process-local fallback secret. Callers are
// responsible for warning the operator that one was auto-generated.
func randomSecret(prefix string) string {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return prefix + "-static-fallback-secret"
	}
	return prefix + "-" + hex.EncodeToString(buf)
}
