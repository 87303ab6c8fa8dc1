// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const devJWTSecret = "dev-secret-change-me-dev-secret-32"

// Config holds all application configuration.
type Config struct {
	// Environment.
	Env string // "development" | "production"

	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// JWT settings. Either a key-file pair (Ed25519, production-grade) or a
	// plain JWTSecret (dev convenience, gated by Validate in production).
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTSecret         string
	JWTExpiration     time.Duration

	// Redis / job store backend. Empty RedisURL selects the in-memory
	// backend for jobstore, ratelimit, push tickets, and enrichment cache.
	RedisURL string

	// Places provider settings.
	ProviderAPIKey  string
	ProviderBaseURL string
	DefaultRegion   string // ISO-2, used when no region can be resolved otherwise

	// LLM client settings.
	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string

	// Web-search adapter (enrichment) settings.
	WebSearchAPIKey   string
	WebSearchEndpoint string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// CORS settings.
	CORSAllowedOrigins []string

	// Rate limiting.
	SearchRateLimitPerMin int
	PhotoRateLimitPerMin  int

	// Push channel.
	PushIdleTimeout   time.Duration
	PushTicketTTL     time.Duration
	ShutdownDrainTime time.Duration

	// Enrichment.
	EnrichmentWorkersPerProvider int
	EnrichmentCacheTTL           time.Duration
	EnrichmentLockTTL            time.Duration

	// Debug.
	EnableDebugRedis bool

	// Service API keys. Maps a service name to its Argon2id-hashed secret,
	// for server-to-server callers that authenticate with
	// "Authorization: ApiKey <secret>" instead of a session cookie/bearer
	// JWT. Empty disables the scheme.
	ServiceAPIKeys map[string]string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
	JobTTL              time.Duration
}

// IsProduction reports whether production gates (spec §6 Environment) apply.
func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// Load reads configuration from environment variables with sensible defaults.
// Returns an error if any environment variable contains an unparseable
// value, or if Validate rejects the result.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		Env:                envStr("SHULCHAN_ENV", "development"),
		JWTPrivateKeyPath:  envStr("SHULCHAN_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:   envStr("SHULCHAN_JWT_PUBLIC_KEY", ""),
		JWTSecret:          envStr("JWT_SECRET", devJWTSecret),
		RedisURL:           envStr("REDIS_URL", ""),
		ProviderAPIKey:     envStr("PROVIDER_API_KEY", ""),
		ProviderBaseURL:    envStr("PROVIDER_BASE_URL", "https://places.googleapis.com"),
		DefaultRegion:      envStr("SHULCHAN_DEFAULT_REGION", "IL"),
		LLMAPIKey:          envStr("LLM_API_KEY", ""),
		LLMBaseURL:         envStr("LLM_BASE_URL", ""),
		LLMModel:           envStr("LLM_MODEL", "gpt-4o-mini"),
		WebSearchAPIKey:    envStr("WEB_SEARCH_API_KEY", ""),
		WebSearchEndpoint:  envStr("WEB_SEARCH_ENDPOINT", "https://api.search.brave.com/res/v1/web/search"),
		OTELEndpoint:       envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:        envStr("OTEL_SERVICE_NAME", "shulchan"),
		LogLevel:           envStr("SHULCHAN_LOG_LEVEL", "info"),
		CORSAllowedOrigins: envStrSlice("FRONTEND_ORIGINS", nil),
	}

	var serviceKeysErr error
	cfg.ServiceAPIKeys, serviceKeysErr = envServiceAPIKeys("SHULCHAN_SERVICE_API_KEYS")
	if serviceKeysErr != nil {
		errs = append(errs, serviceKeysErr)
	}

	cfg.Port, errs = collectInt(errs, "SHULCHAN_PORT", 8080)
	cfg.SearchRateLimitPerMin, errs = collectInt(errs, "SHULCHAN_SEARCH_RATE_LIMIT_PER_MIN", 100)
	cfg.PhotoRateLimitPerMin, errs = collectInt(errs, "SHULCHAN_PHOTO_RATE_LIMIT_PER_MIN", 60)
	cfg.EnrichmentWorkersPerProvider, errs = collectInt(errs, "SHULCHAN_ENRICHMENT_WORKERS_PER_PROVIDER", 2)

	var maxReqBody int
	maxReqBody, errs = collectInt(errs, "SHULCHAN_MAX_REQUEST_BODY_BYTES", 256*1024)
	cfg.MaxRequestBodyBytes = int64(maxReqBody)

	cfg.OTELInsecure, errs = collectBool(errs, "OTEL_EXPORTER_OTLP_INSECURE", false)
	cfg.EnableDebugRedis, errs = collectBool(errs, "ENABLE_DEBUG_REDIS", false)

	cfg.ReadTimeout, errs = collectDuration(errs, "SHULCHAN_READ_TIMEOUT", 30*time.Second)
	cfg.WriteTimeout, errs = collectDuration(errs, "SHULCHAN_WRITE_TIMEOUT", 30*time.Second)
	cfg.JWTExpiration, errs = collectDuration(errs, "SHULCHAN_JWT_EXPIRATION", 24*time.Hour)
	cfg.PushIdleTimeout, errs = collectDuration(errs, "SHULCHAN_PUSH_IDLE_TIMEOUT", 15*time.Minute)
	cfg.PushTicketTTL, errs = collectDuration(errs, "SHULCHAN_PUSH_TICKET_TTL", 60*time.Second)
	cfg.ShutdownDrainTime, errs = collectDuration(errs, "SHULCHAN_SHUTDOWN_DRAIN_TIME", 10*time.Second)
	cfg.EnrichmentCacheTTL, errs = collectDuration(errs, "SHULCHAN_ENRICHMENT_CACHE_TTL", 24*time.Hour)
	cfg.EnrichmentLockTTL, errs = collectDuration(errs, "SHULCHAN_ENRICHMENT_LOCK_TTL", 30*time.Second)
	cfg.JobTTL, errs = collectDuration(errs, "SHULCHAN_JOB_TTL", 1*time.Hour)

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return Config{}, fmt.Errorf("config: invalid environment variables:\n  %s", strings.Join(msgs, "\n  "))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func collectInt(errs []error, key string, fallback int) (int, []error) {
	v, err := envInt(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

func collectBool(errs []error, key string, fallback bool) (bool, []error) {
	v, err := envBool(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

func collectDuration(errs []error, key string, fallback time.Duration) (time.Duration, []error) {
	v, err := envDuration(key, fallback)
	if err != nil {
		errs = append(errs, err)
	}
	return v, errs
}

// Validate checks that required configuration is present and sane, and
// enforces spec §6's production gates: startup MUST fail fast if any is
// violated.
func (c Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, errors.New("config: SHULCHAN_PORT must be between 1 and 65535"))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, errors.New("config: SHULCHAN_READ_TIMEOUT must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("config: SHULCHAN_WRITE_TIMEOUT must be positive"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("config: SHULCHAN_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.PushTicketTTL <= 0 || c.PushTicketTTL > 60*time.Second {
		errs = append(errs, errors.New("config: SHULCHAN_PUSH_TICKET_TTL must be in (0, 60s]"))
	}
	if c.JWTPrivateKeyPath != "" {
		if err := validateKeyFile(c.JWTPrivateKeyPath, "SHULCHAN_JWT_PRIVATE_KEY"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.JWTPublicKeyPath != "" {
		if err := validateKeyFile(c.JWTPublicKeyPath, "SHULCHAN_JWT_PUBLIC_KEY"); err != nil {
			errs = append(errs, err)
		}
	}

	if c.IsProduction() {
		if c.JWTPrivateKeyPath == "" {
			if len(c.JWTSecret) < 32 {
				errs = append(errs, errors.New("config: JWT_SECRET must be at least 32 characters in production"))
			}
			if c.JWTSecret == devJWTSecret {
				errs = append(errs, errors.New("config: JWT_SECRET must not equal the development default in production"))
			}
		}
		if c.RedisURL == "" {
			errs = append(errs, errors.New("config: REDIS_URL is required in production"))
		}
		if c.ProviderAPIKey == "" {
			errs = append(errs, errors.New("config: PROVIDER_API_KEY is required in production"))
		}
		if c.LLMAPIKey == "" {
			errs = append(errs, errors.New("config: LLM_API_KEY is required in production"))
		}
		for _, o := range c.CORSAllowedOrigins {
			if o == "*" {
				errs = append(errs, errors.New("config: FRONTEND_ORIGINS must not contain a bare '*' in production"))
			}
		}
	}

	return errors.Join(errs...)
}

// validateKeyFile checks that a key file exists, is readable, is non-empty,
// and has restrictive permissions (owner-only on Unix).
func validateKeyFile(path, envVar string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: %s %q: %w", envVar, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s %q is a directory, expected a file", envVar, path)
	}
	if info.Size() == 0 {
		return fmt.Errorf("config: %s %q is empty", envVar, path)
	}
	perm := info.Mode().Perm()
	if perm&0o077 != 0 {
		return fmt.Errorf("config: %s %q has overly permissive mode %04o (expected 0600 or stricter)", envVar, path, perm)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envServiceAPIKeys parses a "name1:hash1,name2:hash2" env var into a
// name->hash map. Entries without a ':' are rejected rather than silently
// ignored, since a malformed entry here means a service operator typo'd
// their own allowlist.
func envServiceAPIKeys(key string) (map[string]string, error) {
	v := os.Getenv(key)
	if v == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, hash, ok := strings.Cut(entry, ":")
		if !ok || name == "" || hash == "" {
			return nil, fmt.Errorf("%s: entry %q must be in name:hash form", key, entry)
		}
		out[name] = hash
	}
	return out, nil
}

// envStrSlice reads a comma-separated env var into a string slice.
// Returns fallback if the env var is empty or unset.
func envStrSlice(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
