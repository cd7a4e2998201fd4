// Package config loads and validates all runtime configuration for the gateway.
//
// Scalar settings are read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory, with env
// vars taking precedence. The deployment list is structural and comes from
// the YAML file only.
//
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Deployments is the router's deployment list, from the YAML file.
	Deployments []DeploymentConfig

	// Auth configures token verification and claim mapping.
	Auth AuthConfig

	// Masking configures the PII redaction hook. Disabled when the analyze
	// URL is empty.
	Masking MaskingConfig

	// Redis holds the connection URL for the Redis-backed cache.
	// Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// Cache selects the shared cache backend.
	Cache CacheConfig

	// Dispatch controls deployment retry behaviour.
	Dispatch DispatchConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// DeploymentConfig is one deployment descriptor from the YAML file.
type DeploymentConfig struct {
	ModelName string            `mapstructure:"model_name"`
	Params    map[string]string `mapstructure:"params"`
	TPM       int               `mapstructure:"tpm"`
	RPM       int               `mapstructure:"rpm"`
}

// AuthConfig configures the token authenticator.
type AuthConfig struct {
	// JWKSURL is the verification key set endpoint. Required.
	JWKSURL string
	// JWKSTTL bounds how long a fetched key set is served from cache.
	// Default: 1h.
	JWKSTTL time.Duration
	// Audience, when set, must appear in the token's aud claim.
	Audience string
	// AdminScope / TeamScope are the scope values granting those levels.
	AdminScope string
	TeamScope  string
	// TeamIDClaim / UserIDClaim / EmailClaim name the claim fields.
	TeamIDClaim string
	UserIDClaim string
	EmailClaim  string
	// UserIDUpsert creates unknown users on first sight.
	UserIDUpsert bool
	// AllowedEmailDomain restricts the email claim's domain when set.
	AllowedEmailDomain string
}

// MaskingConfig configures the redaction hook.
type MaskingConfig struct {
	// AnalyzeURL / AnonymizeURL are the text-analysis service endpoints.
	// Both empty disables the hook.
	AnalyzeURL   string
	AnonymizeURL string
	// Language passed to the analyzer. Default: "en".
	Language string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig selects the shared cache backend used for quota counters,
// the key set cache, and hook state.
type CacheConfig struct {
	// Mode selects the backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Shared across replicas.
	//   "memory" — In-process TTL cache. No external deps; single replica only.
	// Default: "memory".
	Mode string
}

// DispatchConfig controls deployment retry behaviour.
type DispatchConfig struct {
	// MaxRetries is the maximum number of deployment attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// BackendTimeout is the per-attempt backend HTTP timeout. Default: 30s.
	BackendTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("JWKS_TTL", "1h")
	v.SetDefault("AUTH_ADMIN_SCOPE", "proxy_admin")
	v.SetDefault("AUTH_TEAM_SCOPE", "team")
	v.SetDefault("AUTH_TEAM_ID_CLAIM", "team_id")
	v.SetDefault("AUTH_USER_ID_CLAIM", "sub")
	v.SetDefault("AUTH_EMAIL_CLAIM", "email")
	v.SetDefault("AUTH_USER_ID_UPSERT", false)

	v.SetDefault("MASKING_LANGUAGE", "en")

	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("BACKEND_TIMEOUT", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Auth: AuthConfig{
			JWKSURL:            v.GetString("JWKS_URL"),
			JWKSTTL:            v.GetDuration("JWKS_TTL"),
			Audience:           v.GetString("AUTH_AUDIENCE"),
			AdminScope:         v.GetString("AUTH_ADMIN_SCOPE"),
			TeamScope:          v.GetString("AUTH_TEAM_SCOPE"),
			TeamIDClaim:        v.GetString("AUTH_TEAM_ID_CLAIM"),
			UserIDClaim:        v.GetString("AUTH_USER_ID_CLAIM"),
			EmailClaim:         v.GetString("AUTH_EMAIL_CLAIM"),
			UserIDUpsert:       v.GetBool("AUTH_USER_ID_UPSERT"),
			AllowedEmailDomain: v.GetString("AUTH_ALLOWED_EMAIL_DOMAIN"),
		},

		Masking: MaskingConfig{
			AnalyzeURL:   v.GetString("MASKING_ANALYZE_URL"),
			AnonymizeURL: v.GetString("MASKING_ANONYMIZE_URL"),
			Language:     v.GetString("MASKING_LANGUAGE"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
		},

		Dispatch: DispatchConfig{
			MaxRetries:     v.GetInt("MAX_RETRIES"),
			BackendTimeout: v.GetDuration("BACKEND_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// The deployment list is structural; it only comes from the YAML file.
	if err := v.UnmarshalKey("deployments", &cfg.Deployments); err != nil {
		return nil, fmt.Errorf("config: invalid deployments section: %w", err)
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Auth.JWKSURL == "" {
		return fmt.Errorf("config: JWKS_URL is required")
	}

	if len(c.Deployments) == 0 {
		return fmt.Errorf("config: at least one deployment must be configured in config.yaml")
	}

	// Masking endpoints come in pairs.
	if (c.Masking.AnalyzeURL == "") != (c.Masking.AnonymizeURL == "") {
		return fmt.Errorf("config: MASKING_ANALYZE_URL and MASKING_ANONYMIZE_URL must both be set or both be empty")
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Dispatch.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Dispatch.MaxRetries)
	}

	return nil
}

// MaskingEnabled reports whether the redaction hook should be installed.
func (c *Config) MaskingEnabled() bool {
	return c.Masking.AnalyzeURL != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
