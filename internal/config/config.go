// Package config loads and validates all runtime configuration for the
// orchestration engine.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// A provider is enabled iff its API key is present and non-empty; the local
// runner is enabled by setting LOCAL_BASE_URL. At least one provider must be
// enabled for the engine to start.
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
	// Port is the TCP port the ops HTTP surface (health, readiness, metrics)
	// listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Remote provider credentials and endpoints.
	OpenAI      ProviderConfig
	Anthropic   ProviderConfig
	Gemini      ProviderConfig
	HuggingFace ProviderConfig

	// Local is an OpenAI-compatible local runner (Ollama, LM Studio, vLLM).
	// Enabled by setting LOCAL_BASE_URL; no API key required.
	Local LocalConfig

	// Orchestration holds the pipeline-level knobs.
	Orchestration OrchestrationConfig

	// Health controls the provider health state machine.
	Health HealthConfig

	// Redis holds the connection URL for the Redis-backed result cache and the
	// global RPM guard. Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls orchestration result caching.
	Cache CacheConfig

	// RateLimit controls the global request-rate ceiling.
	RateLimit RateLimitConfig
}

// ProviderConfig holds configuration for a single remote provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string

	// RPS and Burst are the per-provider token-bucket admission parameters:
	// sustained requests per second and maximum burst size.
	RPS   float64
	Burst int
}

// LocalConfig holds the local-runner endpoint configuration.
type LocalConfig struct {
	// BaseURL is the OpenAI-compatible endpoint,
	// e.g. "http://localhost:11434/v1". Empty disables the local provider.
	BaseURL string

	// Models lists the model names the runner serves. Empty falls back to the
	// canonical local model aliases.
	Models []string

	RPS   float64
	Burst int
}

// OrchestrationConfig holds pipeline-level settings.
type OrchestrationConfig struct {
	// MinimumModels is the per-stage success floor. A stage with fewer
	// successful responses fails the orchestration. Default: 3.
	MinimumModels int

	// SingleModelFallback coerces MinimumModels to 1 when true, letting a
	// degraded deployment keep answering with whatever provider is left.
	// Default: false.
	SingleModelFallback bool

	// Deadline is the default end-to-end orchestration deadline.
	// Default: 120s.
	Deadline time.Duration

	// StageMaxConcurrency caps in-flight provider calls within one stage.
	// Default: 8.
	StageMaxConcurrency int
}

// HealthConfig controls the provider health state machine.
type HealthConfig struct {
	// DegradedCooldown is how long a provider sits out after its first
	// transient failure. Default: 120s.
	DegradedCooldown time.Duration

	// UnhealthyCooldown is the exclusion window applied once the
	// consecutive-failure threshold is reached. Default: 300s.
	UnhealthyCooldown time.Duration

	// UnhealthyThreshold is the number of consecutive transient failures that
	// mark a provider Unhealthy. Default: 3.
	UnhealthyThreshold int

	// ProbeInterval is how often the background prober checks excluded
	// providers. 0 disables background probing. Default: 60s.
	ProbeInterval time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the orchestration result cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). For multi-replica runs.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached orchestration results. Default: 1h.
	TTL time.Duration

	// ExcludePatterns is a list of Go regular expressions matched against
	// analysis pattern names. Orchestrations whose pattern matches any entry
	// are never cached. Example: ["^scenario$", ".*_draft$"]
	ExcludePatterns []string
}

// RateLimitConfig controls the optional global request-rate ceiling.
type RateLimitConfig struct {
	// RPMLimit is the maximum orchestrations per minute allowed globally,
	// enforced through Redis so it holds across replicas.
	// 0 disables it. Default: 0.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider must be enabled.
// REDIS_URL is only required when CACHE_MODE=redis or RPM_LIMIT > 0.
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

	// Orchestration defaults.
	v.SetDefault("MINIMUM_MODELS_REQUIRED", 3)
	v.SetDefault("ENABLE_SINGLE_MODEL_FALLBACK", false)
	v.SetDefault("ORCHESTRATION_DEADLINE_SECONDS", 120)
	v.SetDefault("STAGE_MAX_CONCURRENCY", 8)

	// Health state machine defaults.
	v.SetDefault("HEALTH_DEGRADED_COOLDOWN", "120s")
	v.SetDefault("HEALTH_UNHEALTHY_COOLDOWN", "300s")
	v.SetDefault("HEALTH_UNHEALTHY_THRESHOLD", 3)
	v.SetDefault("HEALTH_PROBE_INTERVAL", "60s")

	// Cache defaults.
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// Per-provider token-bucket defaults. Conservative for paid APIs,
	// generous for local runners.
	v.SetDefault("OPENAI_RPS", 3.0)
	v.SetDefault("OPENAI_BURST", 6)
	v.SetDefault("ANTHROPIC_RPS", 2.0)
	v.SetDefault("ANTHROPIC_BURST", 4)
	v.SetDefault("GOOGLE_RPS", 2.0)
	v.SetDefault("GOOGLE_BURST", 4)
	v.SetDefault("HUGGINGFACE_RPS", 1.0)
	v.SetDefault("HUGGINGFACE_BURST", 2)
	v.SetDefault("LOCAL_RPS", 8.0)
	v.SetDefault("LOCAL_BURST", 16)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI: ProviderConfig{
			APIKey:  v.GetString("OPENAI_API_KEY"),
			BaseURL: v.GetString("OPENAI_BASE_URL"),
			RPS:     v.GetFloat64("OPENAI_RPS"),
			Burst:   v.GetInt("OPENAI_BURST"),
		},
		Anthropic: ProviderConfig{
			APIKey:  v.GetString("ANTHROPIC_API_KEY"),
			BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			RPS:     v.GetFloat64("ANTHROPIC_RPS"),
			Burst:   v.GetInt("ANTHROPIC_BURST"),
		},
		Gemini: ProviderConfig{
			APIKey:  v.GetString("GOOGLE_API_KEY"),
			BaseURL: v.GetString("GEMINI_BASE_URL"),
			RPS:     v.GetFloat64("GOOGLE_RPS"),
			Burst:   v.GetInt("GOOGLE_BURST"),
		},
		HuggingFace: ProviderConfig{
			APIKey:  v.GetString("HUGGINGFACE_API_KEY"),
			BaseURL: v.GetString("HUGGINGFACE_BASE_URL"),
			RPS:     v.GetFloat64("HUGGINGFACE_RPS"),
			Burst:   v.GetInt("HUGGINGFACE_BURST"),
		},

		Local: LocalConfig{
			BaseURL: v.GetString("LOCAL_BASE_URL"),
			Models:  v.GetStringSlice("LOCAL_MODELS"),
			RPS:     v.GetFloat64("LOCAL_RPS"),
			Burst:   v.GetInt("LOCAL_BURST"),
		},

		Orchestration: OrchestrationConfig{
			MinimumModels:       v.GetInt("MINIMUM_MODELS_REQUIRED"),
			SingleModelFallback: v.GetBool("ENABLE_SINGLE_MODEL_FALLBACK"),
			Deadline:            time.Duration(v.GetInt("ORCHESTRATION_DEADLINE_SECONDS")) * time.Second,
			StageMaxConcurrency: v.GetInt("STAGE_MAX_CONCURRENCY"),
		},

		Health: HealthConfig{
			DegradedCooldown:   v.GetDuration("HEALTH_DEGRADED_COOLDOWN"),
			UnhealthyCooldown:  v.GetDuration("HEALTH_UNHEALTHY_COOLDOWN"),
			UnhealthyThreshold: v.GetInt("HEALTH_UNHEALTHY_THRESHOLD"),
			ProbeInterval:      v.GetDuration("HEALTH_PROBE_INTERVAL"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},
	}

	// Single-model fallback drops the floor to 1 regardless of
	// MINIMUM_MODELS_REQUIRED.
	if cfg.Orchestration.SingleModelFallback {
		cfg.Orchestration.MinimumModels = 1
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProvider() {
		return fmt.Errorf(
			"config: at least one provider must be enabled " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, " +
				"HUGGINGFACE_API_KEY, or LOCAL_BASE_URL)",
		)
	}

	// Redis URL is required when the cache or the RPM guard needs it.
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Orchestration sanity checks.
	if c.Orchestration.MinimumModels < 1 {
		return fmt.Errorf("config: MINIMUM_MODELS_REQUIRED must be ≥ 1, got %d", c.Orchestration.MinimumModels)
	}
	if c.Orchestration.StageMaxConcurrency < 1 {
		return fmt.Errorf("config: STAGE_MAX_CONCURRENCY must be ≥ 1, got %d", c.Orchestration.StageMaxConcurrency)
	}
	if c.Orchestration.Deadline <= 0 {
		return fmt.Errorf("config: ORCHESTRATION_DEADLINE_SECONDS must be a positive duration")
	}
	if c.Health.UnhealthyThreshold < 1 {
		return fmt.Errorf("config: HEALTH_UNHEALTHY_THRESHOLD must be ≥ 1, got %d", c.Health.UnhealthyThreshold)
	}

	return nil
}

// AtLeastOneProvider returns true if at least one provider is enabled.
func (c *Config) AtLeastOneProvider() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.HuggingFace.APIKey != "" ||
		c.Local.BaseURL != ""
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
