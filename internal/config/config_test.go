package config

import (
	"strings"
	"testing"
)

// clearProviderEnv blanks every env var Load reads so tests are hermetic
// regardless of the developer's shell environment.
func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GOOGLE_API_KEY",
		"HUGGINGFACE_API_KEY", "LOCAL_BASE_URL", "REDIS_URL",
		"CACHE_MODE", "CACHE_TTL", "RPM_LIMIT", "LOG_LEVEL", "PORT",
		"MINIMUM_MODELS_REQUIRED", "ENABLE_SINGLE_MODEL_FALLBACK",
		"ORCHESTRATION_DEADLINE_SECONDS", "STAGE_MAX_CONCURRENCY",
		"HEALTH_UNHEALTHY_THRESHOLD",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_NoProviders(t *testing.T) {
	clearProviderEnv(t)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when no provider is enabled")
	}
	if !strings.Contains(err.Error(), "at least one provider") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected default log level info, got %q", cfg.LogLevel)
	}
	if cfg.Orchestration.MinimumModels != 3 {
		t.Errorf("expected minimum models 3, got %d", cfg.Orchestration.MinimumModels)
	}
	if cfg.Orchestration.Deadline.Seconds() != 120 {
		t.Errorf("expected 120s deadline, got %v", cfg.Orchestration.Deadline)
	}
	if cfg.Orchestration.StageMaxConcurrency != 8 {
		t.Errorf("expected stage concurrency 8, got %d", cfg.Orchestration.StageMaxConcurrency)
	}
	if cfg.Cache.Mode != "memory" {
		t.Errorf("expected default cache mode memory, got %q", cfg.Cache.Mode)
	}
	if cfg.Health.UnhealthyThreshold != 3 {
		t.Errorf("expected unhealthy threshold 3, got %d", cfg.Health.UnhealthyThreshold)
	}
	if cfg.OpenAI.RPS != 3.0 || cfg.OpenAI.Burst != 6 {
		t.Errorf("unexpected openai bucket defaults: rps=%v burst=%d", cfg.OpenAI.RPS, cfg.OpenAI.Burst)
	}
}

func TestLoad_SingleModelFallbackCoercesFloor(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("MINIMUM_MODELS_REQUIRED", "5")
	t.Setenv("ENABLE_SINGLE_MODEL_FALLBACK", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Orchestration.MinimumModels != 1 {
		t.Errorf("fallback should coerce minimum models to 1, got %d", cfg.Orchestration.MinimumModels)
	}
}

func TestLoad_RedisCacheRequiresURL(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("CACHE_MODE", "redis")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for CACHE_MODE=redis without REDIS_URL")
	}
	if !strings.Contains(err.Error(), "REDIS_URL") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_RPMLimitRequiresRedis(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("RPM_LIMIT", "100")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for RPM_LIMIT without REDIS_URL")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad cache mode", "CACHE_MODE", "disk"},
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"zero minimum models", "MINIMUM_MODELS_REQUIRED", "0"},
		{"zero stage concurrency", "STAGE_MAX_CONCURRENCY", "0"},
		{"zero deadline", "ORCHESTRATION_DEADLINE_SECONDS", "0"},
		{"zero threshold", "HEALTH_UNHEALTHY_THRESHOLD", "0"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearProviderEnv(t)
			t.Setenv("OPENAI_API_KEY", "sk-test")
			t.Setenv(tc.key, tc.value)

			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestLoad_LocalRunnerOnly(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("LOCAL_BASE_URL", "http://localhost:11434/v1")
	t.Setenv("LOCAL_MODELS", "llama3.1 qwen2.5-coder")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.AtLeastOneProvider() {
		t.Error("local runner should count as an enabled provider")
	}
	if len(cfg.Local.Models) != 2 {
		t.Errorf("expected 2 local models, got %v", cfg.Local.Models)
	}
	if cfg.Local.RPS != 8.0 || cfg.Local.Burst != 16 {
		t.Errorf("unexpected local bucket defaults: rps=%v burst=%d", cfg.Local.RPS, cfg.Local.Burst)
	}
}
