package app

import (
	"context"
	"fmt"
	"log/slog"

	npCache "github.com/nulpointcorp/llm-orchestrator/internal/cache"
	"github.com/nulpointcorp/llm-orchestrator/internal/health"
	"github.com/nulpointcorp/llm-orchestrator/internal/llm"
	"github.com/nulpointcorp/llm-orchestrator/internal/logger"
	"github.com/nulpointcorp/llm-orchestrator/internal/metrics"
	"github.com/nulpointcorp/llm-orchestrator/internal/orchestrator"
	"github.com/nulpointcorp/llm-orchestrator/internal/patterns"
	"github.com/nulpointcorp/llm-orchestrator/internal/ratelimit"
	"github.com/nulpointcorp/llm-orchestrator/internal/registry"
)

// initInfra establishes optional external connections.
// Redis is required when CACHE_MODE=redis or RPM_LIMIT > 0.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders discovers enabled providers and starts health tracking.
// At least one provider must resolve — config.validate() guarantees the
// credentials exist, the registry verifies they build working adapters.
func (a *App) initProviders(ctx context.Context) error {
	reg, err := registry.New(ctx, a.cfg, nil)
	if err != nil {
		return err
	}
	a.registry = reg
	a.log.Info("providers loaded", slog.Any("providers", reg.Providers()))

	a.healthMgr = health.NewManagerWithConfig(reg.Providers(), health.Config{
		DegradedCooldown:   a.cfg.Health.DegradedCooldown,
		UnhealthyCooldown:  a.cfg.Health.UnhealthyCooldown,
		UnhealthyThreshold: a.cfg.Health.UnhealthyThreshold,
	})

	return nil
}

// initServices creates the cache backend, rate limiters, metrics registry
// and audit logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var backend npCache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		backend = npCache.NewExactCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		backend = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")
	}

	if backend != nil {
		var excl *npCache.ExclusionList
		if len(a.cfg.Cache.ExcludePatterns) > 0 {
			el, err := npCache.NewExclusionList(nil, a.cfg.Cache.ExcludePatterns)
			if err != nil {
				return fmt.Errorf("cache exclusions: %w", err)
			}
			excl = el
			a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
		}
		a.results = npCache.NewResultCache(backend, a.cfg.Cache.TTL, excl, a.prom, a.log)
	}

	a.limiter = ratelimit.NewLimiter(map[string]ratelimit.BucketConfig{
		llm.ProviderOpenAI:      {RPS: a.cfg.OpenAI.RPS, Burst: a.cfg.OpenAI.Burst},
		llm.ProviderAnthropic:   {RPS: a.cfg.Anthropic.RPS, Burst: a.cfg.Anthropic.Burst},
		llm.ProviderGemini:      {RPS: a.cfg.Gemini.RPS, Burst: a.cfg.Gemini.Burst},
		llm.ProviderHuggingFace: {RPS: a.cfg.HuggingFace.RPS, Burst: a.cfg.HuggingFace.Burst},
		llm.ProviderLocal:       {RPS: a.cfg.Local.RPS, Burst: a.cfg.Local.Burst},
	})

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		a.rpm = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("global rate limit enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	audit, err := logger.New(ctx, a.log)
	if err != nil {
		return err
	}
	a.audit = audit

	return nil
}

// initEngine wires the pattern registry, the orchestration engine, the
// background health prober and the ops HTTP surface.
func (a *App) initEngine(_ context.Context) error {
	a.patterns = patterns.NewRegistry()

	a.engine = orchestrator.NewEngine(
		a.registry,
		a.patterns,
		a.healthMgr,
		a.limiter,
		a.prom,
		a.log,
		orchestrator.EngineConfig{
			MinimumModels:       a.cfg.Orchestration.MinimumModels,
			Deadline:            a.cfg.Orchestration.Deadline,
			StageMaxConcurrency: a.cfg.Orchestration.StageMaxConcurrency,
		},
	)

	if a.cfg.Health.ProbeInterval > 0 {
		adapters := make(map[string]llm.Adapter, a.registry.Len())
		for _, name := range a.registry.Providers() {
			if ad, ok := a.registry.Get(name); ok {
				adapters[name] = ad
			}
		}
		a.prober = health.NewProber(
			a.baseCtx,
			a.healthMgr,
			adapters,
			a.cfg.Health.ProbeInterval,
			a.log,
			func(provider string, state health.State) {
				a.prom.SetProviderHealth(provider, int(state))
			},
		)
	}

	var cacheReady func() bool
	if a.cfg.Cache.Mode == "redis" {
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	}

	a.srv = newServer(
		a.version,
		a.registry,
		a.healthMgr,
		a.patterns.Names(),
		a.prom.Handler(),
		cacheReady,
	)

	return nil
}
