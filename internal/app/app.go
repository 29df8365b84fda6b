// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis when needed)
//  2. initProviders — provider registry, health manager, background prober
//  3. initServices  — result cache, rate limiters, metrics, audit logger
//  4. initEngine    — pattern registry, orchestration engine, ops server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	npCache "github.com/nulpointcorp/llm-orchestrator/internal/cache"
	"github.com/nulpointcorp/llm-orchestrator/internal/config"
	"github.com/nulpointcorp/llm-orchestrator/internal/health"
	"github.com/nulpointcorp/llm-orchestrator/internal/logger"
	"github.com/nulpointcorp/llm-orchestrator/internal/metrics"
	"github.com/nulpointcorp/llm-orchestrator/internal/orchestrator"
	"github.com/nulpointcorp/llm-orchestrator/internal/patterns"
	"github.com/nulpointcorp/llm-orchestrator/internal/ratelimit"
	"github.com/nulpointcorp/llm-orchestrator/internal/registry"
	"github.com/nulpointcorp/llm-orchestrator/pkg/apierr"
)

// App owns all long-lived resources and exposes Run / Close plus the
// in-process Orchestrate entry point.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	memCache *npCache.MemoryCache
	results  *npCache.ResultCache
	audit    *logger.Logger

	prom *metrics.Registry

	registry  *registry.Registry
	healthMgr *health.Manager
	prober    *health.Prober
	limiter   *ratelimit.Limiter
	rpm       *ratelimit.RPMLimiter

	patterns *patterns.Registry
	engine   *orchestrator.Engine

	srv *Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"engine", a.initEngine},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Engine exposes the orchestration engine for embedders that want to bypass
// the cache and rate-limit admission in App.Orchestrate.
func (a *App) Engine() *orchestrator.Engine { return a.engine }

// Orchestrate is the full admission path: global RPM guard, result cache
// lookup, pipeline run, cache store and audit record.
func (a *App) Orchestrate(ctx context.Context, req *orchestrator.Request) (*orchestrator.Result, error) {
	start := time.Now()

	if a.rpm != nil {
		allowed, err := a.rpm.Allow(ctx)
		if err == nil && !allowed {
			a.prom.RecordRateLimit("limited")
			return nil, apierr.New(apierr.CodeRateLimited,
				"orchestration rate limit of %d per minute exceeded", a.cfg.RateLimit.RPMLimit)
		}
		a.prom.RecordRateLimit("allowed")
	}

	key, cacheable := a.cacheKey(req)
	if cacheable {
		if res, ok := a.results.Get(ctx, key, patternName(req)); ok {
			res.CorrelationID = req.Options.CorrelationID
			res.TotalLatency = time.Since(start)
			a.auditResult(res, "cached")
			return res, nil
		}
	}

	res, err := a.engine.Orchestrate(ctx, req)
	if err != nil {
		a.auditFailure(req, err, time.Since(start))
		return res, err
	}

	if cacheable {
		a.results.Set(ctx, key, res)
	}

	status := "success"
	if res.Partial {
		status = "partial"
	}
	a.auditResult(res, status)
	return res, nil
}

// ReloadSecrets re-resolves provider credentials and lifts persistent health
// exclusions so rotated keys take effect without a restart.
func (a *App) ReloadSecrets(ctx context.Context) error {
	if err := a.registry.Reload(ctx); err != nil {
		return fmt.Errorf("app: reload secrets: %w", err)
	}
	a.healthMgr.ReloadSecrets()
	a.log.Info("secrets reloaded", slog.Any("providers", a.registry.Providers()))
	return nil
}

// Run starts the ops HTTP server and blocks until ctx is cancelled or an
// error occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting orchestrator",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", a.registry.Len()),
		slog.Int("minimum_models", a.cfg.Orchestration.MinimumModels),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Serve(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.prober != nil {
		a.prober.Close()
		a.prober = nil
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.Error("audit logger close error", slog.String("error", err.Error()))
		}
		a.audit = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// cacheKey derives the result-cache key for req. Force-routed requests are
// never cached: bypassing health exclusions is a per-run decision.
func (a *App) cacheKey(req *orchestrator.Request) (string, bool) {
	if a.results == nil || req.Options.Force {
		return "", false
	}
	key := npCache.Key(
		patternName(req),
		req.Prompt,
		req.SelectedModels,
		req.Options.Temperature,
		req.Options.MaxTokens,
	)
	return key, true
}

func patternName(req *orchestrator.Request) string {
	if req.Pattern == "" {
		return "gut"
	}
	return req.Pattern
}

func (a *App) auditResult(res *orchestrator.Result, status string) {
	if a.audit == nil {
		return
	}
	var models int
	if len(res.Stages) > 0 {
		models = len(res.Stages[0].Outcomes)
	}
	a.audit.Log(logger.OrchestrationLog{
		CorrelationID: res.CorrelationID,
		Pattern:       res.Pattern,
		LeadModel:     res.LeadModel,
		Models:        uint16(models),
		Stages:        uint16(len(res.Stages)),
		LatencyMs:     uint32(res.TotalLatency.Milliseconds()),
		Status:        status,
		Partial:       res.Partial,
		Cached:        res.Cached,
		CreatedAt:     time.Now().UTC(),
	})
}

func (a *App) auditFailure(req *orchestrator.Request, err error, latency time.Duration) {
	if a.audit == nil {
		return
	}
	a.audit.Log(logger.OrchestrationLog{
		CorrelationID: req.Options.CorrelationID,
		Pattern:       patternName(req),
		LatencyMs:     uint32(latency.Milliseconds()),
		Status:        string(apierr.CodeOf(err)),
		CreatedAt:     time.Now().UTC(),
	})
}

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function for the readiness
// endpoint. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
