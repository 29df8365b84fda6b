package app

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-orchestrator/internal/health"
	"github.com/nulpointcorp/llm-orchestrator/internal/registry"
)

// Server is the operational HTTP surface: health, readiness, metrics and
// read-only introspection of the configured patterns and models. It is not an
// orchestration API; orchestrations run in-process through App.Orchestrate.
type Server struct {
	version    string
	registry   *registry.Registry
	health     *health.Manager
	patterns   []string
	metricsH   fasthttp.RequestHandler
	cacheReady func() bool

	srv *fasthttp.Server
}

func newServer(
	version string,
	reg *registry.Registry,
	hm *health.Manager,
	patternNames []string,
	metricsHandler fasthttp.RequestHandler,
	cacheReady func() bool,
) *Server {
	if cacheReady == nil {
		cacheReady = func() bool { return true }
	}
	return &Server{
		version:    version,
		registry:   reg,
		health:     hm,
		patterns:   patternNames,
		metricsH:   metricsHandler,
		cacheReady: cacheReady,
	}
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve(addr string) error {
	r := router.New()

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	r.GET("/patterns", s.handlePatterns)
	r.GET("/models", s.handleModels)

	if s.metricsH != nil {
		r.GET("/metrics", s.metricsH)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		securityHeaders,
	)

	s.srv = &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return s.srv.ListenAndServe(addr)
}

// Shutdown stops the server gracefully. No-op when Serve was never called.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":      "ok",
		"version":     s.version,
		"providers":   s.health.Snapshot(),
		"cache_ready": s.cacheReady(),
	})
}

// handleReadiness reports whether the engine can accept work: at least one
// enabled provider and a reachable cache backend.
func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.registry.Len() > 0 && s.cacheReady() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func (s *Server) handlePatterns(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"patterns": s.patterns})
}

func (s *Server) handleModels(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"models": s.registry.ListModels()})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
