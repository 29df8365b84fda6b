// Package metrics provides a Prometheus metrics registry for the
// orchestration engine.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// orchestrator_inflight_orchestrations
	inFlight prometheus.Gauge

	// orchestrator_orchestrations_total{pattern,status}
	orchestrationsTotal *prometheus.CounterVec

	// orchestrator_orchestration_duration_seconds{pattern}
	orchestrationDuration *prometheus.HistogramVec

	// orchestrator_stages_total{stage,status} — status: success|partial|failure|skipped
	stagesTotal *prometheus.CounterVec

	// orchestrator_stage_duration_seconds{stage}
	stageDuration *prometheus.HistogramVec

	// orchestrator_provider_calls_total{provider,outcome}
	providerCalls *prometheus.CounterVec

	// orchestrator_provider_call_duration_seconds{provider}
	providerDuration *prometheus.HistogramVec

	// orchestrator_provider_errors_total{provider,kind}
	providerErrors *prometheus.CounterVec

	// orchestrator_provider_health{provider} — 0=healthy, 1=degraded, 2=unhealthy
	providerHealth *prometheus.GaugeVec

	// orchestrator_retries_total{provider}
	retries *prometheus.CounterVec

	// orchestrator_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// orchestrator_tokens_total{provider,direction}
	tokensTotal *prometheus.CounterVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// orchestrator_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// orchestrator_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_inflight_orchestrations",
			Help: "Current number of in-flight orchestrations",
		}),

		orchestrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_orchestrations_total",
				Help: "Total orchestrations by pattern and final status",
			},
			[]string{"pattern", "status"},
		),

		orchestrationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_orchestration_duration_seconds",
				Help:    "End-to-end orchestration duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120, 240},
			},
			[]string{"pattern"},
		),

		stagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_stages_total",
				Help: "Stage executions by name and outcome",
			},
			[]string{"stage", "status"},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_stage_duration_seconds",
				Help:    "Stage duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"stage"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_provider_calls_total",
				Help: "Provider generation calls by outcome",
			},
			[]string{"provider", "outcome"},
		),

		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_provider_call_duration_seconds",
				Help:    "Single provider call duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 45},
			},
			[]string{"provider"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_provider_errors_total",
				Help: "Provider errors by classified kind",
			},
			[]string{"provider", "kind"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_provider_health",
				Help: "Provider health state (0=healthy, 1=degraded, 2=unhealthy)",
			},
			[]string{"provider"},
		),

		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_retries_total",
				Help: "Retried provider calls",
			},
			[]string{"provider"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_ratelimit_total",
				Help: "Global rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tokens_total",
				Help: "Token usage totals derived from provider usage fields",
			},
			[]string{"provider", "direction"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.orchestrationsTotal,
		r.orchestrationDuration,
		r.stagesTotal,
		r.stageDuration,
		r.providerCalls,
		r.providerDuration,
		r.providerErrors,
		r.providerHealth,
		r.retries,
		r.rateLimitTotal,
		r.tokensTotal,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveOrchestration records one finished orchestration.
// status: "success", "partial", or an error code label.
func (r *Registry) ObserveOrchestration(pattern, status string, dur time.Duration) {
	r.orchestrationsTotal.WithLabelValues(pattern, status).Inc()
	r.orchestrationDuration.WithLabelValues(pattern).Observe(dur.Seconds())
}

// ObserveStage records one executed (or skipped) stage.
// status: "success", "partial", "failure", "skipped".
func (r *Registry) ObserveStage(stage, status string, dur time.Duration) {
	r.stagesTotal.WithLabelValues(stage, status).Inc()
	if status != "skipped" {
		r.stageDuration.WithLabelValues(stage).Observe(dur.Seconds())
	}
}

// ObserveProviderCall records one provider generation attempt.
func (r *Registry) ObserveProviderCall(provider, outcome string, dur time.Duration) {
	r.providerCalls.WithLabelValues(provider, outcome).Inc()
	r.providerDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// RecordProviderError counts a classified provider error.
func (r *Registry) RecordProviderError(provider, kind string) {
	r.providerErrors.WithLabelValues(provider, kind).Inc()
}

// SetProviderHealth exports the health state machine position.
func (r *Registry) SetProviderHealth(provider string, state int) {
	r.providerHealth.WithLabelValues(provider).Set(float64(state))
}

func (r *Registry) RecordRetry(provider string) {
	r.retries.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// AddTokens accumulates provider-reported token usage.
func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
