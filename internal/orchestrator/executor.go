package orchestrator

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-orchestrator/internal/health"
	"github.com/nulpointcorp/llm-orchestrator/internal/llm"
	"github.com/nulpointcorp/llm-orchestrator/internal/metrics"
	"github.com/nulpointcorp/llm-orchestrator/internal/patterns"
	"github.com/nulpointcorp/llm-orchestrator/internal/ratelimit"
)

// Retry tuning for transient failures within a stage.
const (
	maxRetries     = 2
	backoffBase    = 500 * time.Millisecond
	backoffCap     = 4 * time.Second
	backoffJitter  = 0.20
	defaultMaxConc = 8
)

// Target is one model dispatch within a stage.
type Target struct {
	Adapter llm.Adapter
	Model   llm.ModelID

	// Force marks a call the caller explicitly routed past health
	// exclusions; it changes nothing here (health was consulted upstream)
	// but is kept for logging.
	Force bool
}

// Executor fans one stage out to its targets with bounded concurrency,
// per-call retries, rate-limit pacing and health bookkeeping.
type Executor struct {
	limiter *ratelimit.Limiter
	health  *health.Manager
	metrics *metrics.Registry
	log     *slog.Logger
	maxConc int
}

// NewExecutor creates an Executor. metrics may be nil (tests).
func NewExecutor(
	limiter *ratelimit.Limiter,
	hm *health.Manager,
	met *metrics.Registry,
	log *slog.Logger,
	maxConcurrency int,
) *Executor {
	if log == nil {
		log = slog.Default()
	}
	if maxConcurrency < 1 {
		maxConcurrency = defaultMaxConc
	}
	return &Executor{
		limiter: limiter,
		health:  hm,
		metrics: met,
		log:     log,
		maxConc: maxConcurrency,
	}
}

// Execute runs one stage: every target receives the rendered prompt
// concurrently, bounded by the executor's concurrency cap. The returned
// StageResult's Outcomes preserve the order of targets, so aggregation is
// deterministic for a given input set.
//
// Execute returns only after every dispatched call has completed, errored,
// or observed cancellation.
func (e *Executor) Execute(
	ctx context.Context,
	stage *patterns.Stage,
	targets []Target,
	prompt string,
	opts Options,
) StageResult {
	start := time.Now()

	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	outcomes := make([]Outcome, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConc)
	for i, t := range targets {
		g.Go(func() error {
			outcomes[i] = e.callWithRetry(gctx, t, prompt, opts)
			return nil
		})
	}
	_ = g.Wait()

	successes := 0
	for i := range outcomes {
		if outcomes[i].Err == nil {
			successes++
		}
	}

	return StageResult{
		Stage:     stage.Name,
		Role:      stage.Role.String(),
		Outcomes:  outcomes,
		Successes: successes,
		Duration:  time.Since(start),
	}
}

// callWithRetry performs the per-model pipeline:
// limiter.Acquire → adapter.Generate → classify → health update, retrying
// transient failures with capped exponential backoff and jitter. Persistent
// failures return immediately.
func (e *Executor) callWithRetry(ctx context.Context, t Target, prompt string, opts Options) Outcome {
	provider := t.Model.Provider
	out := Outcome{Model: t.Model.String(), Provider: provider}

	call := &llm.ModelCall{
		Model:         t.Model.Model,
		Prompt:        prompt,
		Temperature:   opts.Temperature,
		MaxTokens:     opts.MaxTokens,
		CorrelationID: opts.CorrelationID,
	}

	for attempt := 0; ; attempt++ {
		if err := e.limiter.Acquire(ctx, provider); err != nil {
			// Limiter wait lost to the deadline; the provider was never hit,
			// so health is not updated.
			out.Err = &llm.Error{Provider: provider, Model: t.Model.Model, Kind: llm.KindTimeout}
			return out
		}

		// An excluded provider re-enters through a single probe call, claimed
		// here so the slot is only ever held by a call that is dispatched.
		// Retries ride on the first attempt's admission: Observe released the
		// slot with that attempt's outcome, and re-claiming would trip over
		// the cooldown the failure just set.
		if attempt == 0 && !t.Force && !e.health.AdmitProbe(provider) {
			out.Err = &llm.Error{
				Provider: provider,
				Model:    t.Model.Model,
				Kind:     llm.KindServiceUnavailable,
				Detail:   "provider excluded, re-admission probe already in flight",
			}
			return out
		}

		callStart := time.Now()
		resp, err := t.Adapter.Generate(ctx, call)
		dur := time.Since(callStart)
		out.Attempts++

		e.health.Observe(provider, err)

		if err == nil {
			if e.metrics != nil {
				e.metrics.ObserveProviderCall(provider, "success", dur)
				e.metrics.AddTokens(provider, resp.InputTokens, resp.OutputTokens)
			}
			out.Response = resp
			// A recovered retry must not carry the prior attempt's error.
			out.Err = nil
			return out
		}

		le := llm.AsError(provider, t.Model.Model, err)
		out.Err = le

		if e.metrics != nil {
			e.metrics.ObserveProviderCall(provider, "error", dur)
			e.metrics.RecordProviderError(provider, le.Kind.String())
		}
		e.log.Debug("provider call failed",
			slog.String("provider", provider),
			slog.String("model", t.Model.Model),
			slog.String("kind", le.Kind.String()),
			slog.Int("attempt", out.Attempts),
			slog.String("correlation_id", opts.CorrelationID),
		)

		// A provider-originated throttle pauses every caller, not just this one.
		if le.Kind == llm.KindRateLimited && le.RetryAfter > 0 {
			e.limiter.Penalize(provider, le.RetryAfter)
		}

		if !le.Kind.Transient() || attempt >= maxRetries {
			return out
		}

		wait := backoff(attempt)
		if le.RetryAfter > wait {
			wait = le.RetryAfter
		}
		// A retry whose wait outlives the remaining budget cannot succeed.
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(wait).After(deadline) {
			return out
		}
		if e.metrics != nil {
			e.metrics.RecordRetry(provider)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return out
		}
	}
}

// backoff returns base·2^attempt capped, with ±20% jitter.
func backoff(attempt int) time.Duration {
	d := backoffBase << attempt
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
