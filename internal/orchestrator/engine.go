package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-orchestrator/internal/health"
	"github.com/nulpointcorp/llm-orchestrator/internal/llm"
	"github.com/nulpointcorp/llm-orchestrator/internal/metrics"
	"github.com/nulpointcorp/llm-orchestrator/internal/patterns"
	"github.com/nulpointcorp/llm-orchestrator/internal/quality"
	"github.com/nulpointcorp/llm-orchestrator/internal/ratelimit"
	"github.com/nulpointcorp/llm-orchestrator/internal/registry"
	"github.com/nulpointcorp/llm-orchestrator/pkg/apierr"
)

// Defaults for engine-level tuning.
const (
	DefaultDeadline      = 120 * time.Second
	DefaultMinimumModels = 3
	defaultPattern       = "gut"

	// hyperSkipThreshold: a subset-fanout round adds nothing when the prior
	// round produced this few distinct successes; the pipeline falls
	// through to synthesis.
	hyperSkipThreshold = 2
)

// EngineConfig holds pipeline-level settings.
type EngineConfig struct {
	// MinimumModels is the per-stage success floor for full-fanout stages.
	MinimumModels int

	// Deadline is the default orchestration deadline.
	Deadline time.Duration

	// StageMaxConcurrency caps in-flight provider calls per stage.
	StageMaxConcurrency int
}

// Engine owns the orchestration pipeline. Stateless across calls: per-call
// objects live on the stack, and only health/rate state persists in the
// injected subsystems.
type Engine struct {
	registry *registry.Registry
	patterns *patterns.Registry
	health   *health.Manager
	exec     *Executor
	metrics  *metrics.Registry
	log      *slog.Logger
	cfg      EngineConfig
}

// NewEngine wires an Engine. metrics may be nil (tests).
func NewEngine(
	reg *registry.Registry,
	pats *patterns.Registry,
	hm *health.Manager,
	limiter *ratelimit.Limiter,
	met *metrics.Registry,
	log *slog.Logger,
	cfg EngineConfig,
) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MinimumModels < 1 {
		cfg.MinimumModels = DefaultMinimumModels
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	return &Engine{
		registry: reg,
		patterns: pats,
		health:   hm,
		exec:     NewExecutor(limiter, hm, met, log, cfg.StageMaxConcurrency),
		metrics:  met,
		log:      log,
		cfg:      cfg,
	}
}

// Orchestrate runs the full pipeline for one request.
//
// On success the returned error is nil; Partial marks results that lost
// models or rounds along the way. On failure the Result still carries every
// finalized StageResult so callers can see how far the pipeline got.
func (e *Engine) Orchestrate(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	pat, err := e.validate(req)
	if err != nil {
		return nil, err
	}

	corrID := req.Options.CorrelationID
	if corrID == "" {
		corrID = uuid.NewString()
	}
	opts := req.Options
	opts.CorrelationID = corrID

	ctx, cancel := context.WithTimeout(ctx, e.deadline(req))
	defer cancel()

	if e.metrics != nil {
		e.metrics.IncInFlight()
		defer e.metrics.DecInFlight()
	}

	res := &Result{Pattern: pat.Name, CorrelationID: corrID}

	initial, err := e.resolveInitialTargets(req)
	if err != nil {
		e.observeOrchestration(pat.Name, err, start)
		return res, err
	}

	hint := e.resolveHint(req.UltraModel)

	e.log.Info("orchestration started",
		slog.String("pattern", pat.Name),
		slog.String("correlation_id", corrID),
		slog.Int("models", len(initial)),
	)

	var (
		stageOutputs = make(map[string][]string)
		lastRanking  []quality.Scored
		lastStage    string // name of the last stage that met its floor
		sawFailure   bool
		cutShort     bool
	)

	for i := range pat.Stages {
		stage := &pat.Stages[i]

		targets, skip := e.stageTargets(stage, initial, lastRanking, hint, opts.Force)
		if skip {
			res.Stages = append(res.Stages, StageResult{
				Stage: stage.Name, Role: stage.Role.String(), Skipped: true,
			})
			if e.metrics != nil {
				e.metrics.ObserveStage(stage.Name, "skipped", 0)
			}
			// Downstream templates referencing the skipped round see the
			// prior round's outputs instead of nothing.
			stageOutputs[stage.Name] = stageOutputs[lastStage]
			continue
		}

		prompt, rerr := stage.Render(patterns.Data{Prompt: req.Prompt, StageOutputs: stageOutputs})
		if rerr != nil {
			err := apierr.Wrap(apierr.CodeInternalError, rerr, "stage %s: template render failed", stage.Name)
			e.observeOrchestration(pat.Name, err, start)
			return res, err
		}

		sr := e.exec.Execute(ctx, stage, targets, prompt, opts)
		floor := e.stageFloor(stage, len(targets))

		if sr.Successes < len(sr.Outcomes) {
			sawFailure = true
		}

		if sr.Successes < floor {
			res.Stages = append(res.Stages, sr)
			if e.metrics != nil {
				e.metrics.ObserveStage(stage.Name, "failure", sr.Duration)
			}
			err := e.stageFailure(ctx, req, res, stage, sr, floor, lastStage)
			if err != nil {
				e.observeOrchestration(pat.Name, err, start)
				res.TotalLatency = time.Since(start)
				return res, err
			}
			// Deadline cut the pipeline but a usable prior round exists.
			cutShort = true
			break
		}

		// Rank this round's successes; the winner is the stage lead.
		cands := make([]quality.Candidate, 0, sr.Successes)
		texts := make([]string, 0, sr.Successes)
		for _, o := range sr.Outcomes {
			if o.Err == nil {
				cands = append(cands, quality.Candidate{Model: o.Model, Text: o.Response.Text})
				texts = append(texts, o.Response.Text)
			}
		}
		ranking, lead := quality.Rank(cands, hint)
		sr.Lead = lead.Model

		res.Stages = append(res.Stages, sr)
		if e.metrics != nil {
			status := "success"
			if sr.Successes < len(sr.Outcomes) {
				status = "partial"
			}
			e.metrics.ObserveStage(stage.Name, status, sr.Duration)
		}

		stageOutputs[stage.Name] = texts
		lastRanking = ranking
		lastStage = stage.Name

		if stage.Role == patterns.RoleSynthesizer {
			res.FinalText = lead.Text
			res.LeadModel = lead.Model
		}
	}

	// No synthesizer ran (or it was cut): fall back to the winner of the
	// last successful round.
	if res.FinalText == "" {
		if len(lastRanking) == 0 {
			err := apierr.New(apierr.CodeInsufficientModels, "no stage produced a usable response")
			e.observeOrchestration(pat.Name, err, start)
			res.TotalLatency = time.Since(start)
			return res, err
		}
		res.FinalText = lastRanking[0].Text
		res.LeadModel = lastRanking[0].Model
	}

	res.Partial = sawFailure || cutShort
	res.TotalLatency = time.Since(start)
	e.trim(res, opts)

	status := "success"
	if res.Partial {
		status = "partial"
	}
	if e.metrics != nil {
		e.metrics.ObserveOrchestration(pat.Name, status, res.TotalLatency)
	}
	e.log.Info("orchestration finished",
		slog.String("pattern", pat.Name),
		slog.String("correlation_id", corrID),
		slog.String("lead", res.LeadModel),
		slog.Bool("partial", res.Partial),
		slog.Duration("latency", res.TotalLatency),
	)

	return res, nil
}

// validate checks the request against its bounds and resolves the pattern.
func (e *Engine) validate(req *Request) (*patterns.Pattern, error) {
	if req == nil || req.Prompt == "" {
		return nil, apierr.New(apierr.CodeBadRequest, "prompt must not be empty")
	}
	if t := req.Options.Temperature; t < 0 || t > 2 {
		return nil, apierr.New(apierr.CodeBadRequest, "temperature %v out of range [0, 2]", t)
	}
	if req.Options.MaxTokens < 0 {
		return nil, apierr.New(apierr.CodeBadRequest, "max_tokens must not be negative")
	}

	name := req.Pattern
	if name == "" {
		name = defaultPattern
	}
	pat, ok := e.patterns.Get(name)
	if !ok {
		return nil, apierr.New(apierr.CodeBadRequest, "unknown pattern %q", name)
	}
	return pat, nil
}

func (e *Engine) deadline(req *Request) time.Duration {
	d := e.cfg.Deadline
	if req.Options.Deadline > 0 && req.Options.Deadline < d {
		d = req.Options.Deadline
	}
	return d
}

// resolveInitialTargets builds the starting model set: the explicit
// selection when given, otherwise every eligible provider's default model.
// Enforces the minimum-models floor.
func (e *Engine) resolveInitialTargets(req *Request) ([]Target, error) {
	var targets []Target

	if len(req.SelectedModels) > 0 {
		for _, spec := range req.SelectedModels {
			adapter, id, err := e.registry.ResolveModel(spec)
			if err != nil {
				if errors.Is(err, llm.ErrBadModelSpec) {
					return nil, apierr.Wrap(apierr.CodeBadRequest, err, "model %q: unresolvable", spec)
				}
				return nil, apierr.Wrap(apierr.CodeBadRequest, err, "model %q: provider not enabled", spec)
			}
			if !e.health.Eligible(id.Provider, req.Options.Force) {
				continue
			}
			targets = append(targets, Target{Adapter: adapter, Model: id, Force: req.Options.Force})
		}
	} else {
		for _, name := range e.registry.Providers() {
			if !e.health.Eligible(name, false) {
				continue
			}
			adapter, _ := e.registry.Get(name)
			model := llm.DefaultModels[name]
			if model == "" {
				ms := adapter.Models()
				if len(ms) == 0 {
					continue
				}
				model = ms[0]
			}
			targets = append(targets, Target{Adapter: adapter, Model: llm.ModelID{Provider: name, Model: model}})
		}
	}

	if len(targets) < e.cfg.MinimumModels {
		return nil, apierr.New(apierr.CodeInsufficientModels,
			"%d eligible models, need %d", len(targets), e.cfg.MinimumModels)
	}
	return targets, nil
}

// resolveHint normalizes the ultra-model hint to its full identifier; an
// unresolvable hint is ignored rather than failing the request.
func (e *Engine) resolveHint(hint string) string {
	if hint == "" {
		return ""
	}
	id, err := llm.ParseModelID(hint)
	if err != nil {
		return ""
	}
	return id.String()
}

// stageTargets applies the stage's fanout policy to the current model set.
// skip reports that the stage should be elided entirely.
func (e *Engine) stageTargets(
	stage *patterns.Stage,
	initial []Target,
	ranking []quality.Scored,
	hint string,
	force bool,
) (targets []Target, skip bool) {
	eligible := func(t Target) bool {
		return e.health.Eligible(t.Model.Provider, force)
	}

	byModel := make(map[string]Target, len(initial))
	for _, t := range initial {
		byModel[t.Model.String()] = t
	}

	switch stage.Fanout.Kind {
	case patterns.FanoutAll:
		for _, t := range initial {
			if eligible(t) {
				targets = append(targets, t)
			}
		}
		return targets, false

	case patterns.FanoutSubset:
		if len(ranking) > 0 && countPositive(ranking) <= hyperSkipThreshold {
			return nil, true
		}
		for _, model := range quality.TopN(ranking, stage.Fanout.N) {
			t, ok := byModel[model]
			if !ok || !eligible(t) {
				continue
			}
			targets = append(targets, t)
		}
		if len(targets) == 0 {
			return nil, true
		}
		return targets, false

	case patterns.FanoutSingle:
		// The hinted model wins when it is ranked, present and eligible;
		// otherwise the best-ranked eligible candidate; otherwise the first
		// eligible initial target.
		if hint != "" {
			if t, ok := byModel[hint]; ok && rankedPositive(ranking, hint) && eligible(t) {
				return []Target{t}, false
			}
		}
		for _, s := range ranking {
			if t, ok := byModel[s.Model]; ok && eligible(t) {
				return []Target{t}, false
			}
		}
		for _, t := range initial {
			if eligible(t) {
				return []Target{t}, false
			}
		}
		return nil, true
	}

	return nil, true
}

func countPositive(ranking []quality.Scored) int {
	n := 0
	for _, s := range ranking {
		if s.Score >= 0 {
			n++
		}
	}
	return n
}

func rankedPositive(ranking []quality.Scored, model string) bool {
	for _, s := range ranking {
		if s.Model == model {
			return s.Score >= 0
		}
	}
	return false
}

// stageFloor computes the success floor for one stage: the stage's own
// minimum plus the global floor, which is capped at the number of models
// actually dispatched so narrow-fanout rounds (Single, Subset) are not held
// to an impossible bar.
func (e *Engine) stageFloor(stage *patterns.Stage, dispatched int) int {
	global := e.cfg.MinimumModels
	if global > dispatched {
		global = dispatched
	}
	floor := stage.MinSuccesses
	if global > floor {
		floor = global
	}
	if floor < 1 {
		floor = 1
	}
	return floor
}

// stageFailure decides what a below-floor stage means for the orchestration.
// Returns nil when the pipeline may stop early with a partial result.
func (e *Engine) stageFailure(
	ctx context.Context,
	req *Request,
	res *Result,
	stage *patterns.Stage,
	sr StageResult,
	floor int,
	lastStage string,
) error {
	ctxErr := ctx.Err()

	switch {
	case errors.Is(ctxErr, context.Canceled):
		return apierr.Wrap(apierr.CodeDeadlineExceeded, ctxErr, "orchestration cancelled during stage %s", stage.Name)

	case errors.Is(ctxErr, context.DeadlineExceeded):
		// A usable earlier round makes a partial result acceptable by
		// default.
		if !req.Options.RequireComplete && lastStage != "" {
			return nil
		}
		return apierr.Wrap(apierr.CodeDeadlineExceeded, ctxErr, "deadline exceeded during stage %s", stage.Name)

	default:
		return apierr.New(apierr.CodeInsufficientModels,
			"stage %s: %d of %d models succeeded, need %d", stage.Name, sr.Successes, len(sr.Outcomes), floor)
	}
}

// trim drops intermediate response payloads the caller did not ask for.
// The final synthesizer round and all error/shape information always stay.
func (e *Engine) trim(res *Result, opts Options) {
	if opts.IncludePipelineDetails {
		return
	}
	for i := range res.Stages {
		sr := &res.Stages[i]
		if sr.Role == patterns.RoleSynthesizer.String() {
			continue
		}
		if sr.Stage == "initial" && opts.IncludeInitialResponses {
			continue
		}
		for j := range sr.Outcomes {
			if sr.Outcomes[j].Response != nil {
				sr.Outcomes[j].Response = &llm.ModelResponse{
					Model:        sr.Outcomes[j].Response.Model,
					InputTokens:  sr.Outcomes[j].Response.InputTokens,
					OutputTokens: sr.Outcomes[j].Response.OutputTokens,
					Latency:      sr.Outcomes[j].Response.Latency,
				}
			}
		}
	}
}

func (e *Engine) observeOrchestration(pattern string, err error, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveOrchestration(pattern, string(apierr.CodeOf(err)), time.Since(start))
}
