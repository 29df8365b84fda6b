// Package orchestrator runs the multi-stage synthesis pipeline: it fans a
// prompt out to every eligible provider, then drives the pattern's analyzer
// and synthesizer rounds over the collected responses.
package orchestrator

import (
	"time"

	"github.com/nulpointcorp/llm-orchestrator/internal/llm"
)

// Request is one orchestration invocation. Immutable once submitted.
type Request struct {
	// Prompt is the user prompt. Required.
	Prompt string

	// SelectedModels restricts the run to these model identifiers
	// ("provider:model", bare provider, or bare aliased model). Empty means
	// "all healthy providers".
	SelectedModels []string

	// Pattern names the analysis pattern. Defaults to "gut".
	Pattern string

	// UltraModel is an optional preferred lead for synthesis stages. It
	// breaks quality ties in its favor; it never outranks a better answer.
	UltraModel string

	Options Options
}

// Options carries the per-request tuning knobs.
type Options struct {
	// Temperature in [0, 2]. Zero means provider default.
	Temperature float64

	// MaxTokens caps each model response. Zero means provider default.
	MaxTokens int

	// IncludeInitialResponses keeps the full initial-stage responses in the
	// result. Off by default to keep results small.
	IncludeInitialResponses bool

	// IncludePipelineDetails keeps intermediate stage responses in the
	// result. Off by default.
	IncludePipelineDetails bool

	// CorrelationID tags every model call of this run for tracing. A fresh
	// ID is generated when empty.
	CorrelationID string

	// Deadline bounds the whole orchestration. Zero falls back to the
	// engine default.
	Deadline time.Duration

	// Force bypasses health exclusions for explicitly selected models.
	// Failures of force-routed calls still update health.
	Force bool

	// RequireComplete refuses a partial result when the deadline cuts the
	// pipeline short. Default false: a usable partial result is returned.
	RequireComplete bool
}

// Outcome is the result of all attempts at one model within a stage.
type Outcome struct {
	// Model is the full "provider:model" identifier.
	Model    string
	Provider string

	// Response is set on success; Err on failure. Exactly one is non-nil.
	Response *llm.ModelResponse
	Err      error

	// Attempts counts generation calls made, including retries.
	Attempts int
}

// StageResult is the finalized record of one pipeline stage. Outcomes keep
// the input order of the dispatched models, never arrival order.
type StageResult struct {
	Stage     string
	Role      string
	Outcomes  []Outcome
	Successes int

	// Lead is the quality-ranked winner among this stage's successes.
	Lead string

	// Skipped marks a stage elided by the pipeline (e.g. a subset round
	// with too few prior successes to be worth a synthesis pass).
	Skipped bool

	Duration time.Duration
}

// Result is the assembled outcome of one orchestration.
type Result struct {
	Pattern   string
	FinalText string
	LeadModel string

	// Stages is the ordered sequence of finalized stage records.
	Stages []StageResult

	TotalLatency time.Duration

	// Partial is true when the pipeline lost models or rounds along the way
	// but still produced a usable final text.
	Partial bool

	CorrelationID string

	// Cached is true when the result was served from the result cache.
	Cached bool
}
