// Package llm defines the common types and interfaces shared by all LLM
// provider adapters (OpenAI, Anthropic, Gemini, HuggingFace, local runners).
//
// Each adapter lives in its own sub-package and implements the Adapter
// interface. Adapters that support token streaming additionally implement
// StreamingAdapter.
package llm

import (
	"context"
	"time"
)

type (
	// ModelCall is one generation request to a single model. Immutable per
	// invocation; the orchestrator builds a fresh ModelCall for every attempt.
	ModelCall struct {
		Model         string
		Prompt        string
		SystemPrompt  string
		Temperature   float64
		MaxTokens     int
		StopSequences []string
		CorrelationID string
	}

	// ModelResponse is a normalized generation result.
	ModelResponse struct {
		Model        string
		Text         string
		InputTokens  int
		OutputTokens int
		Latency      time.Duration
		Raw          map[string]any
	}

	// StreamChunk is a single token chunk delivered during a streaming response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}
)

// Adapter — provider adapter interface. One instance per configured provider,
// constructed at startup and immutable afterwards.
type Adapter interface {
	Name() string
	Models() []string
	Generate(ctx context.Context, call *ModelCall) (*ModelResponse, error)
	SupportsStreaming() bool
	HealthCheck(ctx context.Context) error
}

// StreamingAdapter is an optional interface implemented by adapters that can
// stream chunks. Check with a type assertion before calling. The returned
// channel is finite and non-restartable; it is closed after the final chunk.
type StreamingAdapter interface {
	GenerateStream(ctx context.Context, call *ModelCall) (<-chan StreamChunk, error)
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// Known provider names.
const (
	ProviderOpenAI      = "openai"
	ProviderAnthropic   = "anthropic"
	ProviderGemini      = "gemini"
	ProviderHuggingFace = "huggingface"
	ProviderLocal       = "local"
)

// MaxProviderTimeout caps any single upstream request. Adapters clamp their
// HTTP deadline to min(ctx deadline, stage timeout, MaxProviderTimeout).
const MaxProviderTimeout = 45 * time.Second

// ModelAliases maps bare model names to provider names. Used to resolve
// model identifiers given without the "provider:" prefix.
var ModelAliases = map[string]string{

	// ─── OpenAI ───────────────────────────────────────────────────────────────
	"gpt-4":              ProviderOpenAI,
	"gpt-4o":             ProviderOpenAI,
	"gpt-4o-mini":        ProviderOpenAI,
	"gpt-4-turbo":        ProviderOpenAI,
	"gpt-4.1":            ProviderOpenAI,
	"gpt-4.1-mini":       ProviderOpenAI,
	"gpt-4.1-nano":       ProviderOpenAI,
	"gpt-3.5-turbo":      ProviderOpenAI,
	"o1":                 ProviderOpenAI,
	"o1-mini":            ProviderOpenAI,
	"o3":                 ProviderOpenAI,
	"o3-mini":            ProviderOpenAI,
	"o4-mini":            ProviderOpenAI,

	// ─── Anthropic ────────────────────────────────────────────────────────────
	"claude-3-5-sonnet-20241022": ProviderAnthropic,
	"claude-3-5-haiku-20241022":  ProviderAnthropic,
	"claude-3-opus-20240229":     ProviderAnthropic,
	"claude-3-haiku-20240307":    ProviderAnthropic,
	"claude-3-7-sonnet-20250219": ProviderAnthropic,
	"claude-opus-4":              ProviderAnthropic,
	"claude-sonnet-4":            ProviderAnthropic,
	"claude-haiku-4":             ProviderAnthropic,

	// ─── Google AI Studio ─────────────────────────────────────────────────────
	"gemini-1.5-pro":        ProviderGemini,
	"gemini-1.5-flash":      ProviderGemini,
	"gemini-2.0-flash":      ProviderGemini,
	"gemini-2.0-flash-lite": ProviderGemini,
	"gemini-2.5-pro":        ProviderGemini,
	"gemini-2.5-flash":      ProviderGemini,

	// ─── HuggingFace inference router ─────────────────────────────────────────
	"meta-llama/Llama-3.3-70B-Instruct":  ProviderHuggingFace,
	"meta-llama/Llama-3.1-8B-Instruct":   ProviderHuggingFace,
	"mistralai/Mistral-7B-Instruct-v0.3": ProviderHuggingFace,
	"Qwen/Qwen2.5-72B-Instruct":          ProviderHuggingFace,
}

// DefaultModels lists the default model served by each provider, used when a
// request names a provider without a model.
var DefaultModels = map[string]string{
	ProviderOpenAI:      "gpt-4o",
	ProviderAnthropic:   "claude-3-5-sonnet-20241022",
	ProviderGemini:      "gemini-2.0-flash",
	ProviderHuggingFace: "meta-llama/Llama-3.3-70B-Instruct",
	ProviderLocal:       "local-default",
}
