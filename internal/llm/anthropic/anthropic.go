// Package anthropic implements llm.Adapter for the Anthropic messages API
// using the official SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	anthropicSDK "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-orchestrator/internal/llm"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = llm.ProviderAnthropic
	defaultMaxTokens = 4096
)

// Adapter implements llm.Adapter for Anthropic.
type Adapter struct {
	apiKey  string
	baseURL string
	client  anthropicSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a new Anthropic Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	a.client = anthropicSDK.NewClient(
		option.WithAPIKey(a.apiKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: llm.MaxProviderTimeout}),
		// The stage executor owns retries; the SDK must surface a 429 with
		// its Retry-After immediately, not sleep on it internally.
		option.WithMaxRetries(0),
	)

	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) SupportsStreaming() bool { return true }

func (a *Adapter) Models() []string {
	return llm.ModelsFor(providerName)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, anthropicSDK.ModelListParams{
		Limit: anthropicSDK.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", classify(err, ""))
	}
	return nil
}

// Generate performs one non-streaming message request.
func (a *Adapter) Generate(ctx context.Context, call *llm.ModelCall) (*llm.ModelResponse, error) {
	ctx, cancel := llm.ClampDeadline(ctx)
	defer cancel()

	params := buildParams(call)

	start := time.Now()
	msg, err := a.client.Messages.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		return nil, classify(err, call.Model)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		case *anthropicSDK.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &llm.ModelResponse{
		Model:        string(msg.Model),
		Text:         sb.String(),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Latency:      latency,
		Raw:          map[string]any{"id": msg.ID, "stop_reason": string(msg.StopReason)},
	}, nil
}

// GenerateStream implements llm.StreamingAdapter.
func (a *Adapter) GenerateStream(ctx context.Context, call *llm.ModelCall) (<-chan llm.StreamChunk, error) {
	params := buildParams(call)
	stream := a.client.Messages.NewStreaming(ctx, params)

	ch := make(chan llm.StreamChunk, 64)
	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()
			switch eventVariant := ev.AsAny().(type) {
			case anthropicSDK.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropicSDK.TextDelta:
					if deltaVariant.Text != "" {
						ch <- llm.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropicSDK.TextDelta:
					if deltaVariant.Text != "" {
						ch <- llm.StreamChunk{Content: deltaVariant.Text}
					}
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- llm.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return ch, nil
}

func buildParams(call *llm.ModelCall) anthropicSDK.MessageNewParams {
	maxTokens := call.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropicSDK.MessageNewParams{
		Model:     anthropicSDK.Model(call.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropicSDK.MessageParam{
			{
				Role: anthropicSDK.MessageParamRoleUser,
				Content: []anthropicSDK.ContentBlockParamUnion{
					{
						OfText: &anthropicSDK.TextBlockParam{Text: call.Prompt},
					},
				},
			},
		},
	}

	if call.SystemPrompt != "" {
		params.System = []anthropicSDK.TextBlockParam{
			{Text: call.SystemPrompt},
		}
	}
	if call.Temperature > 0 {
		params.Temperature = anthropicSDK.Float(call.Temperature)
	}
	if len(call.StopSequences) > 0 {
		params.StopSequences = call.StopSequences
	}

	return params
}

// classify converts an SDK error into a classified *llm.Error.
func classify(err error, model string) *llm.Error {
	var apierr *anthropicSDK.Error
	if errors.As(err, &apierr) {
		retryAfter := time.Duration(0)
		if apierr.Response != nil {
			retryAfter = llm.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return llm.ClassifyStatus(providerName, model, apierr.StatusCode, retryAfter, apierr.Error())
	}
	return llm.ClassifyTransport(providerName, model, err)
}
