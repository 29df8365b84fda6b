// Package openai implements llm.Adapter for the OpenAI chat-completions API
// using the official SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/nulpointcorp/llm-orchestrator/internal/llm"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	providerName   = llm.ProviderOpenAI
)

// Adapter implements llm.Adapter for OpenAI.
type Adapter struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a new OpenAI Adapter.
func New(apiKey string, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(a.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: llm.MaxProviderTimeout}),
		// The stage executor owns retries; the SDK must surface a 429 with
		// its Retry-After immediately, not sleep on it internally.
		option.WithMaxRetries(0),
	}
	if a.baseURL != defaultBaseURL {
		clientOpts = append(clientOpts, option.WithBaseURL(a.baseURL))
	}

	a.client = openaiSDK.NewClient(clientOpts...)
	return a
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) SupportsStreaming() bool { return true }

// Models returns the model names this adapter can serve, derived from the
// canonical alias table.
func (a *Adapter) Models() []string {
	return llm.ModelsFor(providerName)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", classify(err, ""))
	}
	return nil
}

// Generate performs one non-streaming chat completion.
func (a *Adapter) Generate(ctx context.Context, call *llm.ModelCall) (*llm.ModelResponse, error) {
	ctx, cancel := llm.ClampDeadline(ctx)
	defer cancel()

	params := buildParams(call)

	start := time.Now()
	resp, err := a.client.Chat.Completions.New(ctx, params)
	latency := time.Since(start)
	if err != nil {
		return nil, classify(err, call.Model)
	}

	text := ""
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}

	return &llm.ModelResponse{
		Model:        resp.Model,
		Text:         text,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		Latency:      latency,
		Raw:          map[string]any{"id": resp.ID},
	}, nil
}

// GenerateStream implements llm.StreamingAdapter. The returned channel is
// finite and closed after the last chunk.
func (a *Adapter) GenerateStream(ctx context.Context, call *llm.ModelCall) (<-chan llm.StreamChunk, error) {
	params := buildParams(call)
	stream := a.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan llm.StreamChunk, 64)
	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if c.Delta.Content != "" || c.FinishReason != "" {
				ch <- llm.StreamChunk{
					Content:      c.Delta.Content,
					FinishReason: c.FinishReason,
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

func buildParams(call *llm.ModelCall) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, 2)
	if call.SystemPrompt != "" {
		msgs = append(msgs, openaiSDK.SystemMessage(call.SystemPrompt))
	}
	msgs = append(msgs, openaiSDK.UserMessage(call.Prompt))

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    call.Model,
	}

	if call.Temperature != 0 {
		params.Temperature = openaiSDK.Float(call.Temperature)
	}
	if call.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(call.MaxTokens))
	}

	return params
}

// classify converts an SDK error into a classified *llm.Error.
func classify(err error, model string) *llm.Error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		retryAfter := time.Duration(0)
		if apierr.Response != nil {
			retryAfter = llm.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return llm.ClassifyStatus(providerName, model, apierr.StatusCode, retryAfter, apierr.Error())
	}
	return llm.ClassifyTransport(providerName, model, err)
}
