// Package openaicompat provides a generic adapter for any service that
// implements the OpenAI chat-completions API. It backs the HuggingFace
// inference router and local runners (Ollama, LM Studio, vLLM).
package openaicompat

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

// Adapter is a configurable OpenAI-compatible adapter.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	models  []string
	client  openaiSDK.Client
}

// New creates a new OpenAI-compatible Adapter.
//
//   - name    — provider identifier used for routing, health and logs.
//   - apiKey  — key sent as "Authorization: Bearer <key>"; may be empty for
//     local runners that do not authenticate.
//   - baseURL — API base URL, e.g. "https://router.huggingface.co/v1".
//   - models  — model names this endpoint serves; empty falls back to the
//     canonical alias table for name.
func New(name, apiKey, baseURL string, models []string) *Adapter {
	a := &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		models:  models,
	}

	opts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: llm.MaxProviderTimeout}),
		// The stage executor owns retries; the SDK must surface a 429 with
		// its Retry-After immediately, not sleep on it internally.
		option.WithMaxRetries(0),
	}
	if a.apiKey != "" {
		opts = append(opts, option.WithAPIKey(a.apiKey))
	}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}

	a.client = openaiSDK.NewClient(opts...)
	return a
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) SupportsStreaming() bool { return true }

func (a *Adapter) Models() []string {
	if len(a.models) > 0 {
		return a.models
	}
	return llm.ModelsFor(a.name)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", a.name, a.classify(err, ""))
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
		return nil, a.classify(err, call.Model)
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

// GenerateStream implements llm.StreamingAdapter.
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

func (a *Adapter) classify(err error, model string) *llm.Error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		retryAfter := time.Duration(0)
		if apierr.Response != nil {
			retryAfter = llm.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return llm.ClassifyStatus(a.name, model, apierr.StatusCode, retryAfter, apierr.Error())
	}
	return llm.ClassifyTransport(a.name, model, err)
}
