// Package gemini implements llm.Adapter for the Google generative-language
// API using the official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-orchestrator/internal/llm"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	providerName   = llm.ProviderGemini
)

// Adapter implements llm.Adapter for Google Gemini.
type Adapter struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a new Gemini Adapter. Returns an error if the SDK client
// cannot be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Adapter, error) {
	if ctx == nil {
		return nil, fmt.Errorf("gemini: context must not be nil")
	}
	a := &Adapter{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(a)
	}

	base, ver := splitBaseURLAndVersion(a.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      a.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: llm.MaxProviderTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	a.client = client

	return a, nil
}

func (a *Adapter) Name() string { return providerName }

func (a *Adapter) SupportsStreaming() bool { return false }

func (a *Adapter) Models() []string {
	return llm.ModelsFor(providerName)
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	_, err := a.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", classify(err, ""))
	}
	return nil
}

// Generate performs one non-streaming content generation.
func (a *Adapter) Generate(ctx context.Context, call *llm.ModelCall) (*llm.ModelResponse, error) {
	ctx, cancel := llm.ClampDeadline(ctx)
	defer cancel()

	contents := []*genai.Content{
		genai.NewContentFromText(call.Prompt, genai.RoleUser),
	}
	cfg := buildConfig(call)

	start := time.Now()
	resp, err := a.client.Models.GenerateContent(ctx, call.Model, contents, cfg)
	latency := time.Since(start)
	if err != nil {
		return nil, classify(err, call.Model)
	}

	text := ""
	if resp != nil {
		text = resp.Text()
	}

	var inTok, outTok int
	if resp != nil && resp.UsageMetadata != nil {
		inTok = int(resp.UsageMetadata.PromptTokenCount)
		outTok = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	raw := map[string]any{}
	if resp != nil && resp.ResponseID != "" {
		raw["id"] = resp.ResponseID
	}

	return &llm.ModelResponse{
		Model:        call.Model,
		Text:         text,
		InputTokens:  inTok,
		OutputTokens: outTok,
		Latency:      latency,
		Raw:          raw,
	}, nil
}

func buildConfig(call *llm.ModelCall) *genai.GenerateContentConfig {
	if call.SystemPrompt == "" && call.Temperature <= 0 && call.MaxTokens <= 0 && len(call.StopSequences) == 0 {
		return nil
	}

	cfg := &genai.GenerateContentConfig{}
	if call.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: call.SystemPrompt}},
		}
	}
	if call.Temperature > 0 {
		cfg.Temperature = genai.Ptr[float32](float32(call.Temperature))
	}
	if call.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(call.MaxTokens)
	}
	if len(call.StopSequences) > 0 {
		cfg.StopSequences = call.StopSequences
	}
	return cfg
}

// classify converts an SDK error into a classified *llm.Error. The GenAI SDK
// surfaces the HTTP status in APIError.Code and does not expose headers, so
// 429 responses never carry a parsed retry-after.
func classify(err error, model string) *llm.Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.ClassifyStatus(providerName, model, apiErr.Code, 0, apiErr.Message)
	}
	return llm.ClassifyTransport(providerName, model, err)
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}
