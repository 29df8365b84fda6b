package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-orchestrator/internal/health"
	"github.com/nulpointcorp/llm-orchestrator/internal/llm"
	"github.com/nulpointcorp/llm-orchestrator/internal/patterns"
	"github.com/nulpointcorp/llm-orchestrator/internal/ratelimit"
	"github.com/nulpointcorp/llm-orchestrator/internal/registry"
	"github.com/nulpointcorp/llm-orchestrator/pkg/apierr"
)

// fakeAdapter scripts one provider's behavior per call.
type fakeAdapter struct {
	name     string
	generate func(ctx context.Context, call *llm.ModelCall) (*llm.ModelResponse, error)

	mu    sync.Mutex
	calls []llm.ModelCall
}

func (f *fakeAdapter) Name() string            { return f.name }
func (f *fakeAdapter) Models() []string        { return []string{llm.DefaultModels[f.name]} }
func (f *fakeAdapter) SupportsStreaming() bool { return false }
func (f *fakeAdapter) HealthCheck(ctx context.Context) error {
	return nil
}

func (f *fakeAdapter) Generate(ctx context.Context, call *llm.ModelCall) (*llm.ModelResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, *call)
	f.mu.Unlock()
	return f.generate(ctx, call)
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// goodText is long enough to clear the quality token floor and reads as
// complete prose.
func goodText(who string) string {
	return fmt.Sprintf("%s says: %s.", who,
		strings.Repeat("this is a reasonably detailed and complete answer ", 4))
}

func succeed(name string) *fakeAdapter {
	return &fakeAdapter{
		name: name,
		generate: func(_ context.Context, call *llm.ModelCall) (*llm.ModelResponse, error) {
			return &llm.ModelResponse{
				Model:        call.Model,
				Text:         goodText(name),
				InputTokens:  10,
				OutputTokens: 50,
				Latency:      time.Millisecond,
			}, nil
		},
	}
}

func failWith(name string, e *llm.Error) *fakeAdapter {
	return &fakeAdapter{
		name: name,
		generate: func(_ context.Context, _ *llm.ModelCall) (*llm.ModelResponse, error) {
			return nil, e
		},
	}
}

type testEnv struct {
	engine  *Engine
	health  *health.Manager
	limiter *ratelimit.Limiter
}

func newTestEngine(t *testing.T, adapters map[string]llm.Adapter, cfg EngineConfig) *testEnv {
	t.Helper()

	names := make([]string, 0, len(adapters))
	for n := range adapters {
		names = append(names, n)
	}

	// Cooldowns far longer than any test so exclusions never expire mid-run.
	hm := health.NewManagerWithConfig(names, health.Config{
		DegradedCooldown:   time.Minute,
		UnhealthyCooldown:  2 * time.Minute,
		UnhealthyThreshold: 3,
	})
	// Generous buckets: tests exercise pipeline logic, not pacing.
	limiter := ratelimit.NewLimiter(map[string]ratelimit.BucketConfig{
		"openai": {RPS: 1000, Burst: 100}, "anthropic": {RPS: 1000, Burst: 100},
		"gemini": {RPS: 1000, Burst: 100}, "huggingface": {RPS: 1000, Burst: 100},
		"local": {RPS: 1000, Burst: 100},
	})

	engine := NewEngine(
		registry.NewStatic(adapters),
		patterns.NewRegistry(),
		hm,
		limiter,
		nil,
		nil,
		cfg,
	)
	return &testEnv{engine: engine, health: hm, limiter: limiter}
}

func threeHealthy() map[string]llm.Adapter {
	return map[string]llm.Adapter{
		"openai":    succeed("openai"),
		"anthropic": succeed("anthropic"),
		"gemini":    succeed("gemini"),
	}
}

func TestOrchestrate_HappyPathThreeProviders(t *testing.T) {
	env := newTestEngine(t, threeHealthy(), EngineConfig{MinimumModels: 3})

	res, err := env.engine.Orchestrate(context.Background(), &Request{
		Prompt:  "Summarize transformers in one paragraph.",
		Pattern: "gut",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Stages) != 4 {
		t.Fatalf("expected 4 stages, got %d", len(res.Stages))
	}
	for i := 0; i < 3; i++ {
		if res.Stages[i].Successes != 3 {
			t.Errorf("stage %s: expected 3 successes, got %d", res.Stages[i].Stage, res.Stages[i].Successes)
		}
	}

	ultra := res.Stages[3]
	if ultra.Stage != "ultra" || ultra.Successes != 1 {
		t.Errorf("unexpected ultra stage: %+v", ultra)
	}
	if res.FinalText == "" {
		t.Error("final text must be set")
	}
	if res.FinalText != ultra.Outcomes[0].Response.Text {
		t.Error("final text must equal the ultra stage's lead response")
	}
	if res.Partial {
		t.Error("fully successful orchestration must not be partial")
	}
	if res.CorrelationID == "" {
		t.Error("correlation id should be generated")
	}
}

func TestOrchestrate_ResultOrderIsInputOrder(t *testing.T) {
	env := newTestEngine(t, threeHealthy(), EngineConfig{MinimumModels: 3})

	res, err := env.engine.Orchestrate(context.Background(), &Request{Prompt: "q", Pattern: "gut"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Providers are resolved in sorted order, and outcomes preserve it.
	want := []string{"anthropic", "gemini", "openai"}
	for i, o := range res.Stages[0].Outcomes {
		if o.Provider != want[i] {
			t.Errorf("outcome %d: expected provider %s, got %s", i, want[i], o.Provider)
		}
	}
}

func TestOrchestrate_AuthFailureWithFloorTwo(t *testing.T) {
	adapters := map[string]llm.Adapter{
		"openai": failWith("openai", &llm.Error{
			Provider: "openai", Model: "gpt-4o", Kind: llm.KindAuthFailed, Status: 401,
		}),
		"anthropic": succeed("anthropic"),
		"gemini":    succeed("gemini"),
	}
	env := newTestEngine(t, adapters, EngineConfig{MinimumModels: 2})

	res, err := env.engine.Orchestrate(context.Background(), &Request{Prompt: "q", Pattern: "gut"})
	if err != nil {
		t.Fatalf("expected success with floor 2: %v", err)
	}

	if env.health.State("openai") != health.StateUnhealthy {
		t.Errorf("openai should be unhealthy after 401, got %v", env.health.State("openai"))
	}
	if res.Stages[0].Successes != 2 {
		t.Errorf("initial stage: expected 2 successes, got %d", res.Stages[0].Successes)
	}
	if !res.Partial {
		t.Error("result should be partial after a provider failure")
	}
	if res.FinalText == "" {
		t.Error("final text must be set")
	}

	// Auth failures are not retried.
	if adapters["openai"].(*fakeAdapter).callCount() != 1 {
		t.Errorf("auth failure must not be retried, got %d calls", adapters["openai"].(*fakeAdapter).callCount())
	}
}

func TestOrchestrate_AllRateLimited(t *testing.T) {
	rl := func(name string) *llm.Error {
		return &llm.Error{
			Provider: name, Kind: llm.KindRateLimited, Status: 429, RetryAfter: 30 * time.Second,
		}
	}
	adapters := map[string]llm.Adapter{
		"openai":    failWith("openai", rl("openai")),
		"anthropic": failWith("anthropic", rl("anthropic")),
		"gemini":    failWith("gemini", rl("gemini")),
	}
	env := newTestEngine(t, adapters, EngineConfig{
		MinimumModels: 3,
		Deadline:      5 * time.Second,
	})

	start := time.Now()
	res, err := env.engine.Orchestrate(context.Background(), &Request{Prompt: "q", Pattern: "gut"})
	if err == nil {
		t.Fatal("expected InsufficientModels error")
	}
	if apierr.CodeOf(err) != apierr.CodeInsufficientModels {
		t.Errorf("expected insufficient_models, got %v", err)
	}
	// The 30s Retry-After exceeds the budget: no retry loop, fast return.
	if time.Since(start) > 2*time.Second {
		t.Errorf("orchestration should fail fast, took %v", time.Since(start))
	}

	if len(res.Stages) != 1 || res.Stages[0].Successes != 0 {
		t.Errorf("expected a single failed initial stage, got %+v", res.Stages)
	}
	for _, p := range []string{"openai", "anthropic", "gemini"} {
		if env.health.State(p) != health.StateDegraded {
			t.Errorf("%s should be degraded after one 429, got %v", p, env.health.State(p))
		}
		// Limiter next-allowed advanced by the Retry-After.
		if env.limiter.Allow(p) {
			t.Errorf("%s limiter should be penalized for 30s", p)
		}
	}
}

func TestOrchestrate_CallerCancellation(t *testing.T) {
	block := func(name string) *fakeAdapter {
		return &fakeAdapter{
			name: name,
			generate: func(ctx context.Context, _ *llm.ModelCall) (*llm.ModelResponse, error) {
				<-ctx.Done()
				return nil, &llm.Error{Provider: name, Kind: llm.KindTimeout}
			},
		}
	}
	adapters := map[string]llm.Adapter{
		"openai": block("openai"), "anthropic": block("anthropic"), "gemini": block("gemini"),
	}
	env := newTestEngine(t, adapters, EngineConfig{MinimumModels: 3})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res, err := env.engine.Orchestrate(ctx, &Request{Prompt: "q", Pattern: "gut"})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if apierr.CodeOf(err) != apierr.CodeDeadlineExceeded {
		t.Errorf("expected deadline_exceeded, got %v", apierr.CodeOf(err))
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("cause should be cancellation, got %v", err)
	}
	if elapsed > time.Second {
		t.Errorf("cancelled orchestration should return within 1s, took %v", elapsed)
	}
	if len(res.Stages) == 0 {
		t.Error("result should carry the stages finalized before cancellation")
	}
}

func TestOrchestrate_SingleSelectedModelWithFallback(t *testing.T) {
	env := newTestEngine(t, threeHealthy(), EngineConfig{MinimumModels: 1})

	res, err := env.engine.Orchestrate(context.Background(), &Request{
		Prompt:         "q",
		Pattern:        "gut",
		SelectedModels: []string{"openai:gpt-4o"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, sr := range res.Stages {
		if sr.Skipped {
			continue
		}
		if len(sr.Outcomes) != 1 || sr.Outcomes[0].Model != "openai:gpt-4o" {
			t.Errorf("stage %s should reduce to the selected model, got %+v", sr.Stage, sr.Outcomes)
		}
	}
	if res.LeadModel != "openai:gpt-4o" {
		t.Errorf("lead should be the selected model, got %q", res.LeadModel)
	}
	if res.FinalText == "" {
		t.Error("final text must be set")
	}
}

func TestOrchestrate_CritiqueWithUltraHint(t *testing.T) {
	env := newTestEngine(t, threeHealthy(), EngineConfig{MinimumModels: 3})

	hint := "anthropic:" + llm.DefaultModels["anthropic"]
	res, err := env.engine.Orchestrate(context.Background(), &Request{
		Prompt:     "q",
		Pattern:    "critique",
		UltraModel: "anthropic", // bare provider resolves to its default model
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(res.Stages) != 3 {
		t.Fatalf("critique should have 3 stages, got %d", len(res.Stages))
	}
	for _, sr := range res.Stages {
		if sr.Stage == "hyper" {
			t.Error("critique has no hyper round")
		}
	}

	meta := res.Stages[1]
	if len(meta.Outcomes) != 2 {
		t.Errorf("meta should run the top two responders, got %d", len(meta.Outcomes))
	}

	ultra := res.Stages[2]
	if len(ultra.Outcomes) != 1 || ultra.Outcomes[0].Model != hint {
		t.Errorf("ultra lead should match the hint %q, got %+v", hint, ultra.Outcomes)
	}
	if res.LeadModel != hint {
		t.Errorf("result lead should match the hint, got %q", res.LeadModel)
	}
}

func TestOrchestrate_HyperSkippedOnTwoMetaSuccesses(t *testing.T) {
	adapters := map[string]llm.Adapter{
		"openai":    succeed("openai"),
		"anthropic": succeed("anthropic"),
	}
	env := newTestEngine(t, adapters, EngineConfig{MinimumModels: 2})

	res, err := env.engine.Orchestrate(context.Background(), &Request{Prompt: "q", Pattern: "gut"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var hyper *StageResult
	for i := range res.Stages {
		if res.Stages[i].Stage == "hyper" {
			hyper = &res.Stages[i]
		}
	}
	if hyper == nil || !hyper.Skipped {
		t.Error("hyper should be skipped with only two meta successes")
	}
	if res.FinalText == "" {
		t.Error("ultra should still synthesize from meta outputs")
	}
}

func TestOrchestrate_Validation(t *testing.T) {
	env := newTestEngine(t, threeHealthy(), EngineConfig{MinimumModels: 3})

	cases := []struct {
		name string
		req  *Request
	}{
		{"empty prompt", &Request{Prompt: ""}},
		{"unknown pattern", &Request{Prompt: "q", Pattern: "no-such-pattern"}},
		{"temperature too high", &Request{Prompt: "q", Options: Options{Temperature: 2.5}}},
		{"negative max tokens", &Request{Prompt: "q", Options: Options{MaxTokens: -1}}},
		{"bad model spec", &Request{Prompt: "q", SelectedModels: []string{"???:"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.engine.Orchestrate(context.Background(), tc.req)
			if apierr.CodeOf(err) != apierr.CodeBadRequest {
				t.Errorf("expected bad_request, got %v", err)
			}
		})
	}
}

func TestOrchestrate_DefaultPatternIsGut(t *testing.T) {
	env := newTestEngine(t, threeHealthy(), EngineConfig{MinimumModels: 3})

	res, err := env.engine.Orchestrate(context.Background(), &Request{Prompt: "q"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Pattern != "gut" {
		t.Errorf("expected default pattern gut, got %q", res.Pattern)
	}
}

func TestOrchestrate_OnlyUnhealthySelectedModels(t *testing.T) {
	env := newTestEngine(t, threeHealthy(), EngineConfig{MinimumModels: 1})

	// Drive openai into a fresh degraded cooldown.
	env.health.Observe("openai", &llm.Error{Provider: "openai", Kind: llm.KindServiceUnavailable, Status: 503})

	_, err := env.engine.Orchestrate(context.Background(), &Request{
		Prompt:         "q",
		SelectedModels: []string{"openai:gpt-4o"},
	})
	if apierr.CodeOf(err) != apierr.CodeInsufficientModels {
		t.Errorf("expected insufficient_models, got %v", err)
	}
}

func TestOrchestrate_ForceBypassesHealth(t *testing.T) {
	env := newTestEngine(t, threeHealthy(), EngineConfig{MinimumModels: 1})

	env.health.Observe("openai", &llm.Error{Provider: "openai", Kind: llm.KindServiceUnavailable, Status: 503})

	res, err := env.engine.Orchestrate(context.Background(), &Request{
		Prompt:         "q",
		SelectedModels: []string{"openai:gpt-4o"},
		Options:        Options{Force: true},
	})
	if err != nil {
		t.Fatalf("force routing should bypass the exclusion: %v", err)
	}
	if res.FinalText == "" {
		t.Error("final text must be set")
	}
}

func TestOrchestrate_TransientFailureIsRetried(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	flaky := &fakeAdapter{
		name: "openai",
		generate: func(_ context.Context, call *llm.ModelCall) (*llm.ModelResponse, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return nil, &llm.Error{Provider: "openai", Kind: llm.KindServiceUnavailable, Status: 503}
			}
			return &llm.ModelResponse{Model: call.Model, Text: goodText("openai")}, nil
		},
	}
	adapters := map[string]llm.Adapter{
		"openai": flaky, "anthropic": succeed("anthropic"), "gemini": succeed("gemini"),
	}
	env := newTestEngine(t, adapters, EngineConfig{MinimumModels: 3})

	res, err := env.engine.Orchestrate(context.Background(), &Request{Prompt: "q", Pattern: "gut"})
	if err != nil {
		t.Fatalf("retry should recover the transient failure: %v", err)
	}
	if res.Stages[0].Successes != 3 {
		t.Errorf("expected 3 successes after retry, got %d", res.Stages[0].Successes)
	}
	if res.Stages[0].Outcomes[2].Attempts < 2 {
		t.Errorf("openai outcome should record the retry, got %d attempts", res.Stages[0].Outcomes[2].Attempts)
	}
}

func TestOrchestrate_CorrelationIDPropagates(t *testing.T) {
	adapters := threeHealthy()
	env := newTestEngine(t, adapters, EngineConfig{MinimumModels: 3})

	_, err := env.engine.Orchestrate(context.Background(), &Request{
		Prompt:  "q",
		Options: Options{CorrelationID: "corr-42"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for name, a := range adapters {
		fa := a.(*fakeAdapter)
		fa.mu.Lock()
		for _, c := range fa.calls {
			if c.CorrelationID != "corr-42" {
				t.Errorf("%s: call missing correlation id, got %q", name, c.CorrelationID)
			}
		}
		fa.mu.Unlock()
	}
}

func TestOrchestrate_TrimStripsIntermediateTexts(t *testing.T) {
	env := newTestEngine(t, threeHealthy(), EngineConfig{MinimumModels: 3})

	res, err := env.engine.Orchestrate(context.Background(), &Request{Prompt: "q", Pattern: "gut"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sr := range res.Stages {
		if sr.Role == "synthesizer" || sr.Skipped {
			continue
		}
		for _, o := range sr.Outcomes {
			if o.Response != nil && o.Response.Text != "" {
				t.Errorf("stage %s: intermediate text should be trimmed by default", sr.Stage)
			}
		}
	}

	res, err = env.engine.Orchestrate(context.Background(), &Request{
		Prompt: "q", Pattern: "gut",
		Options: Options{IncludePipelineDetails: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stages[0].Outcomes[0].Response.Text == "" {
		t.Error("pipeline details requested: texts should be kept")
	}
}

// Rendering sanity: the meta prompt embeds the initial outputs.
func TestOrchestrate_StagePromptsCarryPriorOutputs(t *testing.T) {
	var metaPrompt string
	var mu sync.Mutex
	capture := &fakeAdapter{name: "openai"}
	capture.generate = func(_ context.Context, call *llm.ModelCall) (*llm.ModelResponse, error) {
		mu.Lock()
		if strings.Contains(call.Prompt, "peer models") {
			metaPrompt = call.Prompt
		}
		mu.Unlock()
		return &llm.ModelResponse{Model: call.Model, Text: goodText("openai")}, nil
	}
	adapters := map[string]llm.Adapter{
		"openai": capture, "anthropic": succeed("anthropic"), "gemini": succeed("gemini"),
	}
	env := newTestEngine(t, adapters, EngineConfig{MinimumModels: 3})

	_, err := env.engine.Orchestrate(context.Background(), &Request{Prompt: "What is Go?", Pattern: "gut"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(metaPrompt, "What is Go?") {
		t.Error("meta prompt should embed the original prompt")
	}
	if !strings.Contains(metaPrompt, "anthropic says:") {
		t.Error("meta prompt should embed peer outputs")
	}
}

// Quality floor interaction: a provider that answers with refusal
// boilerplate still counts as a success for the floor, but never leads.
func TestOrchestrate_RefusalNeverLeads(t *testing.T) {
	refuser := &fakeAdapter{
		name: "openai",
		generate: func(_ context.Context, call *llm.ModelCall) (*llm.ModelResponse, error) {
			return &llm.ModelResponse{
				Model: call.Model,
				Text:  "I'm sorry, but " + goodText("openai"),
			}, nil
		},
	}
	adapters := map[string]llm.Adapter{
		"openai": refuser, "anthropic": succeed("anthropic"), "gemini": succeed("gemini"),
	}
	env := newTestEngine(t, adapters, EngineConfig{MinimumModels: 3})

	res, err := env.engine.Orchestrate(context.Background(), &Request{Prompt: "q", Pattern: "gut"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.HasPrefix(res.LeadModel, "openai") {
		t.Errorf("refusing model should not lead, got %q", res.LeadModel)
	}
}

// A provider excluded for transient trouble must rejoin through a probe call
// once its cooldown expires. Eligibility checks along the pipeline must not
// consume the probe slot, or the provider stays locked out forever.
func TestOrchestrate_DegradedProviderReadmittedAfterCooldown(t *testing.T) {
	adapters := threeHealthy()
	hm := health.NewManagerWithConfig([]string{"openai", "anthropic", "gemini"}, health.Config{
		DegradedCooldown:   20 * time.Millisecond,
		UnhealthyCooldown:  50 * time.Millisecond,
		UnhealthyThreshold: 3,
	})
	limiter := ratelimit.NewLimiter(map[string]ratelimit.BucketConfig{
		"openai": {RPS: 1000, Burst: 100}, "anthropic": {RPS: 1000, Burst: 100},
		"gemini": {RPS: 1000, Burst: 100},
	})
	engine := NewEngine(
		registry.NewStatic(adapters),
		patterns.NewRegistry(),
		hm,
		limiter,
		nil,
		nil,
		EngineConfig{MinimumModels: 2},
	)

	hm.Observe("openai", &llm.Error{Provider: "openai", Kind: llm.KindServiceUnavailable, Status: 503})
	if hm.State("openai") != health.StateDegraded {
		t.Fatalf("setup: expected degraded, got %v", hm.State("openai"))
	}

	time.Sleep(30 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if _, err := engine.Orchestrate(context.Background(), &Request{Prompt: "q", Pattern: "gut"}); err != nil {
			t.Fatalf("orchestration %d: %v", i, err)
		}
	}

	if hm.State("openai") != health.StateHealthy {
		t.Fatalf("openai never re-admitted after cooldown expiry, state=%v", hm.State("openai"))
	}
	if adapters["openai"].(*fakeAdapter).callCount() == 0 {
		t.Error("re-admission should have dispatched a probe call to openai")
	}
}
