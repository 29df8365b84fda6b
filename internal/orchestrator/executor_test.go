package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-orchestrator/internal/health"
	"github.com/nulpointcorp/llm-orchestrator/internal/llm"
	"github.com/nulpointcorp/llm-orchestrator/internal/patterns"
	"github.com/nulpointcorp/llm-orchestrator/internal/ratelimit"
)

func newTestExecutor(maxConc int) *Executor {
	limiter := ratelimit.NewLimiter(map[string]ratelimit.BucketConfig{
		"local": {RPS: 10000, Burst: 1000},
	})
	hm := health.NewManager([]string{"local"})
	return NewExecutor(limiter, hm, nil, nil, maxConc)
}

func TestExecutor_BoundedConcurrency(t *testing.T) {
	var inflight, peak int64
	slow := &fakeAdapter{
		name: "local",
		generate: func(_ context.Context, call *llm.ModelCall) (*llm.ModelResponse, error) {
			n := atomic.AddInt64(&inflight, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&inflight, -1)
			return &llm.ModelResponse{Model: call.Model, Text: "ok"}, nil
		},
	}

	exec := newTestExecutor(2)
	targets := make([]Target, 6)
	for i := range targets {
		targets[i] = Target{Adapter: slow, Model: llm.ModelID{Provider: "local", Model: "m"}}
	}
	stage := &patterns.Stage{Name: "initial", Role: patterns.RoleGenerator}

	sr := exec.Execute(context.Background(), stage, targets, "p", Options{})
	if sr.Successes != 6 {
		t.Fatalf("expected 6 successes, got %d", sr.Successes)
	}
	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Errorf("concurrency cap exceeded: peak %d", got)
	}
}

func TestExecutor_OutcomesPreserveTargetOrder(t *testing.T) {
	var mu sync.Mutex
	delays := map[string]time.Duration{"a": 30 * time.Millisecond, "b": 0, "c": 15 * time.Millisecond}
	adapter := &fakeAdapter{
		name: "local",
		generate: func(_ context.Context, call *llm.ModelCall) (*llm.ModelResponse, error) {
			mu.Lock()
			d := delays[call.Model]
			mu.Unlock()
			time.Sleep(d)
			return &llm.ModelResponse{Model: call.Model, Text: "ok"}, nil
		},
	}

	exec := newTestExecutor(8)
	targets := []Target{
		{Adapter: adapter, Model: llm.ModelID{Provider: "local", Model: "a"}},
		{Adapter: adapter, Model: llm.ModelID{Provider: "local", Model: "b"}},
		{Adapter: adapter, Model: llm.ModelID{Provider: "local", Model: "c"}},
	}
	stage := &patterns.Stage{Name: "initial", Role: patterns.RoleGenerator}

	sr := exec.Execute(context.Background(), stage, targets, "p", Options{})
	want := []string{"local:a", "local:b", "local:c"}
	for i, o := range sr.Outcomes {
		if o.Model != want[i] {
			t.Errorf("outcome %d: expected %s, got %s (arrival order leaked)", i, want[i], o.Model)
		}
	}
}

func TestExecutor_StageTimeoutBoundsSlowCalls(t *testing.T) {
	hang := &fakeAdapter{
		name: "local",
		generate: func(ctx context.Context, _ *llm.ModelCall) (*llm.ModelResponse, error) {
			<-ctx.Done()
			return nil, llm.ClassifyTransport("local", "m", ctx.Err())
		},
	}

	exec := newTestExecutor(8)
	stage := &patterns.Stage{
		Name:    "initial",
		Role:    patterns.RoleGenerator,
		Timeout: 50 * time.Millisecond,
	}
	targets := []Target{{Adapter: hang, Model: llm.ModelID{Provider: "local", Model: "m"}}}

	start := time.Now()
	sr := exec.Execute(context.Background(), stage, targets, "p", Options{})
	if time.Since(start) > time.Second {
		t.Errorf("stage timeout not enforced, took %v", time.Since(start))
	}
	if sr.Successes != 0 {
		t.Errorf("hung call should not count as success")
	}
	if sr.Outcomes[0].Err == nil {
		t.Error("timed-out outcome should carry an error")
	}
}

func TestExecutor_RetrySuccessClearsFailure(t *testing.T) {
	var calls int64
	flaky := &fakeAdapter{
		name: "local",
		generate: func(_ context.Context, call *llm.ModelCall) (*llm.ModelResponse, error) {
			if atomic.AddInt64(&calls, 1) == 1 {
				return nil, &llm.Error{Provider: "local", Model: call.Model, Kind: llm.KindServiceUnavailable, Status: 503}
			}
			return &llm.ModelResponse{Model: call.Model, Text: "ok"}, nil
		},
	}

	exec := newTestExecutor(8)
	stage := &patterns.Stage{Name: "initial", Role: patterns.RoleGenerator}
	targets := []Target{{Adapter: flaky, Model: llm.ModelID{Provider: "local", Model: "m"}}}

	sr := exec.Execute(context.Background(), stage, targets, "p", Options{})
	out := sr.Outcomes[0]
	if out.Attempts < 2 {
		t.Fatalf("expected a retry, got %d attempts", out.Attempts)
	}
	if out.Err != nil {
		t.Errorf("recovered outcome must not carry the failed attempt's error: %v", out.Err)
	}
	if out.Response == nil {
		t.Fatal("recovered outcome must carry the response")
	}
	if sr.Successes != 1 {
		t.Errorf("recovered model must count as a success, got %d", sr.Successes)
	}
}

func TestExecutor_PersistentFailureNotRetried(t *testing.T) {
	bad := failWith("local", &llm.Error{Provider: "local", Model: "m", Kind: llm.KindBadRequest, Status: 400})

	exec := newTestExecutor(8)
	stage := &patterns.Stage{Name: "initial", Role: patterns.RoleGenerator}
	targets := []Target{{Adapter: bad, Model: llm.ModelID{Provider: "local", Model: "m"}}}

	sr := exec.Execute(context.Background(), stage, targets, "p", Options{})
	if sr.Outcomes[0].Attempts != 1 {
		t.Errorf("persistent failure retried: %d attempts", sr.Outcomes[0].Attempts)
	}
	if bad.callCount() != 1 {
		t.Errorf("expected exactly one call, got %d", bad.callCount())
	}
}
