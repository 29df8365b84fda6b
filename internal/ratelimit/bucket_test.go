package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_BurstThenPacing(t *testing.T) {
	l := NewLimiter(map[string]BucketConfig{
		"openai": {RPS: 100, Burst: 2},
	})

	// Burst tokens are immediately available.
	if !l.Allow("openai") || !l.Allow("openai") {
		t.Fatal("burst tokens should be available immediately")
	}
	// Bucket drained; next token needs a refill.
	if l.Allow("openai") {
		t.Error("third immediate acquire should fail with burst=2")
	}

	// At 100 RPS a token refills within ~10ms.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Acquire(ctx, "openai"); err != nil {
		t.Errorf("acquire after refill window: %v", err)
	}
}

func TestLimiter_IndependentProviders(t *testing.T) {
	l := NewLimiter(map[string]BucketConfig{
		"openai":    {RPS: 1, Burst: 1},
		"anthropic": {RPS: 1, Burst: 1},
	})

	if !l.Allow("openai") {
		t.Fatal("openai burst token missing")
	}
	// Draining openai must not touch anthropic.
	if !l.Allow("anthropic") {
		t.Error("anthropic bucket should be independent")
	}
}

func TestLimiter_AcquireHonorsContext(t *testing.T) {
	l := NewLimiter(map[string]BucketConfig{
		"slow": {RPS: 0.001, Burst: 1},
	})

	// Drain the single burst token.
	if !l.Allow("slow") {
		t.Fatal("burst token missing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx, "slow")
	if err == nil {
		t.Fatal("expected context error while waiting for a 1000s refill")
	}
}

func TestLimiter_UnknownProviderGetsDefaults(t *testing.T) {
	l := NewLimiter(nil)

	for i := 0; i < DefaultBurst; i++ {
		if !l.Allow("mystery") {
			t.Fatalf("default burst token %d missing", i)
		}
	}
	if l.Allow("mystery") {
		t.Error("default burst should be exhausted")
	}
}

func TestLimiter_Penalize(t *testing.T) {
	l := NewLimiter(map[string]BucketConfig{
		"openai": {RPS: 1000, Burst: 10},
	})

	l.Penalize("openai", 50*time.Millisecond)

	if l.Allow("openai") {
		t.Error("penalized provider should reject immediate admissions")
	}

	// Acquire with a deadline shorter than the penalty fails fast.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "openai"); err == nil {
		t.Error("acquire should fail when the deadline lands inside the penalty")
	}

	time.Sleep(60 * time.Millisecond)
	if !l.Allow("openai") {
		t.Error("penalty should expire")
	}
}

func TestLimiter_PenaltyDoesNotShrink(t *testing.T) {
	l := NewLimiter(nil)

	l.Penalize("openai", 100*time.Millisecond)
	l.Penalize("openai", 1*time.Millisecond) // shorter; must not shrink the window

	time.Sleep(10 * time.Millisecond)
	if l.Allow("openai") {
		t.Error("a shorter penalty must not shrink an active one")
	}
}
