package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/nulpointcorp/llm-orchestrator/internal/metrics"
	"github.com/nulpointcorp/llm-orchestrator/internal/orchestrator"
)

const keyPrefix = "orchestration:result:"

// storedResult is the serialized form of a cached orchestration. Only the
// final synthesis survives; stage internals (with their error values) are
// per-run and never replayed.
type storedResult struct {
	Pattern   string    `json:"pattern"`
	FinalText string    `json:"final_text"`
	LeadModel string    `json:"lead_model"`
	Partial   bool      `json:"partial"`
	CreatedAt time.Time `json:"created_at"`
}

// ResultCache layers orchestration-result semantics on a Cache backend: key
// derivation from the request identity, JSON serialization, pattern
// exclusions and hit/miss accounting.
type ResultCache struct {
	backend  Cache
	ttl      time.Duration
	excluded *ExclusionList
	metrics  *metrics.Registry
	log      *slog.Logger
}

// NewResultCache wraps backend. excluded and met may be nil.
func NewResultCache(backend Cache, ttl time.Duration, excluded *ExclusionList, met *metrics.Registry, log *slog.Logger) *ResultCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResultCache{backend: backend, ttl: ttl, excluded: excluded, metrics: met, log: log}
}

// Key derives the cache key for one request identity. Model order does not
// matter: the set is sorted before hashing, so ["a","b"] and ["b","a"] share
// an entry. Fields are NUL-separated so no concatenation of values can
// collide with another field split.
func Key(pattern, prompt string, models []string, temperature float64, maxTokens int) string {
	sorted := append([]string(nil), models...)
	sort.Strings(sorted)

	h := sha256.New()
	for _, f := range []string{
		pattern,
		prompt,
		strconv.FormatFloat(temperature, 'g', -1, 64),
		strconv.Itoa(maxTokens),
	} {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}
	for _, m := range sorted {
		h.Write([]byte(m))
		h.Write([]byte{0})
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Cacheable reports whether results for pattern may be cached at all.
func (c *ResultCache) Cacheable(pattern string) bool {
	return !c.excluded.Matches(pattern)
}

// Get returns the cached result for key, or (nil, false) on a miss, an
// excluded pattern, or a corrupt entry. The returned Result is marked Cached
// and carries no stage internals.
func (c *ResultCache) Get(ctx context.Context, key, pattern string) (*orchestrator.Result, bool) {
	if !c.Cacheable(pattern) {
		if c.metrics != nil {
			c.metrics.CacheGetBypass()
		}
		return nil, false
	}

	data, ok := c.backend.Get(ctx, key)
	if !ok {
		if c.metrics != nil {
			c.metrics.CacheGetMiss()
		}
		return nil, false
	}

	var sr storedResult
	if err := json.Unmarshal(data, &sr); err != nil {
		c.log.Warn("cache entry corrupt, evicting",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		_ = c.backend.Delete(ctx, key)
		if c.metrics != nil {
			c.metrics.CacheGetMiss()
		}
		return nil, false
	}

	if c.metrics != nil {
		c.metrics.CacheGetHit()
	}
	return &orchestrator.Result{
		Pattern:   sr.Pattern,
		FinalText: sr.FinalText,
		LeadModel: sr.LeadModel,
		Partial:   sr.Partial,
		Cached:    true,
	}, true
}

// Set stores res under key. Partial results and excluded patterns are never
// cached; a degraded pipeline run should not mask a later healthy one.
func (c *ResultCache) Set(ctx context.Context, key string, res *orchestrator.Result) {
	if res == nil || res.Partial || !c.Cacheable(res.Pattern) {
		return
	}

	data, err := json.Marshal(storedResult{
		Pattern:   res.Pattern,
		FinalText: res.FinalText,
		LeadModel: res.LeadModel,
		Partial:   res.Partial,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.CacheSetError()
		}
		return
	}

	if err := c.backend.Set(ctx, key, data, c.ttl); err != nil {
		if c.metrics != nil {
			c.metrics.CacheSetError()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.CacheSetOK()
	}
}
