package llm

import (
	"context"
	"sort"
	"time"
)

// ClampDeadline bounds ctx so no single upstream request can outlive
// MaxProviderTimeout. A tighter caller deadline is left untouched.
func ClampDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= MaxProviderTimeout {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, MaxProviderTimeout)
}

// ModelsFor returns the alias-table models served by the given provider,
// sorted for deterministic listings.
func ModelsFor(provider string) []string {
	var out []string
	for model, p := range ModelAliases {
		if p == provider {
			out = append(out, model)
		}
	}
	sort.Strings(out)
	return out
}
