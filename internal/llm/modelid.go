package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadModelSpec marks a model identifier that cannot be parsed or resolved.
var ErrBadModelSpec = errors.New("bad model identifier")

// ModelID is a normalized "provider:model" identifier.
type ModelID struct {
	Provider string
	Model    string
}

func (id ModelID) String() string {
	return id.Provider + ":" + id.Model
}

// ParseModelID normalizes a model identifier at the boundary.
//
//	"openai:gpt-4o"  → {openai, gpt-4o}
//	"gpt-4o"         → {openai, gpt-4o}   (via ModelAliases)
//	"anthropic"      → {anthropic, <default model>}
//
// Bare names not present in ModelAliases fail fast — no network call is made
// for an unresolvable identifier.
func ParseModelID(s string) (ModelID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModelID{}, fmt.Errorf("%w: empty", ErrBadModelSpec)
	}

	if i := strings.IndexByte(s, ':'); i >= 0 {
		provider := strings.ToLower(s[:i])
		model := s[i+1:]
		if provider == "" || model == "" {
			return ModelID{}, fmt.Errorf("%w: malformed %q", ErrBadModelSpec, s)
		}
		return ModelID{Provider: provider, Model: model}, nil
	}

	// A bare provider name selects that provider's default model.
	if def, ok := DefaultModels[strings.ToLower(s)]; ok {
		return ModelID{Provider: strings.ToLower(s), Model: def}, nil
	}

	if provider, ok := ModelAliases[s]; ok {
		return ModelID{Provider: provider, Model: s}, nil
	}

	return ModelID{}, fmt.Errorf("%w: unknown model %q, use the provider:model form", ErrBadModelSpec, s)
}
