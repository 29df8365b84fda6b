// Package secrets abstracts where provider credentials come from. The engine
// only ever sees the Source interface; the default implementation reads the
// process environment (populated from .env by the config loader).
package secrets

import (
	"errors"
	"os"
	"sync"
)

// ErrNotFound is returned when a secret is absent or empty.
var ErrNotFound = errors.New("secret not found")

// Source resolves named secrets.
type Source interface {
	GetSecret(name string) (string, error)
}

// Env reads secrets from the process environment. Empty values count as
// absent so an unset and a blanked key behave the same.
type Env struct{}

func (Env) GetSecret(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// Static is a fixed in-memory source, used in tests and for secret reloads.
// Safe for concurrent use.
type Static struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStatic copies values into a new Static source.
func NewStatic(values map[string]string) *Static {
	m := make(map[string]string, len(values))
	for k, v := range values {
		m[k] = v
	}
	return &Static{values: m}
}

func (s *Static) GetSecret(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	if !ok || v == "" {
		return "", ErrNotFound
	}
	return v, nil
}

// Set replaces or adds a secret. Used by tests and secret-reload paths.
func (s *Static) Set(name, value string) {
	s.mu.Lock()
	s.values[name] = value
	s.mu.Unlock()
}
