// Package patterns defines the analysis patterns that drive orchestration.
//
// A pattern is an ordered list of stages. Every stage renders a prompt
// template against the original user prompt and the outputs of earlier
// stages, then fans the rendered prompt out to a set of models. All built-in
// patterns share the same state-machine shape — Generator, Analyzer,
// optionally a second Analyzer round, Synthesizer — and differ only in what
// their templates ask the models to do.
package patterns

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"
)

// Role describes what a stage contributes to the pipeline.
type Role int

const (
	RoleGenerator Role = iota
	RoleAnalyzer
	RoleSynthesizer
)

func (r Role) String() string {
	switch r {
	case RoleAnalyzer:
		return "analyzer"
	case RoleSynthesizer:
		return "synthesizer"
	default:
		return "generator"
	}
}

// FanoutKind selects how a stage distributes its prompt.
type FanoutKind int

const (
	// FanoutAll sends to every eligible model concurrently.
	FanoutAll FanoutKind = iota
	// FanoutSingle sends only to the current lead model.
	FanoutSingle
	// FanoutSubset sends to the top-N models by prior-stage quality rank.
	FanoutSubset
)

// Fanout is a stage's distribution policy.
type Fanout struct {
	Kind FanoutKind
	// N is the subset size for FanoutSubset; ignored otherwise.
	N int
}

// All fans out to every eligible model.
func All() Fanout { return Fanout{Kind: FanoutAll} }

// Single fans out to the quality lead only.
func Single() Fanout { return Fanout{Kind: FanoutSingle} }

// Subset fans out to the top n by quality rank.
func Subset(n int) Fanout { return Fanout{Kind: FanoutSubset, N: n} }

// Stage is one round of the pipeline.
type Stage struct {
	// Name identifies the stage ("initial", "meta", "hyper", "ultra").
	Name string

	Fanout Fanout
	Role   Role

	// Template is the prompt template, rendered against Data. Templates are
	// pure string substitution; model output is never interpreted.
	Template string

	// MinSuccesses is the stage-level success floor. The global
	// minimum-models floor applies on top of it.
	MinSuccesses int

	// Timeout bounds the stage. Zero means "remaining orchestration budget".
	Timeout time.Duration

	tmpl *template.Template
}

// Data is the input to stage template rendering.
type Data struct {
	// Prompt is the original user prompt, verbatim.
	Prompt string

	// StageOutputs maps finished stage names to their collected output
	// texts, in deterministic model order.
	StageOutputs map[string][]string
}

// Outputs joins the outputs of a prior stage for template interpolation.
// Missing stages render as empty — a template never fails at run time for
// an absent predecessor.
func (d Data) Outputs(stage string) string {
	outs := d.StageOutputs[stage]
	if len(outs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, o := range outs {
		fmt.Fprintf(&b, "--- Response %d ---\n%s\n", i+1, o)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Render produces the stage prompt for the given data.
func (s *Stage) Render(d Data) (string, error) {
	if s.tmpl == nil {
		return "", fmt.Errorf("stage %q: template not compiled", s.Name)
	}
	var b strings.Builder
	if err := s.tmpl.Execute(&b, d); err != nil {
		return "", fmt.Errorf("stage %q: render: %w", s.Name, err)
	}
	return b.String(), nil
}

// Pattern is a named multi-stage pipeline.
type Pattern struct {
	Name        string
	Description string
	Stages      []Stage
}

// Registry holds the available patterns. Safe for concurrent reads after
// construction; Register is for startup wiring and tests.
type Registry struct {
	mu       sync.RWMutex
	patterns map[string]*Pattern
}

// NewRegistry returns a Registry preloaded with the built-in patterns.
func NewRegistry() *Registry {
	r := &Registry{patterns: make(map[string]*Pattern)}
	for _, p := range builtins() {
		if err := r.Register(p); err != nil {
			// Built-in templates are compile-time constants; a failure here
			// is a programming error.
			panic(fmt.Sprintf("patterns: builtin %q: %v", p.Name, err))
		}
	}
	return r
}

// Register validates and compiles a pattern, then adds it to the registry.
// Re-registering a name replaces the previous pattern.
func (r *Registry) Register(p *Pattern) error {
	if p.Name == "" {
		return fmt.Errorf("patterns: empty pattern name")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("patterns: pattern %q has no stages", p.Name)
	}

	seen := make(map[string]bool, len(p.Stages))
	for i := range p.Stages {
		st := &p.Stages[i]
		if st.Name == "" {
			return fmt.Errorf("patterns: pattern %q: stage %d has no name", p.Name, i)
		}
		if seen[st.Name] {
			return fmt.Errorf("patterns: pattern %q: duplicate stage %q", p.Name, st.Name)
		}
		seen[st.Name] = true
		if st.MinSuccesses < 1 {
			st.MinSuccesses = 1
		}

		tmpl, err := template.New(p.Name + "/" + st.Name).Option("missingkey=zero").Parse(st.Template)
		if err != nil {
			return fmt.Errorf("patterns: pattern %q stage %q: %w", p.Name, st.Name, err)
		}
		st.tmpl = tmpl
	}

	r.mu.Lock()
	r.patterns[p.Name] = p
	r.mu.Unlock()
	return nil
}

// Get returns the named pattern, or false when it does not exist.
func (r *Registry) Get(name string) (*Pattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patterns[name]
	return p, ok
}

// Names returns the registered pattern names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.patterns))
	for n := range r.patterns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
