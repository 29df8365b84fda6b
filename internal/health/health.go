// Package health tracks per-provider availability.
//
// Every provider moves through a three-state machine driven by observed
// call outcomes:
//
//	Healthy   — normal operation; the provider participates in every stage.
//	Degraded  — one or more transient failures; excluded until a cooldown
//	            elapses, then admitted again via a single probe call.
//	Unhealthy — the consecutive-failure threshold was reached, or the
//	            failure is persistent (bad credentials); excluded for a
//	            longer window.
//
// Persistent failures never time out on their own: a provider excluded for
// an auth failure stays out until ReloadSecrets confirms new credentials.
package health

import (
	"errors"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-orchestrator/internal/llm"
)

// State is the operational state of one provider.
type State int

const (
	StateHealthy   State = 0
	StateDegraded  State = 1
	StateUnhealthy State = 2
)

// String returns the metric/log label for s.
func (s State) String() string {
	switch s {
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "healthy"
	}
}

// Default tuning. Overridable via Config.
const (
	DefaultDegradedCooldown   = 120 * time.Second
	DefaultUnhealthyCooldown  = 300 * time.Second
	DefaultUnhealthyThreshold = 3

	// persistentCooldown bounds how long an auth-excluded provider stays out
	// even if nobody ever calls ReloadSecrets. Credentials that were wrong a
	// day ago are occasionally right again (key rotation races).
	persistentCooldown = 24 * time.Hour
)

// Config holds health state machine tuning. Zero values fall back to the
// package defaults.
type Config struct {
	DegradedCooldown   time.Duration
	UnhealthyCooldown  time.Duration
	UnhealthyThreshold int
}

func (c *Config) degradedCooldown() time.Duration {
	if c.DegradedCooldown > 0 {
		return c.DegradedCooldown
	}
	return DefaultDegradedCooldown
}

func (c *Config) unhealthyCooldown() time.Duration {
	if c.UnhealthyCooldown > 0 {
		return c.UnhealthyCooldown
	}
	return DefaultUnhealthyCooldown
}

func (c *Config) unhealthyThreshold() int {
	if c.UnhealthyThreshold > 0 {
		return c.UnhealthyThreshold
	}
	return DefaultUnhealthyThreshold
}

// providerHealth holds per-provider state.
type providerHealth struct {
	mu sync.Mutex

	state         State
	consecFails   int
	cooldownUntil time.Time
	persistent    bool // excluded for a non-transient cause (auth)
	probeInflight bool // a re-admission probe call is in flight
	lastKind      llm.ErrorKind
	lastChange    time.Time
}

// Manager tracks health for every provider independently.
// Safe for concurrent use from multiple goroutines.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]*providerHealth
	cfg       Config
}

// NewManager creates a Manager with default tuning for the given providers.
func NewManager(providers []string) *Manager {
	return NewManagerWithConfig(providers, Config{})
}

// NewManagerWithConfig creates a Manager with custom tuning.
func NewManagerWithConfig(providers []string, cfg Config) *Manager {
	m := &Manager{
		providers: make(map[string]*providerHealth, len(providers)),
		cfg:       cfg,
	}
	for _, name := range providers {
		m.providers[name] = &providerHealth{state: StateHealthy, lastChange: time.Now()}
	}
	return m
}

// Eligible reports whether provider should receive calls right now. It is a
// pure check with no side effects and may be consulted any number of times
// per orchestration; the re-admission probe slot is claimed separately, by
// AdmitProbe, at the moment a call is actually dispatched.
//
//   - Healthy → always true.
//   - Excluded with an unexpired cooldown → false, unless force is set.
//   - Excluded with an expired cooldown → true while no re-admission probe
//     is in flight.
//
// force bypasses the exclusion entirely (explicit operator override); it does
// not touch probe accounting. Unknown providers are optimistically eligible.
func (m *Manager) Eligible(provider string, force bool) bool {
	ph := m.get(provider)
	if ph == nil {
		return true
	}

	ph.mu.Lock()
	defer ph.mu.Unlock()

	if ph.state == StateHealthy {
		return true
	}
	if force {
		return true
	}

	if time.Now().Before(ph.cooldownUntil) {
		return false
	}
	return !ph.probeInflight
}

// AdmitProbe claims the single re-admission slot for an excluded provider
// whose cooldown has expired. Exactly one caller wins the claim; it must
// dispatch a call immediately, whose outcome reaches Observe and releases
// the slot. Claiming at dispatch time means the slot is never held by a
// call that does not happen. Healthy and unknown providers need no probe
// and are admitted without claiming.
func (m *Manager) AdmitProbe(provider string) bool {
	ph := m.get(provider)
	if ph == nil {
		return true
	}

	ph.mu.Lock()
	defer ph.mu.Unlock()

	if ph.state == StateHealthy {
		return true
	}
	if time.Now().Before(ph.cooldownUntil) {
		return false
	}
	if ph.probeInflight {
		return false
	}
	ph.probeInflight = true
	return true
}

// Observe records the outcome of one provider call and advances the state
// machine. A nil err resets the provider to Healthy.
func (m *Manager) Observe(provider string, err error) {
	ph := m.get(provider)
	if ph == nil {
		return
	}

	ph.mu.Lock()
	defer ph.mu.Unlock()

	if err == nil {
		ph.state = StateHealthy
		ph.consecFails = 0
		ph.persistent = false
		ph.probeInflight = false
		ph.cooldownUntil = time.Time{}
		ph.lastKind = llm.KindUnknown
		ph.lastChange = time.Now()
		return
	}

	var le *llm.Error
	if !errors.As(err, &le) {
		// Unclassified errors count as transient network trouble.
		le = &llm.Error{Provider: provider, Kind: llm.KindNetwork}
	}

	ph.probeInflight = false
	ph.lastKind = le.Kind

	switch le.Kind {
	case llm.KindAuthFailed, llm.KindModelNotFound, llm.KindBadRequest:
		// Persistent: no amount of waiting fixes bad credentials or a bad
		// request shape. Excluded until an explicit secrets reload.
		ph.state = StateUnhealthy
		ph.persistent = true
		ph.cooldownUntil = time.Now().Add(persistentCooldown)
		ph.lastChange = time.Now()
		return
	}

	// Transient: timeout, rate limited, unavailable, network, unknown.
	ph.consecFails++

	cooldown := m.cfg.degradedCooldown()
	if ph.consecFails >= m.cfg.unhealthyThreshold() {
		ph.state = StateUnhealthy
		cooldown = m.cfg.unhealthyCooldown()
	} else {
		ph.state = StateDegraded
	}

	// A provider-supplied Retry-After wins over the local cooldown when it
	// asks for a longer wait.
	if le.RetryAfter > cooldown {
		cooldown = le.RetryAfter
	}

	ph.cooldownUntil = time.Now().Add(cooldown)
	ph.lastChange = time.Now()
}

// ReloadSecrets clears persistent exclusions after a credential rotation.
// Affected providers return to Healthy and their next call doubles as the
// verification probe. Providers excluded for transient causes are untouched.
func (m *Manager) ReloadSecrets(providers ...string) {
	if len(providers) == 0 {
		m.mu.RLock()
		for name := range m.providers {
			providers = append(providers, name)
		}
		m.mu.RUnlock()
	}

	for _, name := range providers {
		ph := m.get(name)
		if ph == nil {
			continue
		}
		ph.mu.Lock()
		if ph.persistent {
			ph.state = StateHealthy
			ph.consecFails = 0
			ph.persistent = false
			ph.probeInflight = false
			ph.cooldownUntil = time.Time{}
			ph.lastChange = time.Now()
		}
		ph.mu.Unlock()
	}
}

// State returns the current state for provider. Unknown providers read as
// Healthy.
func (m *Manager) State(provider string) State {
	ph := m.get(provider)
	if ph == nil {
		return StateHealthy
	}
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.state
}

// ProviderStatus is one entry of a health snapshot.
type ProviderStatus struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CooldownUntil       time.Time `json:"cooldown_until,omitzero"`
	Persistent          bool      `json:"persistent,omitempty"`
	LastErrorKind       string    `json:"last_error_kind,omitempty"`
}

// Snapshot returns the current status of every tracked provider.
func (m *Manager) Snapshot() map[string]ProviderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ProviderStatus, len(m.providers))
	for name, ph := range m.providers {
		ph.mu.Lock()
		st := ProviderStatus{
			State:               ph.state.String(),
			ConsecutiveFailures: ph.consecFails,
			CooldownUntil:       ph.cooldownUntil,
			Persistent:          ph.persistent,
		}
		if ph.lastKind != llm.KindUnknown {
			st.LastErrorKind = ph.lastKind.String()
		}
		ph.mu.Unlock()
		out[name] = st
	}
	return out
}

// Track registers a provider added after construction (e.g. after a registry
// reload). No-op when already tracked.
func (m *Manager) Track(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[provider]; !ok {
		m.providers[provider] = &providerHealth{state: StateHealthy, lastChange: time.Now()}
	}
}

func (m *Manager) get(provider string) *providerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.providers[provider]
}
