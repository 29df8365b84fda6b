package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-orchestrator/internal/llm"
)

const probeTimeout = 5 * time.Second

// Prober periodically health-checks excluded providers so they can rejoin
// without waiting for live traffic to probe them. Healthy providers are not
// probed — live calls already confirm them.
type Prober struct {
	manager  *Manager
	adapters map[string]llm.Adapter
	interval time.Duration
	log      *slog.Logger
	onState  func(provider string, state State)
	baseCtx  context.Context

	done chan struct{}
	wg   sync.WaitGroup
}

// NewProber creates a Prober and starts the background loop. onState is an
// optional hook invoked after every probe with the resulting state (used for
// the provider_health gauge); pass nil to skip.
func NewProber(
	ctx context.Context,
	m *Manager,
	adapters map[string]llm.Adapter,
	interval time.Duration,
	log *slog.Logger,
	onState func(provider string, state State),
) *Prober {
	if ctx == nil {
		panic("health: prober context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Prober{
		manager:  m,
		adapters: adapters,
		interval: interval,
		log:      log,
		onState:  onState,
		baseCtx:  ctx,
		done:     make(chan struct{}),
	}

	p.wg.Add(1)
	go p.run()

	return p
}

// Close stops the background probe goroutine.
func (p *Prober) Close() {
	close(p.done)
	p.wg.Wait()
}

func (p *Prober) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-p.done:
			return
		case <-p.baseCtx.Done():
			return
		}
	}
}

func (p *Prober) probe() {
	ctx, cancel := context.WithTimeout(p.baseCtx, probeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for name, adapter := range p.adapters {
		if p.manager.State(name) == StateHealthy {
			continue
		}
		// Claim the probe slot only when a health check follows; a live call
		// may already be probing this provider.
		if !p.manager.AdmitProbe(name) {
			continue
		}

		wg.Add(1)
		go func(name string, adapter llm.Adapter) {
			defer wg.Done()

			err := adapter.HealthCheck(ctx)
			p.manager.Observe(name, err)

			state := p.manager.State(name)
			if err != nil {
				p.log.Warn("provider probe failed",
					slog.String("provider", name),
					slog.String("state", state.String()),
					slog.String("error", err.Error()),
				)
			} else {
				p.log.Info("provider recovered",
					slog.String("provider", name),
				)
			}
			if p.onState != nil {
				p.onState(name, state)
			}
		}(name, adapter)
	}
	wg.Wait()
}
