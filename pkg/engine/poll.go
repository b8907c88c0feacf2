package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opereon/opereon/pkg/telemetry"
)

// pollRunner executes one poll body on one host. The executor provides this.
type pollRunner func(ctx context.Context, p *PollDef, host *HostDef) error

// Poller drives the declared polls on their intervals. Each poll gets its own
// ticker goroutine; each tick probes the poll's hosts sequentially. Probe
// failures are logged and the poll keeps ticking.
type Poller struct {
	reg   *Registry
	run   pollRunner
	hosts func(p *PollDef) ([]*HostDef, error)
	log   zerolog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewPoller returns a poller over the registry's polls. hosts resolves a
// poll's host selector against the current model.
func NewPoller(reg *Registry, run pollRunner, hosts func(p *PollDef) ([]*HostDef, error), log zerolog.Logger) *Poller {
	return &Poller{
		reg:   reg,
		run:   run,
		hosts: hosts,
		log:   log.With().Str("component", "poller").Logger(),
	}
}

// Start launches one ticker per declared poll. Calling Start twice is an
// error handled by ignoring the second call.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for _, a := range p.reg.Aspects() {
		for _, def := range a.Polls {
			p.wg.Add(1)
			go p.loop(ctx, def)
		}
	}
}

// Stop cancels all tickers and waits for in-flight probes to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context, def *PollDef) {
	defer p.wg.Done()

	ticker := time.NewTicker(def.Interval)
	defer ticker.Stop()

	p.log.Info().Str("poll", def.Name).Dur("interval", def.Interval).Msg("poll started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Str("poll", def.Name).Msg("poll stopped")
			return
		case <-ticker.C:
			p.tick(ctx, def)
		}
	}
}

func (p *Poller) tick(ctx context.Context, def *PollDef) {
	hosts, err := p.hosts(def)
	if err != nil {
		p.log.Error().Err(err).Str("poll", def.Name).Msg("resolving poll hosts")
		return
	}
	for _, h := range hosts {
		if ctx.Err() != nil {
			return
		}
		telemetry.PollTicks.Inc()
		if err := p.run(ctx, def, h); err != nil {
			p.log.Warn().Err(err).
				Str("poll", def.Name).
				Str("host", h.Hostname).
				Msg("poll probe failed")
		}
	}
}
