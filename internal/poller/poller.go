// Package poller runs periodic printer status checks for the service mode.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scionmmu/mmuctl/internal/events"
)

//go:generate mockgen -destination=mocks/mock_target.go -package=mocks github.com/scionmmu/mmuctl/internal/poller Target

// Target is polled on every tick. Poll reports whether a check was started;
// it returns false when polling is off or an invocation is in flight.
type Target interface {
	Poll() (bool, error)
}

// Stats counts tick outcomes since Start.
type Stats struct {
	Ticks   int64 `json:"ticks"`
	Started int64 `json:"started"`
	Skipped int64 `json:"skipped"`
	Errors  int64 `json:"errors"`
}

// Poller drives a Target from a ticker.
type Poller struct {
	interval time.Duration
	target   Target
	events   *events.Hub
	logger   *slog.Logger

	ticks, started, skipped, errs atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Poller. A nil hub gets a private one.
func New(interval time.Duration, target Target, hub *events.Hub, logger *slog.Logger) *Poller {
	if hub == nil {
		hub = events.NewHub(16)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		interval: interval,
		target:   target,
		events:   hub,
		logger:   logger.With("component", "poller"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the tick loop. The first tick runs immediately.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("Starting poller", "interval", p.interval)
	p.wg.Add(1)
	go p.tickLoop(ctx)
}

// Stop ends the tick loop and waits for it to exit. Safe to call twice.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		p.wg.Wait()
		p.logger.Info("Poller stopped")
	})
}

// Stats returns the current counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Ticks:   p.ticks.Load(),
		Started: p.started.Load(),
		Skipped: p.skipped.Load(),
		Errors:  p.errs.Load(),
	}
}

func (p *Poller) tickLoop(ctx context.Context) {
	defer p.wg.Done()

	p.tick()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick()
		case <-p.stopCh:
			return
		case <-ctx.Done():
			p.logger.Warn("Poller context cancelled, stopping tick loop")
			return
		}
	}
}

func (p *Poller) tick() {
	p.ticks.Add(1)
	ok, err := p.target.Poll()
	switch {
	case err != nil:
		p.errs.Add(1)
		p.logger.Error("status poll failed", "error", err)
	case ok:
		p.started.Add(1)
		p.logger.Debug("status poll started")
	default:
		p.skipped.Add(1)
	}
	p.events.Publish("poller.tick", map[string]any{
		"at":      time.Now().UTC(),
		"started": ok,
	})
}
