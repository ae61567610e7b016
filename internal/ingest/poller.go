package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// Poller is the pull adapter: it fetches pool listings from a PoolSource on
// a fixed interval. A failed fetch is logged and retried on the next tick
// only. Ticks never overlap, and each is bounded by its own timeout.
type Poller struct {
	source   domain.PoolSource
	queue    *Queue
	interval time.Duration
	timeout  time.Duration
	counters Counters
	logger   *slog.Logger
}

// NewPoller creates a poller for source. A zero timeout defaults to the
// interval.
func NewPoller(source domain.PoolSource, queue *Queue, interval, timeout time.Duration, logger *slog.Logger) *Poller {
	if timeout <= 0 {
		timeout = interval
	}
	return &Poller{
		source:   source,
		queue:    queue,
		interval: interval,
		timeout:  timeout,
		logger: logger.With(
			slog.String("component", "poll_adapter"),
			slog.String("source", source.Name()),
		),
	}
}

// Run polls immediately and then on every tick until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", slog.Duration("interval", p.interval))
	p.Tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick performs one bounded fetch and enqueues the results.
func (p *Poller) Tick(ctx context.Context) {
	p.counters.Polls.Add(1)
	tickCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	updates, err := p.source.FetchPools(tickCtx)
	if err != nil {
		p.counters.Failures.Add(1)
		if ctx.Err() == nil {
			p.logger.Warn("pool fetch failed", slog.String("error", err.Error()))
		}
		return
	}

	now := time.Now()
	var accepted int
	for _, u := range updates {
		if u.ReceivedAt.IsZero() {
			u.ReceivedAt = now
		}
		if u.Source == "" {
			u.Source = p.source.Name()
		}
		if err := u.Validate(); err != nil {
			p.counters.Malformed.Add(1)
			continue
		}
		p.queue.Push(u)
		accepted++
	}
	p.counters.Received.Add(uint64(accepted))
	p.logger.Debug("pool fetch complete",
		slog.Int("updates", accepted),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// Name returns the source name.
func (p *Poller) Name() string { return p.source.Name() }

// Stats returns the adapter counters.
func (p *Poller) Stats() CounterSnapshot { return p.counters.Snapshot() }
