package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// Applier merges updates into pool state.
type Applier interface {
	Apply(ctx context.Context, u domain.PoolUpdate) (domain.PoolState, bool, error)
}

// Pump moves updates from the queue into the registry. It is the only
// consumer of the queue.
type Pump struct {
	queue    *Queue
	registry Applier
	logger   *slog.Logger
}

// NewPump creates a pump.
func NewPump(queue *Queue, registry Applier, logger *slog.Logger) *Pump {
	return &Pump{
		queue:    queue,
		registry: registry,
		logger:   logger.With(slog.String("component", "ingest_pump")),
	}
}

// Run blocks until ctx is cancelled or the queue is closed and drained.
func (p *Pump) Run(ctx context.Context) error {
	for {
		u, err := p.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrQueueClosed) {
				return nil
			}
			return err
		}
		if _, _, err := p.registry.Apply(ctx, u); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Debug("pool update rejected",
				slog.String("pool", u.Address),
				slog.String("source", u.Source),
				slog.String("error", err.Error()),
			)
		}
	}
}
