package executor

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// TradeEvent is the payload published for every ledger transition.
type TradeEvent struct {
	Transition domain.Transition   `json:"transition"`
	Attempt    domain.TradeAttempt `json:"attempt"`
}

// BusPublisher fans ledger transitions out on the signal bus: a pub/sub
// message for live consumers and a stream entry for replay.
type BusPublisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewBusPublisher creates a BusPublisher.
func NewBusPublisher(bus domain.SignalBus, logger *slog.Logger) *BusPublisher {
	return &BusPublisher{bus: bus, logger: logger.With(slog.String("component", "trade_publisher"))}
}

// OnTransition implements TransitionObserver. Bus failures are logged only.
func (p *BusPublisher) OnTransition(ctx context.Context, attempt domain.TradeAttempt, t domain.Transition) {
	payload, err := json.Marshal(TradeEvent{Transition: t, Attempt: attempt})
	if err != nil {
		p.logger.Error("marshal trade event", slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Publish(ctx, domain.ChannelTrades, payload); err != nil {
		p.logger.Warn("publish trade event failed",
			slog.String("attempt_id", attempt.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := p.bus.StreamAppend(ctx, domain.StreamTrades, payload); err != nil {
		p.logger.Warn("append trade stream failed",
			slog.String("attempt_id", attempt.ID),
			slog.String("error", err.Error()),
		)
	}
}
