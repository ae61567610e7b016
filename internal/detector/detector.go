// Package detector turns pool state changes into trade opportunities. Each
// accepted registry change is evaluated exactly once on a bounded worker
// pool; evaluation itself is pure and never touches the network.
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// Submitter accepts opportunities for execution.
type Submitter interface {
	Submit(ctx context.Context, opp domain.Opportunity) (domain.TradeAttempt, error)
}

// Config holds the detection thresholds.
type Config struct {
	SlippageBps     int
	PoolFeeBps      float64
	FeeEstimate     float64
	MinProfit       float64
	MaxPosition     float64
	MinTradeSize    float64
	MinLiquidity    float64
	MinScore        float64
	StalenessWindow time.Duration
	Workers         int
}

// Pricer returns the pricing parameters shared with execution.
func (c Config) Pricer() Pricer {
	return Pricer{SlippageBps: c.SlippageBps, PoolFeeBps: c.PoolFeeBps, FeeEstimate: c.FeeEstimate}
}

// Detector evaluates pool states against the configured thresholds.
type Detector struct {
	cfg       Config
	pricer    Pricer
	scorer    domain.OpportunityScorer
	book      *Book
	bus       domain.SignalBus
	submitter Submitter
	now       func() time.Time
	logger    *slog.Logger

	evaluations atomic.Uint64
	emitted     atomic.Uint64
}

// Deps are the optional collaborators of a Detector.
type Deps struct {
	Scorer domain.OpportunityScorer
	Book   *Book
	// Bus receives every eligible opportunity when set.
	Bus domain.SignalBus
	// Submitter receives every eligible opportunity when set.
	Submitter Submitter
	Now       func() time.Time
	Logger    *slog.Logger
}

// New creates a detector.
func New(cfg Config, deps Deps) *Detector {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if deps.Book == nil {
		deps.Book = NewBook()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Detector{
		cfg:       cfg,
		pricer:    cfg.Pricer(),
		scorer:    deps.Scorer,
		book:      deps.Book,
		bus:       deps.Bus,
		submitter: deps.Submitter,
		now:       deps.Now,
		logger:    deps.Logger.With(slog.String("component", "detector")),
	}
}

// Book returns the book of eligible opportunities.
func (d *Detector) Book() *Book { return d.book }

// Evaluate returns the most profitable opportunity for s, if any meets the
// profit threshold within the position-size ceiling.
func (d *Detector) Evaluate(s domain.PoolState) (domain.Opportunity, bool) {
	if s.ReserveA <= 0 || s.ReserveB <= 0 || s.ReferencePrice() <= 0 {
		return domain.Opportunity{}, false
	}
	if s.ReserveA < d.cfg.MinLiquidity || s.ReserveB < d.cfg.MinLiquidity {
		return domain.Opportunity{}, false
	}
	lo := d.cfg.MinTradeSize
	hi := d.cfg.MaxPosition
	if hi <= 0 || lo > hi {
		return domain.Opportunity{}, false
	}

	best := d.pricer.Best(s, domain.DirectionAToB, lo, hi)
	if alt := d.pricer.Best(s, domain.DirectionBToA, lo, hi); alt.Profit > best.Profit {
		best = alt
	}
	if best.Profit <= d.cfg.MinProfit || best.AmountIn > d.cfg.MaxPosition {
		return domain.Opportunity{}, false
	}

	now := d.now()
	opp := domain.Opportunity{
		ID:                uuid.Must(uuid.NewRandom()).String(),
		PoolAddress:       s.Address,
		TokenIn:           best.TokenIn,
		TokenOut:          best.TokenOut,
		Direction:         best.Direction,
		AmountIn:          best.AmountIn,
		ExpectedAmountOut: best.AmountOut,
		MinAmountOut:      best.MinAmountOut,
		ExpectedProfit:    best.Profit,
		Origin:            domain.OriginDetector,
		Snapshot:          s,
		DetectedAt:        now,
		Deadline:          deadline(s, now, d.cfg.StalenessWindow),
	}
	if best.Direction == domain.DirectionAToB {
		opp.PriceImpactPct = PriceImpactPct(best.AmountIn, s.ReserveA)
	} else {
		opp.PriceImpactPct = PriceImpactPct(best.AmountIn, s.ReserveB)
	}
	if d.scorer != nil {
		opp.Score = d.scorer.Score(opp)
		if opp.Score < d.cfg.MinScore {
			return domain.Opportunity{}, false
		}
	}
	return opp, true
}

// deadline anchors staleness on the source timestamp when the source gave one.
func deadline(s domain.PoolState, now time.Time, window time.Duration) time.Time {
	base := s.SourceTime
	if base.IsZero() {
		base = s.ReceivedAt
	}
	if base.IsZero() {
		base = now
	}
	return base.Add(window)
}

// Run evaluates every state received on changes until ctx is cancelled or
// changes is closed.
func (d *Detector) Run(ctx context.Context, changes <-chan domain.PoolState) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	d.logger.Info("detector started", slog.Int("workers", d.cfg.Workers))
	defer d.logger.Info("detector stopped")

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case s, ok := <-changes:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				d.Handle(gctx, s)
				return nil
			})
		}
	}
}

// Handle evaluates s and forwards an eligible opportunity.
func (d *Detector) Handle(ctx context.Context, s domain.PoolState) {
	d.evaluations.Add(1)
	opp, ok := d.Evaluate(s)
	if !ok {
		d.book.Remove(s.Address, s.Sequence)
		return
	}
	d.emitted.Add(1)
	d.book.Put(opp)
	d.logger.Debug("opportunity detected",
		slog.String("pool", opp.PoolAddress),
		slog.String("direction", string(opp.Direction)),
		slog.Float64("amount_in", opp.AmountIn),
		slog.Float64("expected_profit", opp.ExpectedProfit),
	)

	if d.bus != nil {
		if payload, err := json.Marshal(opp); err == nil {
			if err := d.bus.Publish(ctx, domain.ChannelOpportunities, payload); err != nil {
				d.logger.Warn("publish opportunity failed", slog.String("error", err.Error()))
			}
		}
	}
	if d.submitter == nil {
		return
	}
	attempt, err := d.submitter.Submit(ctx, opp)
	switch {
	case err == nil:
		d.logger.Info("opportunity accepted",
			slog.String("pool", opp.PoolAddress),
			slog.String("attempt_id", attempt.ID),
		)
	case errors.Is(err, domain.ErrPoolLocked):
		d.logger.Debug("opportunity skipped, pool in flight", slog.String("pool", opp.PoolAddress))
	default:
		d.logger.Info("opportunity rejected",
			slog.String("pool", opp.PoolAddress),
			slog.String("reason", err.Error()),
		)
	}
}

// Stats are detector counters.
type Stats struct {
	Evaluations uint64 `json:"evaluations"`
	Emitted     uint64 `json:"emitted"`
	Eligible    int    `json:"eligible"`
}

// Stats returns detector counters.
func (d *Detector) Stats() Stats {
	return Stats{
		Evaluations: d.evaluations.Load(),
		Emitted:     d.emitted.Load(),
		Eligible:    len(d.book.Eligible(d.now())),
	}
}
