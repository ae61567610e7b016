package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/poolsniper/internal/detector"
	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/executor"
	"github.com/alanyoungcy/poolsniper/internal/ingest"
	"github.com/alanyoungcy/poolsniper/internal/platform/chain"
	"github.com/alanyoungcy/poolsniper/internal/platform/dataapi"
	"github.com/alanyoungcy/poolsniper/internal/platform/fake"
	"github.com/alanyoungcy/poolsniper/internal/platform/router"
	"github.com/alanyoungcy/poolsniper/internal/registry"
	"github.com/alanyoungcy/poolsniper/internal/scoring"
	"github.com/alanyoungcy/poolsniper/internal/server"
	"github.com/alanyoungcy/poolsniper/internal/server/handler"
)

const shutdownTimeout = 5 * time.Second

// pipeline is the ingestion -> registry -> detector -> coordinator chain.
type pipeline struct {
	queue       *ingest.Queue
	changes     chan domain.PoolState
	registry    *registry.Registry
	pump        *ingest.Pump
	pollers     []*ingest.Poller
	webhook     *ingest.Webhook
	stream      *ingest.StreamListener
	detector    *detector.Detector
	coordinator *executor.Coordinator
}

// buildPipeline constructs the pipeline. The coordinator is only built when
// execute is true.
func (a *App) buildPipeline(ctx context.Context, deps *Dependencies, execute bool) (*pipeline, error) {
	cfg := a.cfg
	p := &pipeline{
		queue:   ingest.NewQueue(cfg.Ingest.QueueSize),
		changes: make(chan domain.PoolState, cfg.Ingest.QueueSize),
	}
	p.registry = registry.New(registry.Config{
		SilenceWindow: cfg.Registry.SilenceWindow.Duration,
		Changes:       p.changes,
		Logger:        a.logger,
	})
	p.pump = ingest.NewPump(p.queue, p.registry, a.logger)

	sources, err := a.buildSources(ctx)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		p.pollers = append(p.pollers, ingest.NewPoller(src, p.queue,
			cfg.Ingest.PollInterval.Duration, cfg.Ingest.PollTimeout.Duration, a.logger))
	}
	p.webhook = ingest.NewWebhook(p.queue, cfg.Sources.WebhookSecret, a.logger)
	if cfg.Sources.PushStreamURL != "" {
		p.stream = ingest.NewStreamListener(ingest.StreamConfig{URL: cfg.Sources.PushStreamURL}, p.queue, a.logger)
	}

	scorer := scoring.NewHeuristic(scoring.DefaultWeights, cfg.Detector.StalenessWindow.Duration)

	var submitter detector.Submitter
	if execute {
		p.coordinator = a.buildCoordinator(deps, p.registry, scorer)
		if cfg.Trading.AutoExecute {
			submitter = p.coordinator
		}
	}

	p.detector = detector.New(detector.Config{
		SlippageBps:     cfg.Trading.SlippageBps,
		PoolFeeBps:      cfg.Trading.PoolFeeBps,
		FeeEstimate:     cfg.Trading.FeeEstimate,
		MinProfit:       cfg.Trading.MinProfitThreshold,
		MaxPosition:     cfg.Trading.MaxPositionSize,
		MinTradeSize:    cfg.Trading.MinTradeSize,
		MinLiquidity:    cfg.Trading.MinLiquidity,
		MinScore:        cfg.Trading.MinScore,
		StalenessWindow: cfg.Detector.StalenessWindow.Duration,
		Workers:         cfg.Detector.Workers,
	}, detector.Deps{
		Scorer:    scorer,
		Bus:       deps.SignalBus,
		Submitter: submitter,
		Logger:    a.logger,
	})
	return p, nil
}

// buildSources returns the configured polling sources.
func (a *App) buildSources(ctx context.Context) ([]domain.PoolSource, error) {
	cfg := a.cfg.Sources
	var sources []domain.PoolSource
	if cfg.DataAPIURL != "" {
		c := dataapi.NewClient(cfg.DataAPIURL, cfg.DataAPIKey, a.logger)
		if cfg.DataAPIRateLimit > 0 {
			c.SetRateLimit(cfg.DataAPIRateLimit, 2)
		}
		sources = append(sources, c)
	}
	if cfg.RPCURL != "" {
		eth, err := chain.Dial(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.closers = append(a.closers, eth.Close)
		reader, err := chain.NewReader(eth, cfg.RPCPairs, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		sources = append(sources, reader)
	}
	return sources, nil
}

func (a *App) buildCoordinator(deps *Dependencies, reg *registry.Registry, scorer domain.OpportunityScorer) *executor.Coordinator {
	cfg := a.cfg
	var (
		swaps  domain.SwapExecutor
		quotes domain.QuoteProvider
	)
	if cfg.Trading.DryRun {
		swaps = fake.NewSwaps()
		a.logger.Warn("dry run: swaps settle against the fake executor")
	} else {
		rc := router.NewClient(cfg.Router.URL, cfg.Router.APIKey, a.logger,
			router.WithPollInterval(cfg.Router.PollInterval.Duration))
		swaps = rc
		if cfg.Router.Quotes {
			quotes = rc
		}
	}

	var observers []executor.TransitionObserver
	if deps.SignalBus != nil {
		observers = append(observers, executor.NewBusPublisher(deps.SignalBus, a.logger))
	}
	if deps.Notifier.Enabled() {
		observers = append(observers, deps.Notifier)
	}

	return executor.New(executor.Config{
		SlippageBps:      cfg.Trading.SlippageBps,
		PoolFeeBps:       cfg.Trading.PoolFeeBps,
		FeeEstimate:      cfg.Trading.FeeEstimate,
		MinProfit:        cfg.Trading.MinProfitThreshold,
		MaxPosition:      cfg.Trading.MaxPositionSize,
		MinScore:         cfg.Trading.MinScore,
		StalenessWindow:  cfg.Detector.StalenessWindow.Duration,
		ExecutionTimeout: cfg.Execution.Timeout.Duration,
		MaxConcurrent:    int64(cfg.Execution.MaxConcurrent),
		Retry: executor.RetryPolicy{
			MaxRetries: cfg.Execution.MaxRetries,
			BaseDelay:  cfg.Execution.RetryBaseDelay.Duration,
			MaxDelay:   cfg.Execution.RetryMaxDelay.Duration,
		},
	}, executor.Deps{
		Registry:  reg,
		Ledger:    deps.Ledger,
		Swaps:     swaps,
		Quotes:    quotes,
		Scorer:    scorer,
		DistLocks: deps.LockManager,
		Observers: observers,
		Logger:    a.logger,
	})
}

// PipelineMode runs ingestion, detection and the HTTP server. With execute
// set it also runs the coordinator; otherwise opportunities are only
// reported.
func (a *App) PipelineMode(ctx context.Context, deps *Dependencies, execute bool) error {
	a.logger.InfoContext(ctx, "starting pipeline", slog.Bool("execute", execute))

	p, err := a.buildPipeline(ctx, deps, execute)
	if err != nil {
		return err
	}
	if p.coordinator != nil && deps.Durable {
		n, err := p.coordinator.Recover(ctx)
		if err != nil {
			return fmt.Errorf("app: recover attempts: %w", err)
		}
		if n > 0 {
			a.logger.WarnContext(ctx, "finalized attempts left open by a previous run", slog.Int("count", n))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	run := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}

	run("pump", p.pump.Run)
	for _, poller := range p.pollers {
		run("poller "+poller.Name(), poller.Run)
	}
	if p.stream != nil {
		run("stream", p.stream.Run)
	}
	run("detector", func(ctx context.Context) error { return p.detector.Run(ctx, p.changes) })
	if a.cfg.Registry.SilenceWindow.Duration > 0 {
		run("sweeper", func(ctx context.Context) error {
			return p.registry.RunSweeper(ctx, a.cfg.Registry.SweepInterval.Duration)
		})
	}
	if p.coordinator != nil {
		run("coordinator", p.coordinator.Run)
	}
	if deps.Archiver != nil {
		run("archiver", func(ctx context.Context) error {
			return deps.Archiver.Run(ctx, a.cfg.S3.ArchiveInterval.Duration)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		p.queue.Close()
		return nil
	})

	if a.cfg.Server.Enabled {
		h := a.baseHandlers(deps)
		h.Status = handler.NewStatusHandler(func() handler.Status { return a.status(p) })
		h.Pools = handler.NewPoolHandler(p.registry)
		h.Opportunities = handler.NewOpportunityHandler(p.detector.Book())
		h.Webhook = p.webhook
		if p.coordinator != nil {
			h.Execute = handler.NewExecuteHandler(p.coordinator, a.cfg.Detector.StalenessWindow.Duration,
				a.cfg.Trading.SlippageBps, a.logger)
		}
		a.serve(ctx, g, h, deps)
	}

	return g.Wait()
}

// ServerMode serves the ledger without ingesting or trading.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	h := a.baseHandlers(deps)
	h.Status = handler.NewStatusHandler(func() handler.Status { return a.status(nil) })
	a.serve(ctx, g, h, deps)
	return g.Wait()
}

func (a *App) baseHandlers(deps *Dependencies) server.Handlers {
	return server.Handlers{
		Health: handler.NewHealthHandler(Version),
		Trades: handler.NewTradeHandler(deps.Ledger, a.logger),
	}
}

// serve starts the HTTP server on g and shuts it down when ctx is done.
func (a *App) serve(ctx context.Context, g *errgroup.Group, h server.Handlers, deps *Dependencies) {
	srv := server.NewServer(server.Config{
		Port:          a.cfg.Server.Port,
		CORSOrigins:   a.cfg.Server.CORSOrigins,
		APIKey:        a.cfg.Server.APIKey,
		ExecuteLimit:  a.cfg.Server.ExecuteRateLimit,
		ExecuteWindow: a.cfg.Server.ExecuteRateWindow.Duration,
	}, h, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// status assembles the /status document. p is nil in server mode.
func (a *App) status(p *pipeline) handler.Status {
	cfg := a.cfg
	st := handler.Status{
		BotStatus:          "stopped",
		Mode:               cfg.Mode,
		Version:            Version,
		Uptime:             time.Since(a.started).Round(time.Second).String(),
		SlippageBps:        cfg.Trading.SlippageBps,
		MaxSlippageBps:     cfg.Trading.MaxSlippageBps,
		MinProfitThreshold: cfg.Trading.MinProfitThreshold,
		MaxPositionSize:    cfg.Trading.MaxPositionSize,
		ExecutionTimeout:   cfg.Execution.Timeout.Duration.String(),
		AutoExecute:        cfg.Trading.AutoExecute,
		DryRun:             cfg.Trading.DryRun,
	}
	if p == nil {
		return st
	}

	st.BotStatus = "monitoring"
	qs := p.queue.Stats()
	st.Queue = &qs
	rs := p.registry.Stats()
	st.Registry = &rs
	ds := p.detector.Stats()
	st.Detector = &ds
	st.Ingest = map[string]ingest.CounterSnapshot{"webhook": p.webhook.Stats()}
	for _, poller := range p.pollers {
		st.Ingest[poller.Name()] = poller.Stats()
	}
	if p.stream != nil {
		st.Ingest["stream"] = p.stream.Stats()
	}
	if p.coordinator != nil {
		st.BotStatus = "running"
		es := p.coordinator.Stats()
		st.Execution = &es
		st.RecentRejections = p.coordinator.Rejections().Recent(20)
	}
	return st
}

