// Package app provides the top-level application lifecycle. It wires the
// infrastructure (ledger, Redis, S3, notifications), builds the ingestion,
// detection and execution pipeline and starts the goroutines the configured
// mode needs.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/config"
	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/report"
)

// Version is reported by /health.
var Version = "dev"

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	started time.Time
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "app")),
		started: time.Now(),
	}
}

// Run wires all dependencies, starts the goroutines of the configured mode
// and blocks until the context is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
		slog.Bool("dry_run", a.cfg.Trading.DryRun),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch a.cfg.Mode {
	case config.ModeFull:
		return a.PipelineMode(ctx, deps, true)
	case config.ModeMonitor:
		return a.PipelineMode(ctx, deps, false)
	case config.ModeServer:
		return a.ServerMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Report prints the most recent ledger attempts as a table.
func (a *App) Report(ctx context.Context, w io.Writer, limit int) error {
	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	attempts, err := deps.Ledger.List(ctx, domain.LedgerFilter{Limit: limit})
	if err != nil {
		return fmt.Errorf("app: report: %w", err)
	}
	return report.Trades(w, attempts)
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
