package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

const defaultReconcileInterval = 5 * time.Second

// ledgerRetry is the default for Config.LedgerRetry.
var ledgerRetry = RetryPolicy{MaxRetries: 4, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}

// permanentLedgerError reports errors that a retry cannot fix: the ledger
// understood the transition and refused it.
func permanentLedgerError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrTerminalAttempt) ||
		errors.Is(err, domain.ErrValidation)
}

// parkIfWaiting queues t behind any transitions already waiting for its
// attempt. It returns false when nothing is waiting, in which case t was not
// queued.
func (c *Coordinator) parkIfWaiting(t domain.Transition) bool {
	c.backlogMu.Lock()
	defer c.backlogMu.Unlock()
	if len(c.backlog[t.AttemptID]) == 0 {
		return false
	}
	c.backlog[t.AttemptID] = append(c.backlog[t.AttemptID], t)
	return true
}

func (c *Coordinator) park(t domain.Transition) {
	c.backlogMu.Lock()
	defer c.backlogMu.Unlock()
	c.backlog[t.AttemptID] = append(c.backlog[t.AttemptID], t)
}

// Backlog returns how many transitions are waiting to be written.
func (c *Coordinator) Backlog() int {
	c.backlogMu.Lock()
	defer c.backlogMu.Unlock()
	n := 0
	for _, ts := range c.backlog {
		n += len(ts)
	}
	return n
}

// Reconcile replays transitions the ledger could not accept when they
// happened, in order per attempt. An attempt whose head transition still
// fails keeps its place for the next run. It returns the number written.
func (c *Coordinator) Reconcile(ctx context.Context) int {
	c.backlogMu.Lock()
	ids := make([]string, 0, len(c.backlog))
	for id := range c.backlog {
		ids = append(ids, id)
	}
	c.backlogMu.Unlock()

	written := 0
	for _, id := range ids {
		for {
			c.backlogMu.Lock()
			queue := c.backlog[id]
			if len(queue) == 0 {
				delete(c.backlog, id)
				c.backlogMu.Unlock()
				break
			}
			t := queue[0]
			c.backlogMu.Unlock()

			err := c.appendAndNotify(ctx, t)
			if err != nil && !permanentLedgerError(err) {
				c.logger.Warn("ledger still unavailable, keeping transition queued",
					slog.String("attempt_id", id),
					slog.String("to", string(t.To)),
					slog.String("error", err.Error()),
				)
				break
			}
			if err != nil {
				c.logger.Error("dropping queued transition refused by the ledger",
					slog.String("attempt_id", id),
					slog.String("to", string(t.To)),
					slog.String("error", err.Error()),
				)
			} else {
				written++
			}

			c.backlogMu.Lock()
			c.backlog[id] = c.backlog[id][1:]
			c.backlogMu.Unlock()
		}
	}
	if written > 0 {
		c.logger.Info("reconciled queued ledger transitions", slog.Int("written", written))
	}
	return written
}
