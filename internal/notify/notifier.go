// Package notify delivers trade alerts to Discord and Telegram. Alerts are
// filtered by event name so operators receive only the outcomes they care
// about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// sendTimeout bounds one delivery to all senders.
const sendTimeout = 15 * time.Second

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify only
// forwards events in the allowed set; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewNotifier creates a Notifier that delivers to senders.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify sends a notification to all senders if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// OnTransition alerts on terminal transitions. Delivery happens in the
// background so a slow webhook never holds up an attempt.
func (n *Notifier) OnTransition(ctx context.Context, attempt domain.TradeAttempt, t domain.Transition) {
	if !t.To.Terminal() || !n.Enabled() {
		return
	}
	title, message := formatAttempt(attempt)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		_ = n.Notify(ctx, string(t.To), title, message)
	}()
}

// Wait blocks until background deliveries finish.
func (n *Notifier) Wait() { n.wg.Wait() }

// dispatch sends to every sender. A failing sender does not prevent delivery
// to the rest; all failures are joined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func formatAttempt(a domain.TradeAttempt) (title, message string) {
	switch a.State {
	case domain.AttemptConfirmed:
		title = "Trade confirmed"
	case domain.AttemptTimedOut:
		title = "Trade timed out (reconcile manually)"
	default:
		title = "Trade failed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "pool: %s\n", a.PoolAddress)
	fmt.Fprintf(&b, "attempt: %s\n", a.ID)
	fmt.Fprintf(&b, "swap: %g %s -> %s\n", a.AmountIn, a.TokenIn, a.TokenOut)
	if a.State == domain.AttemptConfirmed {
		fmt.Fprintf(&b, "realized out: %g (expected %g)\n", a.RealizedAmountOut, a.ExpectedAmountOut)
		fmt.Fprintf(&b, "realized profit: %g", a.RealizedProfit)
	} else {
		fmt.Fprintf(&b, "reason: %s", a.Reason)
	}
	if a.ExternalRef != "" {
		fmt.Fprintf(&b, "\nref: %s", a.ExternalRef)
	}
	return title, b.String()
}
