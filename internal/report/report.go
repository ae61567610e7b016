// Package report renders ledger records as console tables.
package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/poolsniper/internal/domain"
)

// Summary aggregates a set of attempts.
type Summary struct {
	Total          int
	ByState        map[domain.AttemptState]int
	RealizedProfit float64
	ExpectedProfit float64
}

// Summarize counts attempts by state and sums profits. Realized profit only
// counts confirmed attempts.
func Summarize(attempts []domain.TradeAttempt) Summary {
	s := Summary{Total: len(attempts), ByState: make(map[domain.AttemptState]int)}
	for _, a := range attempts {
		s.ByState[a.State]++
		s.ExpectedProfit += a.ExpectedProfit
		if a.State == domain.AttemptConfirmed {
			s.RealizedProfit += a.RealizedProfit
		}
	}
	return s
}

// Trades writes one row per attempt followed by a summary.
func Trades(w io.Writer, attempts []domain.TradeAttempt) error {
	table := tablewriter.NewWriter(w)
	table.Header("Created", "Attempt", "Pool", "Swap", "In", "Exp. out", "Exp. profit", "State", "Realized", "Reason")
	for _, a := range attempts {
		realized := "-"
		if a.State == domain.AttemptConfirmed {
			realized = fmt.Sprintf("%.6f", a.RealizedProfit)
		}
		if err := table.Append(
			a.CreatedAt.UTC().Format(time.DateTime),
			short(a.ID, 8),
			short(a.PoolAddress, 12),
			a.TokenIn+"->"+a.TokenOut,
			fmt.Sprintf("%.6f", a.AmountIn),
			fmt.Sprintf("%.6f", a.ExpectedAmountOut),
			fmt.Sprintf("%.6f", a.ExpectedProfit),
			string(a.State),
			realized,
			short(a.Reason, 40),
		); err != nil {
			return fmt.Errorf("report: append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("report: render: %w", err)
	}

	s := Summarize(attempts)
	states := make([]string, 0, len(s.ByState))
	for st := range s.ByState {
		states = append(states, string(st))
	}
	sort.Strings(states)
	fmt.Fprintf(w, "\n  attempts: %d\n", s.Total)
	for _, st := range states {
		fmt.Fprintf(w, "  %-10s %d\n", st+":", s.ByState[domain.AttemptState(st)])
	}
	fmt.Fprintf(w, "  realized profit: %.6f (expected %.6f)\n", s.RealizedProfit, s.ExpectedProfit)
	return nil
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
