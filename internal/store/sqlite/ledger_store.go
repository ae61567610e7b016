// Package sqlite implements the trade ledger on an embedded SQLite database
// (pure Go, no cgo). Timestamps are stored as unix nanoseconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS trade_attempts (
    id                  TEXT PRIMARY KEY,
    opportunity_id      TEXT    NOT NULL,
    pool_address        TEXT    NOT NULL,
    token_in            TEXT    NOT NULL,
    token_out           TEXT    NOT NULL,
    direction           TEXT    NOT NULL,
    origin              TEXT    NOT NULL,
    amount_in           REAL    NOT NULL,
    expected_amount_out REAL    NOT NULL,
    min_amount_out      REAL    NOT NULL,
    expected_profit     REAL    NOT NULL,
    reference_price     REAL    NOT NULL,
    slippage_bps        INTEGER NOT NULL,
    state               TEXT    NOT NULL,
    external_ref        TEXT    NOT NULL DEFAULT '',
    realized_amount_out REAL    NOT NULL DEFAULT 0,
    realized_profit     REAL    NOT NULL DEFAULT 0,
    reason              TEXT    NOT NULL DEFAULT '',
    detected_at         INTEGER NOT NULL,
    created_at          INTEGER NOT NULL,
    submitted_at        INTEGER,
    updated_at          INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_in_flight
    ON trade_attempts(pool_address)
    WHERE state IN ('detected', 'validated', 'submitted');
CREATE INDEX IF NOT EXISTS idx_attempts_created ON trade_attempts(created_at DESC);

CREATE TABLE IF NOT EXISTS trade_transitions (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id          TEXT    NOT NULL REFERENCES trade_attempts(id),
    pool_address        TEXT    NOT NULL,
    from_state          TEXT    NOT NULL DEFAULT '',
    to_state            TEXT    NOT NULL,
    reason              TEXT    NOT NULL DEFAULT '',
    external_ref        TEXT    NOT NULL DEFAULT '',
    realized_amount_out REAL    NOT NULL DEFAULT 0,
    realized_profit     REAL    NOT NULL DEFAULT 0,
    at                  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_attempt ON trade_transitions(attempt_id, id);
`

const attemptCols = `id, opportunity_id, pool_address, token_in, token_out, direction, origin,
	amount_in, expected_amount_out, min_amount_out, expected_profit, reference_price,
	slippage_bps, state, external_ref, realized_amount_out, realized_profit, reason,
	detected_at, created_at, submitted_at, updated_at`

const nonTerminal = `state IN ('detected', 'validated', 'submitted')`

// LedgerStore implements domain.LedgerStore on SQLite.
type LedgerStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway ledger.
func Open(path string) (*LedgerStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	// SQLite is single-writer; one connection also keeps :memory: alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &LedgerStore{db: db}, nil
}

// Close closes the database.
func (s *LedgerStore) Close() error {
	return s.db.Close()
}

// Reserve inserts the attempt and its opening transitions in one transaction.
func (s *LedgerStore) Reserve(ctx context.Context, a domain.TradeAttempt) error {
	if err := ledger.CheckReservable(a); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: reserve %s: begin: %w", a.ID, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO trade_attempts (`+attemptCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OpportunityID, a.PoolAddress, a.TokenIn, a.TokenOut, string(a.Direction), a.Origin,
		a.AmountIn, a.ExpectedAmountOut, a.MinAmountOut, a.ExpectedProfit, a.ReferencePrice,
		a.SlippageBps, string(a.State), a.ExternalRef, a.RealizedAmountOut, a.RealizedProfit, a.Reason,
		nanos(a.DetectedAt), nanos(a.CreatedAt), optNanos(a.SubmittedAt), nanos(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: reserve %s: %w", a.ID, classifyInsert(err))
	}
	for _, t := range a.OpeningTransitions() {
		if err := insertTransition(ctx, tx, t); err != nil {
			return fmt.Errorf("sqlite: reserve %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: reserve %s: commit: %w", a.ID, err)
	}
	return nil
}

// classifyInsert maps unique constraint failures to domain errors.
func classifyInsert(err error) error {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return err
	}
	if strings.Contains(msg, "trade_attempts.pool_address") {
		return domain.ErrPoolLocked
	}
	return domain.Invalid("id", "duplicate attempt id")
}

// Append applies t inside a transaction and records it.
func (s *LedgerStore) Append(ctx context.Context, t domain.Transition) (domain.TradeAttempt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("sqlite: append %s: begin: %w", t.AttemptID, err)
	}
	defer tx.Rollback()

	a, err := scanAttempt(tx.QueryRowContext(ctx,
		`SELECT `+attemptCols+` FROM trade_attempts WHERE id = ?`, t.AttemptID))
	if err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("sqlite: append %s: %w", t.AttemptID, notFound(err))
	}
	t.From = a.State
	t.PoolAddress = a.PoolAddress
	if t.At.IsZero() {
		t.At = time.Now()
	}
	if err := a.Apply(t); err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("sqlite: append %s: %w", t.AttemptID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE trade_attempts SET
			state = ?, external_ref = ?, realized_amount_out = ?, realized_profit = ?,
			reason = ?, submitted_at = ?, updated_at = ?
		WHERE id = ?`,
		string(a.State), a.ExternalRef, a.RealizedAmountOut, a.RealizedProfit,
		a.Reason, optNanos(a.SubmittedAt), nanos(a.UpdatedAt), a.ID,
	); err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("sqlite: append %s: update: %w", t.AttemptID, err)
	}
	if err := insertTransition(ctx, tx, t); err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("sqlite: append %s: %w", t.AttemptID, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("sqlite: append %s: commit: %w", t.AttemptID, err)
	}
	return a, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, t domain.Transition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trade_transitions (
			attempt_id, pool_address, from_state, to_state, reason,
			external_ref, realized_amount_out, realized_profit, at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.AttemptID, t.PoolAddress, string(t.From), string(t.To), t.Reason,
		t.ExternalRef, t.RealizedAmountOut, t.RealizedProfit, nanos(t.At),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Get returns one attempt by id.
func (s *LedgerStore) Get(ctx context.Context, id string) (domain.TradeAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptCols+` FROM trade_attempts WHERE id = ?`, id))
	if err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("sqlite: get attempt %s: %w", id, notFound(err))
	}
	return a, nil
}

// History returns the transitions of an attempt in append order.
func (s *LedgerStore) History(ctx context.Context, id string) ([]domain.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_id, pool_address, from_state, to_state, reason,
		       external_ref, realized_amount_out, realized_profit, at
		FROM trade_transitions WHERE attempt_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: history %s: %w", id, err)
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var (
			t        domain.Transition
			from, to string
			at       int64
		)
		if err := rows.Scan(&t.AttemptID, &t.PoolAddress, &from, &to, &t.Reason,
			&t.ExternalRef, &t.RealizedAmountOut, &t.RealizedProfit, &at); err != nil {
			return nil, fmt.Errorf("sqlite: scan transition: %w", err)
		}
		t.From, t.To = domain.AttemptState(from), domain.AttemptState(to)
		t.At = fromNanos(at)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: history %s: %w", id, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("sqlite: history %s: %w", id, domain.ErrNotFound)
	}
	return out, nil
}

// List returns attempts matching f, most recently created first.
func (s *LedgerStore) List(ctx context.Context, f domain.LedgerFilter) ([]domain.TradeAttempt, error) {
	var (
		where []string
		args  []any
	)
	if f.PoolAddress != "" {
		where = append(where, "pool_address = ?")
		args = append(args, f.PoolAddress)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if !f.UpdatedSince.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, nanos(f.UpdatedSince))
	}
	query := `SELECT ` + attemptCols + ` FROM trade_attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryAttempts(ctx, "list", query, args...)
}

// InFlight returns the non-terminal attempt for pool.
func (s *LedgerStore) InFlight(ctx context.Context, pool string) (domain.TradeAttempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptCols+` FROM trade_attempts WHERE pool_address = ? AND `+nonTerminal, pool))
	if err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("sqlite: in-flight %s: %w", pool, notFound(err))
	}
	return a, nil
}

// NonTerminal returns every attempt not yet in a terminal state, oldest first.
func (s *LedgerStore) NonTerminal(ctx context.Context) ([]domain.TradeAttempt, error) {
	return s.queryAttempts(ctx, "non-terminal",
		`SELECT `+attemptCols+` FROM trade_attempts WHERE `+nonTerminal+` ORDER BY created_at`)
}

func (s *LedgerStore) queryAttempts(ctx context.Context, op, query string, args ...any) ([]domain.TradeAttempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.TradeAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %s: scan: %w", op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: %s: %w", op, err)
	}
	return out, nil
}

func scanAttempt(scanner interface{ Scan(dest ...any) error }) (domain.TradeAttempt, error) {
	var (
		a                                domain.TradeAttempt
		direction, state                 string
		detectedAt, createdAt, updatedAt int64
		submittedAt                      sql.NullInt64
	)
	err := scanner.Scan(
		&a.ID, &a.OpportunityID, &a.PoolAddress, &a.TokenIn, &a.TokenOut, &direction, &a.Origin,
		&a.AmountIn, &a.ExpectedAmountOut, &a.MinAmountOut, &a.ExpectedProfit, &a.ReferencePrice,
		&a.SlippageBps, &state, &a.ExternalRef, &a.RealizedAmountOut, &a.RealizedProfit, &a.Reason,
		&detectedAt, &createdAt, &submittedAt, &updatedAt,
	)
	if err != nil {
		return domain.TradeAttempt{}, err
	}
	a.Direction = domain.Direction(direction)
	a.State = domain.AttemptState(state)
	a.DetectedAt = fromNanos(detectedAt)
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	if submittedAt.Valid {
		ts := fromNanos(submittedAt.Int64)
		a.SubmittedAt = &ts
	}
	return a, nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func optNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
