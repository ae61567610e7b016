package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/poolsniper/internal/domain"
	"github.com/alanyoungcy/poolsniper/internal/ledger"
)

const (
	uniqueViolation = "23505"
	inFlightIndex   = "trade_attempts_in_flight"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL. The partial
// unique index on pool_address enforces one in-flight attempt per pool
// across processes.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a LedgerStore backed by the given connection pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

const attemptCols = `id, opportunity_id, pool_address, token_in, token_out, direction, origin,
	amount_in, expected_amount_out, min_amount_out, expected_profit, reference_price,
	slippage_bps, state, external_ref, realized_amount_out, realized_profit, reason,
	detected_at, created_at, submitted_at, updated_at`

// Reserve inserts the attempt and its opening transitions in one transaction.
func (s *LedgerStore) Reserve(ctx context.Context, a domain.TradeAttempt) error {
	if err := ledger.CheckReservable(a); err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: reserve %s: begin: %w", a.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO trade_attempts (`+attemptCols+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22
		)`,
		a.ID, a.OpportunityID, a.PoolAddress, a.TokenIn, a.TokenOut, string(a.Direction), a.Origin,
		a.AmountIn, a.ExpectedAmountOut, a.MinAmountOut, a.ExpectedProfit, a.ReferencePrice,
		a.SlippageBps, string(a.State), a.ExternalRef, a.RealizedAmountOut, a.RealizedProfit, a.Reason,
		a.DetectedAt, a.CreatedAt, a.SubmittedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: reserve %s: %w", a.ID, classifyInsert(err))
	}
	for _, t := range a.OpeningTransitions() {
		if err := insertTransition(ctx, tx, t); err != nil {
			return fmt.Errorf("postgres: reserve %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: reserve %s: commit: %w", a.ID, err)
	}
	return nil
}

// classifyInsert maps unique violations to domain errors.
func classifyInsert(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	if pgErr.ConstraintName == inFlightIndex {
		return domain.ErrPoolLocked
	}
	return domain.Invalid("id", "duplicate attempt id")
}

// Append applies t under a row lock and records it.
func (s *LedgerStore) Append(ctx context.Context, t domain.Transition) (domain.TradeAttempt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("postgres: append %s: begin: %w", t.AttemptID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	a, err := scanAttempt(tx.QueryRow(ctx,
		`SELECT `+attemptCols+` FROM trade_attempts WHERE id = $1 FOR UPDATE`, t.AttemptID))
	if err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("postgres: append %s: %w", t.AttemptID, notFound(err))
	}
	t.From = a.State
	t.PoolAddress = a.PoolAddress
	if t.At.IsZero() {
		t.At = time.Now()
	}
	if err := a.Apply(t); err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("postgres: append %s: %w", t.AttemptID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE trade_attempts SET
			state = $2, external_ref = $3, realized_amount_out = $4, realized_profit = $5,
			reason = $6, submitted_at = $7, updated_at = $8
		WHERE id = $1`,
		a.ID, string(a.State), a.ExternalRef, a.RealizedAmountOut, a.RealizedProfit,
		a.Reason, a.SubmittedAt, a.UpdatedAt,
	)
	if err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("postgres: append %s: update: %w", t.AttemptID, err)
	}
	if err := insertTransition(ctx, tx, t); err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("postgres: append %s: %w", t.AttemptID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("postgres: append %s: commit: %w", t.AttemptID, err)
	}
	return a, nil
}

func insertTransition(ctx context.Context, tx pgx.Tx, t domain.Transition) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO trade_transitions (
			attempt_id, pool_address, from_state, to_state, reason,
			external_ref, realized_amount_out, realized_profit, at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.AttemptID, t.PoolAddress, string(t.From), string(t.To), t.Reason,
		t.ExternalRef, t.RealizedAmountOut, t.RealizedProfit, t.At,
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Get returns one attempt by id.
func (s *LedgerStore) Get(ctx context.Context, id string) (domain.TradeAttempt, error) {
	a, err := scanAttempt(s.pool.QueryRow(ctx,
		`SELECT `+attemptCols+` FROM trade_attempts WHERE id = $1`, id))
	if err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("postgres: get attempt %s: %w", id, notFound(err))
	}
	return a, nil
}

// History returns the transitions of an attempt in append order.
func (s *LedgerStore) History(ctx context.Context, id string) ([]domain.Transition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT attempt_id, pool_address, from_state, to_state, reason,
		       external_ref, realized_amount_out, realized_profit, at
		FROM trade_transitions WHERE attempt_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: history %s: %w", id, err)
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var from, to string
		if err := rows.Scan(&t.AttemptID, &t.PoolAddress, &from, &to, &t.Reason,
			&t.ExternalRef, &t.RealizedAmountOut, &t.RealizedProfit, &t.At); err != nil {
			return nil, fmt.Errorf("postgres: scan transition: %w", err)
		}
		t.From, t.To = domain.AttemptState(from), domain.AttemptState(to)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: history %s: %w", id, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("postgres: history %s: %w", id, domain.ErrNotFound)
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
		args = append(args, f.PoolAddress)
		where = append(where, fmt.Sprintf("pool_address = $%d", len(args)))
	}
	if f.State != "" {
		args = append(args, string(f.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if !f.UpdatedSince.IsZero() {
		args = append(args, f.UpdatedSince)
		where = append(where, fmt.Sprintf("updated_at >= $%d", len(args)))
	}
	query := `SELECT ` + attemptCols + ` FROM trade_attempts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryAttempts(ctx, "list", query, args...)
}

// InFlight returns the non-terminal attempt for pool.
func (s *LedgerStore) InFlight(ctx context.Context, pool string) (domain.TradeAttempt, error) {
	a, err := scanAttempt(s.pool.QueryRow(ctx,
		`SELECT `+attemptCols+` FROM trade_attempts
		 WHERE pool_address = $1 AND state IN ('detected', 'validated', 'submitted')`, pool))
	if err != nil {
		return domain.TradeAttempt{}, fmt.Errorf("postgres: in-flight %s: %w", pool, notFound(err))
	}
	return a, nil
}

// NonTerminal returns every attempt not yet in a terminal state, oldest first.
func (s *LedgerStore) NonTerminal(ctx context.Context) ([]domain.TradeAttempt, error) {
	return s.queryAttempts(ctx, "non-terminal", `SELECT `+attemptCols+` FROM trade_attempts
		WHERE state IN ('detected', 'validated', 'submitted') ORDER BY created_at`)
}

func (s *LedgerStore) queryAttempts(ctx context.Context, op, query string, args ...any) ([]domain.TradeAttempt, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.TradeAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return out, nil
}

func scanAttempt(scanner interface{ Scan(dest ...any) error }) (domain.TradeAttempt, error) {
	var a domain.TradeAttempt
	var direction, state string
	err := scanner.Scan(
		&a.ID, &a.OpportunityID, &a.PoolAddress, &a.TokenIn, &a.TokenOut, &direction, &a.Origin,
		&a.AmountIn, &a.ExpectedAmountOut, &a.MinAmountOut, &a.ExpectedProfit, &a.ReferencePrice,
		&a.SlippageBps, &state, &a.ExternalRef, &a.RealizedAmountOut, &a.RealizedProfit, &a.Reason,
		&a.DetectedAt, &a.CreatedAt, &a.SubmittedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.TradeAttempt{}, err
	}
	a.Direction = domain.Direction(direction)
	a.State = domain.AttemptState(state)
	return a, nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}
