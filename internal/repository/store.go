package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/ayo6706/arena-settlement/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DBTX is the subset of pgx shared by pools and transactions.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists payout records in PostgreSQL.
type PostgresStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewPostgresStore creates a store wrapper around a pgx connection pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// WithClock overrides the timestamp source.
func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

// RunInTx executes fn within a database transaction.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx DBTX) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

const payoutColumns = `id, idempotency_key, state, payee_address, amount::text, asset, unsigned_payload,
	signed_payload, network_reference, failure_reason, attempt_count, version, created_at, updated_at, submitted_at`

func (s *PostgresStore) Create(ctx context.Context, p *models.PayoutTransaction) (*models.PayoutTransaction, bool, error) {
	rec := p.Clone()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := s.now().UTC()
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	var (
		out     *models.PayoutTransaction
		created bool
	)
	err := s.RunInTx(ctx, func(tx DBTX) error {
		row := tx.QueryRow(ctx, `
INSERT INTO payout_transactions (
	id, idempotency_key, state, payee_address, amount, asset, unsigned_payload,
	signed_payload, network_reference, failure_reason, attempt_count, version, created_at, updated_at, submitted_at
) VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING `+payoutColumns,
			rec.ID, rec.IdempotencyKey, string(rec.State), rec.PayeeAddress, rec.Amount.String(), rec.Asset, rec.UnsignedPayload,
			rec.SignedPayload, rec.NetworkReference, rec.FailureReason, rec.AttemptCount, rec.Version, rec.CreatedAt, rec.UpdatedAt, rec.SubmittedAt,
		)
		inserted, err := scanPayout(row)
		if errors.Is(err, pgx.ErrNoRows) {
			existing, getErr := scanPayout(tx.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payout_transactions WHERE idempotency_key = $1`, rec.IdempotencyKey))
			if getErr != nil {
				return fmt.Errorf("load payout by idempotency key: %w", getErr)
			}
			out = existing
			return nil
		}
		if err != nil {
			return fmt.Errorf("insert payout: %w", err)
		}
		if err := insertTransition(ctx, tx, inserted.ID, "", inserted.State, inserted.Version, "", now); err != nil {
			return err
		}
		out, created = inserted, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*models.PayoutTransaction, error) {
	return getByID(ctx, s.db, id, false)
}

func (s *PostgresStore) ListByState(ctx context.Context, state domain.State, opts ListOptions) ([]*models.PayoutTransaction, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_transactions WHERE state = $1`
	args := []any{string(state)}
	if !opts.UpdatedBefore.IsZero() {
		args = append(args, opts.UpdatedBefore.UTC())
		query += fmt.Sprintf(` AND updated_at <= $%d`, len(args))
	}
	if opts.After != nil {
		args = append(args, opts.After.UpdatedAt.UTC(), opts.After.ID)
		query += fmt.Sprintf(` AND (updated_at, id) > ($%d, $%d)`, len(args)-1, len(args))
	}
	query += fmt.Sprintf(` ORDER BY updated_at ASC, id ASC LIMIT %d`, opts.limit())

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payouts by state: %w", err)
	}
	defer rows.Close()

	var out []*models.PayoutTransaction
	for rows.Next() {
		rec, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CompareAndUpdate(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate Mutation) (*models.PayoutTransaction, error) {
	var out *models.PayoutTransaction
	err := s.RunInTx(ctx, func(tx DBTX) error {
		current, err := getByID(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return fmt.Errorf("%w: expected version %d, found %d", domain.ErrVersionConflict, expectedVersion, current.Version)
		}

		next, err := applyMutation(current, mutate, s.now().UTC())
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
UPDATE payout_transactions
SET state = $3, signed_payload = $4, network_reference = $5, failure_reason = $6,
	attempt_count = $7, version = $8, updated_at = $9, submitted_at = $10
WHERE id = $1 AND version = $2`,
			id, expectedVersion, string(next.State), next.SignedPayload, next.NetworkReference, next.FailureReason,
			next.AttemptCount, next.Version, next.UpdatedAt, next.SubmittedAt,
		)
		if err != nil {
			return fmt.Errorf("update payout: %w", err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: payout %s changed concurrently", domain.ErrVersionConflict, id)
		}

		if next.State != current.State {
			if err := insertTransition(ctx, tx, id, current.State, next.State, next.Version, transitionReason(next), next.UpdatedAt); err != nil {
				return err
			}
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) CountByState(ctx context.Context) ([]models.StateCount, error) {
	rows, err := s.db.Query(ctx, `SELECT state, COUNT(*) FROM payout_transactions GROUP BY state ORDER BY state`)
	if err != nil {
		return nil, fmt.Errorf("count payouts by state: %w", err)
	}
	defer rows.Close()

	var out []models.StateCount
	for rows.Next() {
		var (
			state string
			count int64
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		out = append(out, models.StateCount{State: domain.State(state), Count: count})
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTransitions(ctx context.Context, id uuid.UUID) ([]models.PayoutTransition, error) {
	if _, err := s.GetByID(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
SELECT id, payout_id, from_state, to_state, version, COALESCE(reason, ''), created_at
FROM payout_transitions WHERE payout_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list payout transitions: %w", err)
	}
	defer rows.Close()

	var out []models.PayoutTransition
	for rows.Next() {
		var (
			t        models.PayoutTransition
			from, to string
		)
		if err := rows.Scan(&t.ID, &t.PayoutID, &from, &to, &t.Version, &t.Reason, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payout transition: %w", err)
		}
		t.FromState, t.ToState = domain.State(from), domain.State(to)
		out = append(out, t)
	}
	return out, rows.Err()
}

func getByID(ctx context.Context, q DBTX, id uuid.UUID, forUpdate bool) (*models.PayoutTransaction, error) {
	query := `SELECT ` + payoutColumns + ` FROM payout_transactions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rec, err := scanPayout(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payout: %w", err)
	}
	return rec, nil
}

func insertTransition(ctx context.Context, q DBTX, id uuid.UUID, from, to domain.State, version int64, reason string, at time.Time) error {
	var reasonParam *string
	if reason != "" {
		reasonParam = &reason
	}
	if _, err := q.Exec(ctx, `
INSERT INTO payout_transitions (payout_id, from_state, to_state, version, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, id, string(from), string(to), version, reasonParam, at); err != nil {
		return fmt.Errorf("insert payout transition: %w", err)
	}
	return nil
}

func scanPayout(row pgx.Row) (*models.PayoutTransaction, error) {
	var (
		p      models.PayoutTransaction
		state  string
		amount string
	)
	if err := row.Scan(
		&p.ID, &p.IdempotencyKey, &state, &p.PayeeAddress, &amount, &p.Asset, &p.UnsignedPayload,
		&p.SignedPayload, &p.NetworkReference, &p.FailureReason, &p.AttemptCount, &p.Version,
		&p.CreatedAt, &p.UpdatedAt, &p.SubmittedAt,
	); err != nil {
		return nil, err
	}
	parsed, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", amount, err)
	}
	p.State = domain.State(state)
	p.Amount = parsed
	return &p, nil
}
