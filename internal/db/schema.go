package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS payout_transactions (
	id UUID PRIMARY KEY,
	idempotency_key TEXT NOT NULL UNIQUE,
	state TEXT NOT NULL,
	payee_address TEXT NOT NULL,
	amount NUMERIC(38, 7) NOT NULL CHECK (amount > 0),
	asset TEXT NOT NULL,
	unsigned_payload TEXT NOT NULL,
	signed_payload TEXT,
	network_reference TEXT,
	failure_reason TEXT,
	attempt_count INTEGER NOT NULL DEFAULT 0 CHECK (attempt_count >= 0),
	version BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	submitted_at TIMESTAMPTZ,
	CHECK (network_reference IS NULL OR signed_payload IS NOT NULL)
)`,
	`CREATE INDEX IF NOT EXISTS idx_payout_transactions_state_updated
	ON payout_transactions (state, updated_at)`,
	`CREATE TABLE IF NOT EXISTS payout_transitions (
	id BIGSERIAL PRIMARY KEY,
	payout_id UUID NOT NULL REFERENCES payout_transactions (id),
	from_state TEXT NOT NULL,
	to_state TEXT NOT NULL,
	version BIGINT NOT NULL,
	reason TEXT,
	created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_payout_transitions_payout
	ON payout_transitions (payout_id, id)`,
}

// Migrate creates the payout tables when they do not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
