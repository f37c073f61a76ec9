// Package postgres provides a PostgreSQL-backed [sink.Store] that keeps one
// row per call in the calls table.
//
// All writes are single upsert statements, so a verdict or status arriving
// before the call row exists creates it. Each verdict replaces the stored
// metadata object, so it never mixes keys from earlier verdicts.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.SetVerdict(ctx, callID, sink.Update{Label: classifier.LabelMachine, …})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    id               TEXT              PRIMARY KEY,
    strategy         TEXT              NOT NULL DEFAULT '',
    amd_result       TEXT              NOT NULL DEFAULT '',
    confidence       DOUBLE PRECISION  NOT NULL DEFAULT 0,
    status           TEXT              NOT NULL DEFAULT '',
    duration_seconds INTEGER,
    metadata         JSONB             NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ       NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_calls_status ON calls (status);
CREATE INDEX IF NOT EXISTS idx_calls_amd_result ON calls (amd_result);
`

// Migrate creates the calls table and its indexes. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCalls); err != nil {
		return fmt.Errorf("postgres migrate: calls: %w", err)
	}
	return nil
}
