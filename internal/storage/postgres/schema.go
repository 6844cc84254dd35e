package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_by TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS charges (
		id            UUID PRIMARY KEY,
		ref           TEXT NOT NULL UNIQUE,
		address       TEXT NOT NULL,
		amount        TEXT NOT NULL,
		chain_id      BIGINT NOT NULL,
		token_address TEXT NOT NULL,
		status        TEXT NOT NULL,
		tx_hash       TEXT,
		requested_by  TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS charge_events (
		id         BIGSERIAL PRIMARY KEY,
		type       TEXT NOT NULL,
		status     TEXT NOT NULL,
		actor      TEXT NOT NULL DEFAULT '',
		address    TEXT NOT NULL DEFAULT '',
		tx_hash    TEXT,
		charge_id  UUID,
		metadata   JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS charge_events_charge_id_idx ON charge_events (charge_id)`,
}

// EnsureSchema applies the table definitions. Every statement is idempotent,
// so running it on each deploy is safe.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
