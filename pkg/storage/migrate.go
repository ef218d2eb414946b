package storage

import (
	"context"
	"fmt"
)

// Schema statements are idempotent and run in order. A dedicated
// migration framework is overkill for a single-service schema; this
// mirrors how the tables are described in the data model.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS servers (
		server_id  TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_links (
		id              UUID PRIMARY KEY,
		server_id       TEXT NOT NULL REFERENCES servers(server_id) ON DELETE CASCADE,
		member_id       TEXT NOT NULL,
		wallet_pubkey   TEXT NOT NULL,
		verified_at     TIMESTAMPTZ NOT NULL,
		last_checked_at TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (server_id, member_id)
	)`,
	`CREATE TABLE IF NOT EXISTS verify_sessions (
		id                UUID PRIMARY KEY,
		server_id         TEXT NOT NULL,
		member_id         TEXT NOT NULL,
		nonce             TEXT NOT NULL UNIQUE,
		challenge_message TEXT NOT NULL,
		expires_at        TIMESTAMPTZ NOT NULL,
		used_at           TIMESTAMPTZ,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS gating_rules (
		id                 UUID PRIMARY KEY,
		server_id          TEXT NOT NULL REFERENCES servers(server_id) ON DELETE CASCADE,
		role_id            TEXT NOT NULL,
		enabled            BOOLEAN NOT NULL DEFAULT TRUE,
		kind               TEXT NOT NULL,
		mint               TEXT,
		threshold_amount   NUMERIC(38,12),
		threshold_usd      NUMERIC(38,12),
		price_source       TEXT,
		price_asset_id     TEXT,
		collection_address TEXT,
		threshold_count    BIGINT,
		created_by         TEXT NOT NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS gating_rules_server_enabled
		ON gating_rules (server_id) WHERE enabled`,
	`CREATE TABLE IF NOT EXISTS audit_entries (
		id        UUID PRIMARY KEY,
		at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		server_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		rule_id   UUID,
		role_id   TEXT NOT NULL,
		action    TEXT NOT NULL,
		reason    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_entries_server_at
		ON audit_entries (server_id, at DESC)`,
	`CREATE INDEX IF NOT EXISTS audit_entries_at ON audit_entries (at)`,
	`CREATE TABLE IF NOT EXISTS price_quotes (
		asset_id   TEXT PRIMARY KEY,
		price_usd  NUMERIC(38,12) NOT NULL,
		fetched_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_states (
		state         TEXT PRIMARY KEY,
		nonce         TEXT NOT NULL,
		redirect_path TEXT NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL,
		used_at       TIMESTAMPTZ
	)`,
}

// Migrate applies the schema. Safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
