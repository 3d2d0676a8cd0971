package store

import (
	"context"
	"fmt"
)

// Schema is the DDL for the prices table. The compound unique index backs
// insert idempotency; the descending index keeps straddling lookups on an
// index seek instead of a scan.
const Schema = `
CREATE TABLE IF NOT EXISTS prices (
    id          BIGSERIAL PRIMARY KEY,
    token       TEXT             NOT NULL,
    network     TEXT             NOT NULL,
    unix_ts     BIGINT           NOT NULL,
    iso_date    TEXT             NOT NULL,
    price       DOUBLE PRECISION NOT NULL CHECK (price >= 0),
    source      TEXT             NOT NULL CHECK (source IN ('upstream', 'interpolated')),
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 1.0 CHECK (confidence >= 0 AND confidence <= 1),
    created_at  TIMESTAMPTZ      NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ      NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS prices_token_network_ts_key
    ON prices (token, network, unix_ts);

CREATE INDEX IF NOT EXISTS prices_token_network_ts_desc
    ON prices (token, network, unix_ts DESC);
`

// Migrate applies the schema. Safe to run repeatedly.
func (s *Postgres) Migrate(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
