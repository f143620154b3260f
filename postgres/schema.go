package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/md-rashed-zaman/eventbus/libs/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id             UUID PRIMARY KEY,
	aggregate_id   TEXT NOT NULL,
	aggregate_type TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	event_version  INT  NOT NULL CHECK (event_version > 0),
	payload        JSONB NOT NULL,
	metadata       JSONB NOT NULL DEFAULT '{}',
	timestamp      TIMESTAMPTZ NOT NULL DEFAULT now(),
	caused_by      UUID,
	correlation_id TEXT NOT NULL,
	tenant_id      TEXT,
	UNIQUE (aggregate_id, event_version)
);

CREATE INDEX IF NOT EXISTS events_aggregate_idx
	ON events (aggregate_id, event_version);
CREATE INDEX IF NOT EXISTS events_correlation_idx
	ON events (correlation_id, timestamp);
CREATE INDEX IF NOT EXISTS events_timestamp_idx
	ON events (timestamp);

CREATE TABLE IF NOT EXISTS event_outbox (
	id            UUID PRIMARY KEY,
	event_id      UUID NOT NULL REFERENCES events (id),
	destination   TEXT NOT NULL DEFAULT 'default',
	status        TEXT NOT NULL DEFAULT 'pending',
	attempts      INT  NOT NULL DEFAULT 0,
	max_attempts  INT  NOT NULL DEFAULT 3,
	next_retry_at TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	error         TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS event_outbox_pending_idx
	ON event_outbox (created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS event_outbox_retry_idx
	ON event_outbox (next_retry_at) WHERE status = 'failed';

CREATE TABLE IF NOT EXISTS event_processing_log (
	event_id     UUID NOT NULL,
	handler_type TEXT NOT NULL,
	success      BOOLEAN NOT NULL,
	error        TEXT,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS event_processing_log_success_idx
	ON event_processing_log (event_id, handler_type) WHERE success;
`

// EnsureSchema creates the three bus tables if they do not exist yet.
// The simple protocol allows the multi-statement DDL batch.
func EnsureSchema(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, schema, pgx.QueryExecModeSimpleProtocol)
	return err
}
