package storage

import (
	"context"
	"fmt"

	"github.com/pawdesk/pawdesk/libs/db"
)

// schema is applied at startup and is idempotent. The btree_gist-backed
// exclusion constraint on appointments is the single source of truth for
// "no two active appointments of one veterinarian overlap": concurrent
// inserts race to it and exactly one commits.
var schema = []string{
	`CREATE EXTENSION IF NOT EXISTS btree_gist`,
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,

	`CREATE TABLE IF NOT EXISTS veterinarians (
		id                 text PRIMARY KEY DEFAULT gen_random_uuid()::text,
		name               text NOT NULL,
		specialty          text,
		is_active          boolean NOT NULL DEFAULT true,
		slot_duration_mins integer NOT NULL DEFAULT 30,
		created_at         timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS working_hours (
		veterinarian_id text NOT NULL REFERENCES veterinarians(id),
		weekday         integer NOT NULL CHECK (weekday BETWEEN 0 AND 6),
		is_working      boolean NOT NULL DEFAULT true,
		start_minute    integer NOT NULL CHECK (start_minute >= 0 AND start_minute < 1440),
		end_minute      integer NOT NULL CHECK (end_minute > 0 AND end_minute <= 1440),
		PRIMARY KEY (veterinarian_id, weekday, start_minute),
		CHECK (start_minute < end_minute)
	)`,

	`CREATE TABLE IF NOT EXISTS appointment_types (
		id            text PRIMARY KEY,
		label         text NOT NULL,
		duration_mins integer NOT NULL CHECK (duration_mins > 0),
		price_cents   bigint NOT NULL DEFAULT 0,
		updated_at    timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS appointments (
		id              text PRIMARY KEY DEFAULT gen_random_uuid()::text,
		pet_id          text NOT NULL,
		client_id       text NOT NULL,
		veterinarian_id text REFERENCES veterinarians(id),
		scheduled_at    timestamptz NOT NULL,
		duration_mins   integer NOT NULL CHECK (duration_mins > 0),
		reason          text NOT NULL DEFAULT '',
		notes           text NOT NULL DEFAULT '',
		status          text NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'confirmed', 'completed', 'cancelled')),
		cancel_reason   text,
		cancelled_at    timestamptz,
		created_at      timestamptz NOT NULL DEFAULT now(),
		updated_at      timestamptz NOT NULL DEFAULT now(),
		CONSTRAINT appointments_no_active_overlap EXCLUDE USING gist (
			veterinarian_id WITH =,
			tstzrange(scheduled_at, scheduled_at + make_interval(mins => duration_mins)) WITH &&
		) WHERE (status IN ('pending', 'confirmed') AND veterinarian_id IS NOT NULL)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_vet_time ON appointments (veterinarian_id, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_client ON appointments (client_id, scheduled_at)`,

	`CREATE TABLE IF NOT EXISTS booking_idempotency_keys (
		key            text PRIMARY KEY,
		appointment_id text REFERENCES appointments(id),
		created_at     timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		id             bigserial PRIMARY KEY,
		event_id       text NOT NULL DEFAULT gen_random_uuid()::text,
		aggregate_type text NOT NULL,
		aggregate_id   text NOT NULL,
		event_type     text NOT NULL,
		payload        jsonb NOT NULL,
		traceparent    text NOT NULL DEFAULT '',
		tracestate     text NOT NULL DEFAULT '',
		created_at     timestamptz NOT NULL DEFAULT now(),
		published_at   timestamptz
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_unpublished ON outbox_events (id) WHERE published_at IS NULL`,

	`CREATE TABLE IF NOT EXISTS inbox_events (
		event_id    text PRIMARY KEY,
		event_type  text NOT NULL,
		received_at timestamptz NOT NULL DEFAULT now()
	)`,
}

// Migrate applies the schema. Every statement is safe to re-run.
func Migrate(ctx context.Context, pool *db.Pool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
