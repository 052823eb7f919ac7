package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pawdesk/pawdesk/libs/db"
	"github.com/pawdesk/pawdesk/services/notification-service/internal/outbox"
)

var ErrNoContact = errors.New("no contact on file")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS notifications (
		id             bigserial PRIMARY KEY,
		appointment_id text NOT NULL,
		client_id      text NOT NULL,
		channel        text NOT NULL,
		recipient      text NOT NULL,
		payload        jsonb NOT NULL DEFAULT '{}',
		status         text NOT NULL,
		created_at     timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_appointment ON notifications (appointment_id)`,

	`CREATE TABLE IF NOT EXISTS client_contacts (
		client_id  text PRIMARY KEY,
		email      text NOT NULL DEFAULT '',
		phone      text NOT NULL DEFAULT '',
		updated_at timestamptz NOT NULL DEFAULT now()
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

func Migrate(ctx context.Context, pool *db.Pool) error {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS pgcrypto`); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

type Notification struct {
	AppointmentID string
	ClientID      string
	Channel       string
	Recipient     string
	Payload       map[string]any
	Status        string
}

type Contact struct {
	ClientID string
	Email    string
	Phone    string
}

type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool, ob *outbox.Repository) *Repository {
	return &Repository{pool: pool, outbox: ob}
}

// RecordDelivery persists the delivery attempt and its outcome event in one
// transaction, so downstream consumers never see an event without its row.
func (r *Repository) RecordDelivery(ctx context.Context, n Notification, evt outbox.Event) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO notifications (appointment_id, client_id, channel, recipient, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.AppointmentID, n.ClientID, n.Channel, n.Recipient, payload, n.Status)
	if err != nil {
		return err
	}

	if err := r.outbox.Insert(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpsertContact applies a directory event; newest updated_at wins.
func (r *Repository) UpsertContact(ctx context.Context, c Contact, updatedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO client_contacts (client_id, email, phone, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id) DO UPDATE
		SET email = EXCLUDED.email,
		    phone = EXCLUDED.phone,
		    updated_at = EXCLUDED.updated_at
		WHERE client_contacts.updated_at < EXCLUDED.updated_at
	`, c.ClientID, c.Email, c.Phone, updatedAt)
	return err
}

func (r *Repository) ContactFor(ctx context.Context, clientID string) (Contact, error) {
	var c Contact
	err := r.pool.QueryRow(ctx, `
		SELECT client_id, email, phone
		FROM client_contacts
		WHERE client_id = $1
	`, clientID).Scan(&c.ClientID, &c.Email, &c.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return Contact{}, fmt.Errorf("client %s: %w", clientID, ErrNoContact)
	}
	return c, err
}
