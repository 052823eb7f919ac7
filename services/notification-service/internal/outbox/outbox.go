package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"

	"github.com/pawdesk/pawdesk/libs/db"
	"github.com/pawdesk/pawdesk/libs/kafkax"
	"github.com/pawdesk/pawdesk/libs/otelx"
)

const (
	EventNotificationSent   = "notification.sent.v1"
	EventNotificationFailed = "notification.failed.v1"
)

type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, traceparent, tracestate)
	return err
}

// Publisher drains unpublished events to Kafka, topic per event type.
type Publisher struct {
	pool      *db.Pool
	logger    *slog.Logger
	brokers   []string
	pollEvery time.Duration
	batchSize int
}

func NewPublisher(pool *db.Pool, logger *slog.Logger, brokers string) *Publisher {
	return &Publisher{
		pool:      pool,
		logger:    logger,
		brokers:   kafkax.SplitBrokers(brokers),
		pollEvery: 2 * time.Second,
		batchSize: 50,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	if len(p.brokers) == 0 {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  p.brokers,
		Balancer: &kafka.Hash{},
	})
	defer writer.Close()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.publishBatch(ctx, writer); err != nil {
				p.logger.Error("outbox publish failed", "err", err)
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context, writer *kafka.Writer) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, event_id, aggregate_id, event_type, payload, traceparent, tracestate
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, p.batchSize)
	if err != nil {
		return err
	}

	type record struct {
		id          int64
		eventID     string
		aggregateID string
		eventType   string
		payload     []byte
		traceparent string
		tracestate  string
	}
	var records []record
	for rows.Next() {
		var rcd record
		if err := rows.Scan(&rcd.id, &rcd.eventID, &rcd.aggregateID, &rcd.eventType, &rcd.payload, &rcd.traceparent, &rcd.tracestate); err != nil {
			rows.Close()
			return err
		}
		records = append(records, rcd)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(records) == 0 {
		return tx.Commit(ctx)
	}

	var published []int64
	for _, rcd := range records {
		headers := []kafka.Header{
			{Key: "event_id", Value: []byte(rcd.eventID)},
			{Key: "event_type", Value: []byte(rcd.eventType)},
		}
		if rcd.traceparent != "" {
			headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(rcd.traceparent)})
		}
		if rcd.tracestate != "" {
			headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(rcd.tracestate)})
		}
		err := writer.WriteMessages(ctx, kafka.Message{
			Topic:   rcd.eventType,
			Key:     []byte(rcd.aggregateID),
			Value:   rcd.payload,
			Headers: headers,
		})
		if err != nil {
			p.logger.Error("kafka write failed", "err", err, "event_type", rcd.eventType)
			break
		}
		published = append(published, rcd.id)
	}

	if len(published) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)
		`, published); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
