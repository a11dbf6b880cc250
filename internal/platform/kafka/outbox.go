package kafka

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	txcontext "escrow/pkg/platform/tx"
)

// Producer is the subset of *kgo.Client the relay needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// OutboxRelay publishes rows written to the outbox table to Kafka, marking each
// batch published in the same transaction that locked it. Delivery is
// at-least-once; consumers dedupe on the event id in the payload.
type OutboxRelay struct {
	db        *sql.DB
	producer  Producer
	topic     string
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

// NewOutboxRelay constructs a relay. interval is the idle poll period.
func NewOutboxRelay(db *sql.DB, producer Producer, topic string, interval time.Duration, logger *slog.Logger) *OutboxRelay {
	if interval <= 0 {
		interval = time.Second
	}
	return &OutboxRelay{
		db:        db,
		producer:  producer,
		topic:     topic,
		batchSize: 100,
		interval:  interval,
		logger:    logger,
	}
}

// Run relays until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "outbox relay failed", "error", err)
		}
		if n == r.batchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RelayOnce publishes one batch and returns how many rows it published.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	published := 0
	err := txcontext.Run(ctx, r.db, func(ctx context.Context) error {
		tx, _ := txcontext.From(ctx)
		rows, err := tx.QueryContext(ctx, `
			SELECT id, aggregate_id, event_type, payload
			FROM outbox
			WHERE published_at IS NULL
			ORDER BY seq
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		`, r.batchSize)
		if err != nil {
			return fmt.Errorf("select outbox batch: %w", err)
		}

		var ids []string
		var records []*kgo.Record
		for rows.Next() {
			var id, key, eventType string
			var payload []byte
			if err := rows.Scan(&id, &key, &eventType, &payload); err != nil {
				rows.Close()
				return fmt.Errorf("scan outbox row: %w", err)
			}
			ids = append(ids, id)
			records = append(records, &kgo.Record{
				Topic: r.topic,
				Key:   []byte(key),
				Value: payload,
				Headers: []kgo.RecordHeader{
					{Key: "event_type", Value: []byte(eventType)},
					{Key: "event_id", Value: []byte(id)},
				},
			})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate outbox rows: %w", err)
		}
		if len(records) == 0 {
			return nil
		}

		if err := r.producer.ProduceSync(ctx, records...).FirstErr(); err != nil {
			return fmt.Errorf("produce outbox batch: %w", err)
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE outbox SET published_at = now() WHERE id = $1`, id); err != nil {
				return fmt.Errorf("mark outbox row published: %w", err)
			}
		}
		published = len(ids)
		return nil
	})
	return published, err
}
