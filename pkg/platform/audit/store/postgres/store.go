package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	id "escrow/pkg/domain"
	audit "escrow/pkg/platform/audit"
	txcontext "escrow/pkg/platform/tx"
)

// Store implements audit.Store using the transactional outbox pattern.
// Events are written to the outbox table in the caller's transaction (when one is
// open) and published to Kafka by the outbox relay.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL audit store that writes to the outbox.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// outboxPayload is the JSON structure published to Kafka.
type outboxPayload struct {
	ID         string `json:"id"`
	Category   string `json:"category"`
	Timestamp  string `json:"timestamp"`
	ContractID string `json:"contract_id,omitempty"`
	Subject    string `json:"subject"`
	Action     string `json:"action"`
	Decision   string `json:"decision,omitempty"`
	Reason     string `json:"reason,omitempty"`
	AmountCent int64  `json:"amount_cents,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	ActorID    string `json:"actor_id,omitempty"`
	ActorRole  string `json:"actor_role,omitempty"`
}

// Append writes an audit event to the outbox table for Kafka publishing.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	eventID := uuid.New()
	category := audit.AuditEvent(event.Action).Category()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	payload := outboxPayload{
		ID:         eventID.String(),
		Category:   string(category),
		Timestamp:  event.Timestamp.UTC().Format(time.RFC3339Nano),
		Subject:    event.Subject,
		Action:     event.Action,
		Decision:   event.Decision,
		Reason:     event.Reason,
		AmountCent: int64(event.Amount),
		RequestID:  event.RequestID,
		ActorID:    event.ActorID,
		ActorRole:  event.ActorRole,
	}
	aggregateType := "audit"
	aggregateID := eventID.String()
	if !event.ContractID.IsNil() {
		payload.ContractID = event.ContractID.String()
		aggregateType = "contract"
		aggregateID = event.ContractID.String()
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	query := `
		INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = txcontext.Pick(ctx, s.db).ExecContext(ctx, query,
		eventID,
		aggregateType,
		aggregateID,
		event.Action,
		payloadBytes,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// ListByContract returns a contract's audit events in write order.
func (s *Store) ListByContract(ctx context.Context, contractID id.ContractID) ([]audit.Event, error) {
	query := `
		SELECT payload
		FROM outbox
		WHERE aggregate_type = 'contract' AND aggregate_id = $1
		ORDER BY created_at, seq
	`
	rows, err := s.db.QueryContext(ctx, query, contractID.String())
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		var p outboxPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode audit payload: %w", err)
		}
		ts, _ := time.Parse(time.RFC3339Nano, p.Timestamp)
		events = append(events, audit.Event{
			Category:   audit.EventCategory(p.Category),
			Timestamp:  ts,
			ContractID: contractID,
			Subject:    p.Subject,
			Action:     p.Action,
			Decision:   p.Decision,
			Reason:     p.Reason,
			Amount:     id.Money(p.AmountCent),
			RequestID:  p.RequestID,
			ActorID:    p.ActorID,
			ActorRole:  p.ActorRole,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
