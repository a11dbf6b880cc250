// Package notify delivers escrow events to the parties' notification channel.
// Delivery itself is external; sinks only hand events off.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	id "escrow/pkg/domain"
)

type EventType string

const (
	MilestoneAwaitingApproval EventType = "MilestoneAwaitingApproval"
	BalanceLow                EventType = "BalanceLow"
	BalanceCritical           EventType = "BalanceCritical"
	PaymentCompleted          EventType = "PaymentCompleted"
)

// Event is one notification. Subject names the entity it is about, such as an
// approval or payment ID.
type Event struct {
	ID         string        `json:"id"`
	Type       EventType     `json:"type"`
	ContractID id.ContractID `json:"contract_id"`
	Subject    string        `json:"subject,omitempty"`
	Amount     *id.Money     `json:"amount,omitempty"`
	Message    string        `json:"message"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// NewEvent fills in the ID.
func NewEvent(t EventType, contractID id.ContractID, subject, message string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       t,
		ContractID: contractID,
		Subject:    subject,
		Message:    message,
		OccurredAt: at,
	}
}

func (e Event) WithAmount(m id.Money) Event {
	e.Amount = &m
	return e
}

type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// MemorySink records events for tests and local runs.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Notify(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

// Events returns a copy of what was recorded.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfType filters recorded events.
func (s *MemorySink) OfType(t EventType) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// LogSink writes events to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(ctx context.Context, e Event) error {
	attrs := []any{
		"event_id", e.ID,
		"event_type", e.Type,
		"contract_id", e.ContractID,
		"subject", e.Subject,
		"message", e.Message,
	}
	if e.Amount != nil {
		attrs = append(attrs, "amount", e.Amount.String())
	}
	s.logger.InfoContext(ctx, "notification", attrs...)
	return nil
}

// Multi fans out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
