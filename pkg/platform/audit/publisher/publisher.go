// Package publisher emits non-compliance audit events, synchronously or through a
// bounded async buffer drained by a single goroutine.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	id "escrow/pkg/domain"
	audit "escrow/pkg/platform/audit"
)

// ErrBufferFull is returned by Emit in async mode when the buffer has no room.
var ErrBufferFull = errors.New("audit buffer full")

// ErrClosed is returned by Emit after Close.
var ErrClosed = errors.New("audit publisher closed")

type Publisher struct {
	store  audit.Store
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	buffer chan audit.Event
	done   chan struct{}
}

type Option func(*Publisher)

// WithAsyncBuffer switches the publisher to async mode with a buffer of n events.
func WithAsyncBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.buffer = make(chan audit.Event, n)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.Default(), done: make(chan struct{})}
	for _, opt := range opts {
		opt(p)
	}
	if p.buffer != nil {
		go p.drain()
	} else {
		close(p.done)
	}
	return p
}

// Emit records an event. In async mode a full buffer drops the event and returns
// ErrBufferFull; a cancelled ctx returns ctx.Err().
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if p.buffer == nil {
		return p.store.Append(ctx, event)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.buffer <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

// List returns the events recorded for a contract.
func (p *Publisher) List(ctx context.Context, contractID id.ContractID) ([]audit.Event, error) {
	return p.store.ListByContract(ctx, contractID)
}

// Close stops accepting events and blocks until the buffer is drained.
func (p *Publisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		if p.buffer != nil {
			close(p.buffer)
		}
	}
	p.mu.Unlock()
	<-p.done
}

func (p *Publisher) drain() {
	defer close(p.done)
	for event := range p.buffer {
		if err := p.store.Append(context.Background(), event); err != nil {
			p.logger.Error("failed to persist audit event",
				"action", event.Action,
				"contract_id", event.ContractID,
				"error", err,
			)
		}
	}
}
