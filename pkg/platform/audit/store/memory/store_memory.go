package memory

import (
	"context"
	"sync"

	id "escrow/pkg/domain"
	audit "escrow/pkg/platform/audit"
)

// InMemoryStore keeps audit events per contract in arrival order.
type InMemoryStore struct {
	mu     sync.RWMutex
	events map[id.ContractID][]audit.Event
	// failWith, when set, makes Append fail. Tests use it to check fail-closed paths.
	failWith error
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{events: make(map[id.ContractID][]audit.Event)}
}

// FailWith makes subsequent appends return err (nil restores normal behaviour).
func (s *InMemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *InMemoryStore) Append(_ context.Context, event audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	s.events[event.ContractID] = append(s.events[event.ContractID], event)
	return nil
}

func (s *InMemoryStore) ListByContract(_ context.Context, contractID id.ContractID) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Event{}, s.events[contractID]...), nil
}

// Actions returns the action names recorded for a contract, in order.
func (s *InMemoryStore) Actions(contractID id.ContractID) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.events[contractID]))
	for _, e := range s.events[contractID] {
		out = append(out, e.Action)
	}
	return out
}
