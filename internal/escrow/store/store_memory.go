package store

import (
	"context"
	"sync"

	"escrow/internal/escrow/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
)

// InMemoryStore holds the last alerted level and the cached balance per account.
type InMemoryStore struct {
	mu       sync.Mutex
	alerts   map[id.ContractID]models.Level
	balances map[id.ContractID]models.CachedBalance
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		alerts:   make(map[id.ContractID]models.Level),
		balances: make(map[id.ContractID]models.CachedBalance),
	}
}

// SwapLevel stores level and returns the previous one ("" if none).
func (s *InMemoryStore) SwapLevel(_ context.Context, contractID id.ContractID, level models.Level) (models.Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.alerts[contractID]
	s.alerts[contractID] = level
	return prev, nil
}

func (s *InMemoryStore) Level(_ context.Context, contractID id.ContractID) (models.Level, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts[contractID], nil
}

func (s *InMemoryStore) GetBalance(_ context.Context, contractID id.ContractID) (models.CachedBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[contractID]
	if !ok {
		return models.CachedBalance{}, sentinel.ErrNotFound
	}
	return b, nil
}

// PutBalance never replaces a snapshot taken at a later head.
func (s *InMemoryStore) PutBalance(_ context.Context, contractID id.ContractID, b models.CachedBalance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.balances[contractID]; ok && cur.Head > b.Head {
		return nil
	}
	s.balances[contractID] = b
	return nil
}
