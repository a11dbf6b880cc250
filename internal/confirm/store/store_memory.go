package store

import (
	"context"
	"sync"
	"time"

	"escrow/internal/confirm/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
)

// InMemoryStore keeps proposals in a map. Expiry is enforced by the service;
// the ttl argument is only honoured by stores that can evict on their own.
type InMemoryStore struct {
	mu        sync.Mutex
	proposals map[id.ProposalID]models.Proposal
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{proposals: make(map[id.ProposalID]models.Proposal)}
}

func (s *InMemoryStore) Save(_ context.Context, p *models.Proposal, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.proposals[p.ID]; ok {
		return sentinel.ErrConflict
	}
	s.proposals[p.ID] = *p
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, proposalID id.ProposalID) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &p, nil
}

// Take removes and returns the proposal. Exactly one caller wins.
func (s *InMemoryStore) Take(_ context.Context, proposalID id.ProposalID) (*models.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	delete(s.proposals, proposalID)
	return &p, nil
}
