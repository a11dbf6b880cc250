package store

import (
	"context"
	"sort"
	"sync"

	"escrow/internal/reimbursement/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
)

// InMemoryStore keeps claims in process memory. Execute holds the store lock
// for the whole validate-mutate step.
type InMemoryStore struct {
	mu       sync.Mutex
	requests map[id.ReimbursementID]*models.Request
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{requests: make(map[id.ReimbursementID]*models.Request)}
}

func (s *InMemoryStore) Create(_ context.Context, r *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return sentinel.ErrConflict
	}
	s.requests[r.ID] = clone(r)
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, reimbursementID id.ReimbursementID) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[reimbursementID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(r), nil
}

func (s *InMemoryStore) ListByContract(_ context.Context, contractID id.ContractID) ([]*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Request
	for _, r := range s.requests {
		if r.ContractID == contractID {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// Execute runs validate and mutate against one claim under the store lock.
func (s *InMemoryStore) Execute(_ context.Context, reimbursementID id.ReimbursementID,
	validate func(*models.Request) error, mutate func(*models.Request),
) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[reimbursementID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := clone(r)
	if err := validate(cp); err != nil {
		return nil, err
	}
	mutate(cp)
	cp.ID, cp.ContractID = r.ID, r.ContractID
	s.requests[reimbursementID] = cp
	return clone(cp), nil
}

func clone(r *models.Request) *models.Request {
	cp := *r
	cp.Evidence = append([]string(nil), r.Evidence...)
	if r.Employment != nil {
		e := *r.Employment
		cp.Employment = &e
	}
	return &cp
}
