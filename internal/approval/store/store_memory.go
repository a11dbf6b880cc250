package store

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"escrow/internal/approval/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
)

// InMemoryStore keeps approval requests in process memory. At most one open
// request exists per subject.
type InMemoryStore struct {
	mu       sync.Mutex
	requests map[id.ApprovalID]*models.Request
	open     map[uuid.UUID]id.ApprovalID
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		requests: make(map[id.ApprovalID]*models.Request),
		open:     make(map[uuid.UUID]id.ApprovalID),
	}
}

// Create stores r. A second open request for the same subject is a conflict.
func (s *InMemoryStore) Create(_ context.Context, r *models.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return sentinel.ErrConflict
	}
	if r.IsOpen() {
		if _, ok := s.open[r.SubjectID]; ok {
			return sentinel.ErrConflict
		}
		s.open[r.SubjectID] = r.ID
	}
	s.requests[r.ID] = clone(r)
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, approvalID id.ApprovalID) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[approvalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(r), nil
}

func (s *InMemoryStore) FindOpenBySubject(_ context.Context, subjectID uuid.UUID) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	approvalID, ok := s.open[subjectID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(s.requests[approvalID]), nil
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
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Execute runs validate and mutate against one request under the store lock.
// Nothing is written when validate fails.
func (s *InMemoryStore) Execute(_ context.Context, approvalID id.ApprovalID,
	validate func(*models.Request) error, mutate func(*models.Request),
) (*models.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[approvalID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := clone(r)
	if err := validate(cp); err != nil {
		return nil, err
	}
	mutate(cp)
	cp.ID, cp.SubjectID, cp.ContractID = r.ID, r.SubjectID, r.ContractID
	s.requests[approvalID] = cp
	if !cp.IsOpen() && s.open[cp.SubjectID] == cp.ID {
		delete(s.open, cp.SubjectID)
	}
	return clone(cp), nil
}

func clone(r *models.Request) *models.Request {
	cp := *r
	cp.Evidence = append([]string(nil), r.Evidence...)
	cp.History = append([]models.Transition(nil), r.History...)
	if r.Verification != nil {
		v := *r.Verification
		cp.Verification = &v
	}
	if r.Decision != nil {
		d := *r.Decision
		cp.Decision = &d
	}
	if r.PaymentID != nil {
		p := *r.PaymentID
		cp.PaymentID = &p
	}
	if r.ClosedAt != nil {
		t := *r.ClosedAt
		cp.ClosedAt = &t
	}
	return &cp
}
