package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"escrow/internal/milestone/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
)

type naturalKey struct {
	contractID id.ContractID
	code       string
	occurrence int
}

// InMemoryStore keeps milestone instances in process memory. Execute holds the
// store lock for the whole validate-mutate step, which serializes transitions.
type InMemoryStore struct {
	mu        sync.Mutex
	seq       int64
	instances map[id.MilestoneID]*models.Instance
	byKey     map[naturalKey]id.MilestoneID
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[id.MilestoneID]*models.Instance),
		byKey:     make(map[naturalKey]id.MilestoneID),
	}
}

// Create stores m and assigns its creation sequence. A second instance for the
// same contract, definition and occurrence is a conflict.
func (s *InMemoryStore) Create(_ context.Context, m *models.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := naturalKey{m.ContractID, m.DefinitionCode, m.Occurrence}
	if _, ok := s.byKey[key]; ok {
		return sentinel.ErrConflict
	}
	if _, ok := s.instances[m.ID]; ok {
		return sentinel.ErrConflict
	}
	s.seq++
	m.Seq = s.seq
	s.instances[m.ID] = clone(m)
	s.byKey[key] = m.ID
	return nil
}

func (s *InMemoryStore) Find(_ context.Context, milestoneID id.MilestoneID) (*models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.instances[milestoneID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(m), nil
}

func (s *InMemoryStore) ListByContract(_ context.Context, contractID id.ContractID) ([]*models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Instance
	for _, m := range s.instances {
		if m.ContractID == contractID {
			out = append(out, clone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// DuePending returns scheduled pending instances due at or before asOf in
// processing order.
func (s *InMemoryStore) DuePending(_ context.Context, asOf time.Time, limit int) ([]*models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Instance
	for _, m := range s.instances {
		if m.IsDue(asOf) {
			out = append(out, clone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return models.Less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// NextDue returns the earliest due date among scheduled pending instances.
func (s *InMemoryStore) NextDue(_ context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		next  time.Time
		found bool
	)
	for _, m := range s.instances {
		if m.Status != models.StatusPending || m.DueDate == nil {
			continue
		}
		if !found || m.DueDate.Before(next) {
			next, found = *m.DueDate, true
		}
	}
	return next, found, nil
}

// Execute runs validate and mutate against one instance under the store lock.
// Nothing is written when validate fails.
func (s *InMemoryStore) Execute(_ context.Context, milestoneID id.MilestoneID,
	validate func(*models.Instance) error, mutate func(*models.Instance),
) (*models.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.instances[milestoneID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := clone(m)
	if err := validate(cp); err != nil {
		return nil, err
	}
	mutate(cp)
	cp.ID, cp.ContractID, cp.Seq = m.ID, m.ContractID, m.Seq
	s.instances[milestoneID] = cp
	return clone(cp), nil
}

func clone(m *models.Instance) *models.Instance {
	cp := *m
	cp.Evidence = append([]string(nil), m.Evidence...)
	if m.Hold != nil {
		h := *m.Hold
		cp.Hold = &h
	}
	return &cp
}
