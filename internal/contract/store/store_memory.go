package store

import (
	"context"
	"sort"
	"sync"

	"escrow/internal/contract/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
)

// InMemoryStore keeps every contract version and journey in maps guarded by one
// mutex. Execute holds the write lock across validate and mutate, which gives the
// same per-contract serialization the Postgres store gets from FOR UPDATE.
type InMemoryStore struct {
	mu        sync.RWMutex
	contracts map[id.ContractID]map[int]*models.Contract
	journeys  map[id.ContractID]*models.Journey
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contracts: make(map[id.ContractID]map[int]*models.Contract),
		journeys:  make(map[id.ContractID]*models.Journey),
	}
}

func (s *InMemoryStore) Create(_ context.Context, c *models.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.contracts[c.ID]
	if !ok {
		versions = make(map[int]*models.Contract)
		s.contracts[c.ID] = versions
	}
	if _, exists := versions[c.Version]; exists {
		return sentinel.ErrConflict
	}
	cp := *c
	versions[c.Version] = &cp
	return nil
}

func (s *InMemoryStore) LatestVersion(_ context.Context, contractID id.ContractID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest := 0
	for v := range s.contracts[contractID] {
		latest = max(latest, v)
	}
	return latest, nil
}

func (s *InMemoryStore) FindVersion(_ context.Context, contractID id.ContractID, version int) (*models.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[contractID][version]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) FindConfirmed(_ context.Context, contractID id.ContractID) (*models.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contracts[contractID] {
		if c.Status == models.StatusConfirmed {
			cp := *c
			return &cp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) ListVersions(_ context.Context, contractID id.ContractID) ([]*models.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Contract, 0, len(s.contracts[contractID]))
	for _, c := range s.contracts[contractID] {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// ListConfirmed returns the confirmed version of every contract.
func (s *InMemoryStore) ListConfirmed(_ context.Context) ([]*models.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Contract
	for _, versions := range s.contracts {
		for _, c := range versions {
			if c.Status == models.StatusConfirmed {
				cp := *c
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Execute locks the contract, validates the target version and applies mutate to
// it and to the currently confirmed version (nil when none, or when the target is
// itself confirmed). Both are persisted together; nothing is written when
// validate fails.
func (s *InMemoryStore) Execute(_ context.Context, contractID id.ContractID, version int,
	validate func(*models.Contract) error, mutate func(target, current *models.Contract),
) (*models.Contract, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.contracts[contractID][version]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	target := *stored
	if err := validate(&target); err != nil {
		return nil, err
	}

	var current *models.Contract
	for v, c := range s.contracts[contractID] {
		if v != version && c.Status == models.StatusConfirmed {
			cp := *c
			current = &cp
			break
		}
	}
	mutate(&target, current)

	s.contracts[contractID][version] = &target
	if current != nil {
		s.contracts[contractID][current.Version] = current
	}
	result := target
	return &result, nil
}

func (s *InMemoryStore) FindJourney(_ context.Context, contractID id.ContractID) (*models.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.journeys[contractID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *InMemoryStore) SaveJourney(_ context.Context, j *models.Journey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.journeys[j.ContractID] = &cp
	return nil
}
