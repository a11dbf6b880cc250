package store

import (
	"context"
	"sort"
	"sync"

	"escrow/internal/ledger/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
	txcontext "escrow/pkg/platform/tx"
)

// InMemoryStore keeps the ledger in process memory. One mutex covers the
// idempotency index, the global sequence and every account, so the check passed
// to Append always sees the committed account and nothing can interleave
// between the check and the write. Inside a LocalRunner transaction Append also
// holds the account until the transaction ends and removes its payment again if
// the transaction fails; the global sequence keeps the gap, as a database
// sequence would.
type InMemoryStore struct {
	mu       sync.Mutex
	locks    map[id.ContractID]*sync.Mutex
	seq      int64
	payments map[id.PaymentID]*models.Payment
	byKey    map[string]id.PaymentID
	accounts map[id.ContractID][]models.Entry
	entries  []models.Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		locks:    make(map[id.ContractID]*sync.Mutex),
		payments: make(map[id.PaymentID]*models.Payment),
		byKey:    make(map[string]id.PaymentID),
		accounts: make(map[id.ContractID][]models.Entry),
	}
}

// Append assigns the next global and per-account position to p and records it.
// When the idempotency key is already present the stored payment is returned
// with created=false and check is not run.
func (s *InMemoryStore) Append(ctx context.Context, p *models.Payment, check func(*models.Account) error) (*models.Payment, bool, error) {
	release := txcontext.Hold(ctx, accountKey{s, p.ContractID}, s.accountLock(p.ContractID))
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[p.IdempotencyKey]; ok {
		cp := *s.payments[existing]
		return &cp, false, nil
	}
	if check != nil {
		if err := check(s.accountLocked(p.ContractID)); err != nil {
			return nil, false, err
		}
	}

	s.seq++
	stored := *p
	stored.Position = s.seq
	stored.AccountSeq = int64(len(s.accounts[p.ContractID])) + 1
	entry := models.EntryFor(&stored)

	s.payments[stored.ID] = &stored
	s.byKey[stored.IdempotencyKey] = stored.ID
	s.accounts[stored.ContractID] = append(s.accounts[stored.ContractID], entry)
	s.entries = append(s.entries, entry)
	txcontext.OnRollback(ctx, func() { s.remove(stored.ID) })

	cp := stored
	return &cp, true, nil
}

type accountKey struct {
	store    *InMemoryStore
	contract id.ContractID
}

func (s *InMemoryStore) accountLock(contractID id.ContractID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.locks[contractID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[contractID] = mu
	}
	return mu
}

// remove drops an appended payment whose transaction failed. The account is
// still held, so the payment is the last entry of its account.
func (s *InMemoryStore) remove(paymentID id.PaymentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return
	}
	delete(s.payments, paymentID)
	delete(s.byKey, p.IdempotencyKey)
	if entries := s.accounts[p.ContractID]; len(entries) > 0 && entries[len(entries)-1].PaymentID == paymentID {
		s.accounts[p.ContractID] = entries[:len(entries)-1]
	}
	if len(s.accounts[p.ContractID]) == 0 {
		delete(s.accounts, p.ContractID)
	}
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].PaymentID == paymentID {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
}

func (s *InMemoryStore) FindPayment(_ context.Context, paymentID id.PaymentID) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *InMemoryStore) FindByIdempotencyKey(_ context.Context, key string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paymentID, ok := s.byKey[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *s.payments[paymentID]
	return &cp, nil
}

func (s *InMemoryStore) ListPayments(_ context.Context, contractID id.ContractID) ([]*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Payment, 0, len(s.accounts[contractID]))
	for _, e := range s.accounts[contractID] {
		cp := *s.payments[e.PaymentID]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *InMemoryStore) Account(_ context.Context, contractID id.ContractID) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountLocked(contractID), nil
}

func (s *InMemoryStore) accountLocked(contractID id.ContractID) *models.Account {
	src := s.accounts[contractID]
	entries := make([]models.Entry, len(src))
	copy(entries, src)
	return &models.Account{ContractID: contractID, Entries: entries}
}

func (s *InMemoryStore) Head(_ context.Context, contractID id.ContractID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.accounts[contractID])), nil
}

func (s *InMemoryStore) Accounts(_ context.Context) ([]id.ContractID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]id.ContractID, 0, len(s.accounts))
	for contractID := range s.accounts {
		out = append(out, contractID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Entries returns up to limit entries with Seq greater than afterSeq, in order.
func (s *InMemoryStore) Entries(_ context.Context, afterSeq int64, limit int) ([]models.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Seq > afterSeq })
	end := len(s.entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]models.Entry, end-start)
	copy(out, s.entries[start:end])
	return out, nil
}

// Execute runs validate and mutate against one payment under the store lock.
// Only the status fields of the mutated copy are written back.
func (s *InMemoryStore) Execute(_ context.Context, paymentID id.PaymentID,
	validate func(*models.Payment) error, mutate func(*models.Payment),
) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *p
	if err := validate(&cp); err != nil {
		return nil, err
	}
	mutate(&cp)
	p.Status = cp.Status
	p.PaidAt = cp.PaidAt
	out := *p
	return &out, nil
}
