package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	contractmodels "escrow/internal/contract/models"
	escrowmetrics "escrow/internal/escrow/metrics"
	"escrow/internal/escrow/models"
	ledgermodels "escrow/internal/ledger/models"
	"escrow/internal/notify"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/sentinel"
	"escrow/pkg/requestcontext"
)

type Ledger interface {
	Account(ctx context.Context, contractID id.ContractID) (*ledgermodels.Account, error)
	Head(ctx context.Context, contractID id.ContractID) (int64, error)
}

type Contracts interface {
	Get(ctx context.Context, contractID id.ContractID) (*contractmodels.Contract, error)
}

// Store keeps the last alerted level and the cached fold per account.
type Store interface {
	SwapLevel(ctx context.Context, contractID id.ContractID, level models.Level) (models.Level, error)
	Level(ctx context.Context, contractID id.ContractID) (models.Level, error)
	GetBalance(ctx context.Context, contractID id.ContractID) (models.CachedBalance, error)
	PutBalance(ctx context.Context, contractID id.ContractID, b models.CachedBalance) error
}

const lockStripes = 64

// DefaultWarningBuffer is the distance above the minimum balance at which an
// account turns LOW.
var DefaultWarningBuffer = id.Dollars(5000)

// Monitor derives escrow balances from the ledger and raises one alert per
// transition into a worse threshold level.
type Monitor struct {
	ledger    Ledger
	contracts Contracts
	store     Store
	sink      notify.Sink
	buffer    id.Money
	logger    *slog.Logger
	metrics   *escrowmetrics.Metrics
	// evaluation for one account is serialized so a later evaluation never reads
	// an older fold than an earlier one.
	stripes [lockStripes]sync.Mutex
}

type Option func(*Monitor)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

func WithMetrics(metrics *escrowmetrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = metrics
	}
}

func WithSink(sink notify.Sink) Option {
	return func(m *Monitor) {
		m.sink = sink
	}
}

func WithWarningBuffer(buffer id.Money) Option {
	return func(m *Monitor) {
		m.buffer = buffer
	}
}

func New(ledger Ledger, contracts Contracts, store Store, opts ...Option) (*Monitor, error) {
	if ledger == nil || contracts == nil || store == nil {
		return nil, errors.New("ledger, contracts and store are required")
	}
	m := &Monitor{ledger: ledger, contracts: contracts, store: store, buffer: DefaultWarningBuffer}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.buffer.IsNegative() {
		return nil, errors.New("warning buffer must not be negative")
	}
	return m, nil
}

// CurrentBalance returns the committed balance. A cached fold is used only when
// it was taken at the account's current ledger head.
func (m *Monitor) CurrentBalance(ctx context.Context, contractID id.ContractID) (id.Money, int64, error) {
	head, err := m.ledger.Head(ctx, contractID)
	if err != nil {
		return 0, 0, err
	}
	cached, err := m.store.GetBalance(ctx, contractID)
	switch {
	case err == nil && cached.Head == head:
		m.metrics.IncrementCache("hit")
		return cached.Balance, head, nil
	case err == nil:
		m.metrics.IncrementCache("stale")
	case errors.Is(err, sentinel.ErrNotFound):
		m.metrics.IncrementCache("miss")
	default:
		m.logger.WarnContext(ctx, "balance cache read failed", "contract_id", contractID, "error", err)
	}

	account, err := m.ledger.Account(ctx, contractID)
	if err != nil {
		return 0, 0, err
	}
	fresh := models.CachedBalance{Balance: account.Balance(), Head: account.Head()}
	if err := m.store.PutBalance(ctx, contractID, fresh); err != nil {
		m.logger.WarnContext(ctx, "balance cache write failed", "contract_id", contractID, "error", err)
	}
	return fresh.Balance, fresh.Head, nil
}

// Status reports the account's balance and threshold level without alerting.
func (m *Monitor) Status(ctx context.Context, contractID id.ContractID) (*models.Status, error) {
	st, err := m.status(ctx, contractID)
	if err != nil {
		return nil, err
	}
	last, err := m.store.Level(ctx, contractID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read alert state")
	}
	st.LastAlerted = last
	return st, nil
}

func (m *Monitor) status(ctx context.Context, contractID id.ContractID) (*models.Status, error) {
	c, err := m.contracts.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	balance, head, err := m.CurrentBalance(ctx, contractID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to compute balance")
	}
	minimum := c.Terms.MinimumEscrowBalance
	return &models.Status{
		ContractID:    contractID,
		Balance:       balance,
		Minimum:       minimum,
		WarningBuffer: m.buffer,
		Level:         models.Classify(balance, minimum, m.buffer),
		Head:          head,
		CheckedAt:     requestcontext.Now(ctx),
	}, nil
}

// Evaluate recomputes the level and records it. An alert goes out only when the
// level is worse than the last recorded one; recoveries are recorded silently so
// a later drop alerts again.
func (m *Monitor) Evaluate(ctx context.Context, contractID id.ContractID) (*models.Status, error) {
	mu := m.stripe(contractID)
	mu.Lock()
	defer mu.Unlock()

	st, err := m.status(ctx, contractID)
	if err != nil {
		return nil, err
	}
	prev, err := m.store.SwapLevel(ctx, contractID, st.Level)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record alert state")
	}
	st.LastAlerted = prev
	m.metrics.IncrementEvaluation(string(st.Level))

	if st.Level.Severity() <= prev.Severity() {
		if st.Level != prev && prev != "" {
			m.logger.InfoContext(ctx, "escrow level changed",
				"contract_id", contractID,
				"from", prev,
				"to", st.Level,
				"balance", st.Balance.String(),
			)
		}
		return st, nil
	}

	m.metrics.IncrementAlert(string(st.Level))
	m.logger.WarnContext(ctx, "escrow balance alert",
		"contract_id", contractID,
		"level", st.Level,
		"balance", st.Balance.String(),
		"minimum", st.Minimum.String(),
	)
	if m.sink != nil {
		eventType := notify.BalanceLow
		if st.Level == models.LevelCritical {
			eventType = notify.BalanceCritical
		}
		e := notify.NewEvent(eventType, contractID, "escrow:"+contractID.String(),
			fmt.Sprintf("escrow balance %s is %s (minimum %s)", st.Balance, st.Level, st.Minimum),
			st.CheckedAt).WithAmount(st.Balance)
		if err := m.sink.Notify(ctx, e); err != nil {
			m.logger.ErrorContext(ctx, "balance alert delivery failed",
				"contract_id", contractID,
				"level", st.Level,
				"error", err,
			)
		}
	}
	return st, nil
}

// PaymentRecorded re-evaluates the account after every committed append.
func (m *Monitor) PaymentRecorded(ctx context.Context, p *ledgermodels.Payment) {
	if _, err := m.Evaluate(ctx, p.ContractID); err != nil {
		m.logger.ErrorContext(ctx, "escrow evaluation failed",
			"contract_id", p.ContractID,
			"payment_id", p.ID,
			"error", err,
		)
	}
}

func (m *Monitor) stripe(contractID id.ContractID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(contractID[:])
	return &m.stripes[h.Sum32()%lockStripes]
}
