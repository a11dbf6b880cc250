package service

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	confirmmodels "escrow/internal/confirm/models"
	confirmsvc "escrow/internal/confirm/service"
	contractmetrics "escrow/internal/contract/metrics"
	"escrow/internal/contract/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/audit"
	"escrow/pkg/platform/sentinel"
	txcontext "escrow/pkg/platform/tx"
	"escrow/pkg/requestcontext"
)

type Store interface {
	Create(ctx context.Context, c *models.Contract) error
	LatestVersion(ctx context.Context, contractID id.ContractID) (int, error)
	FindVersion(ctx context.Context, contractID id.ContractID, version int) (*models.Contract, error)
	FindConfirmed(ctx context.Context, contractID id.ContractID) (*models.Contract, error)
	ListVersions(ctx context.Context, contractID id.ContractID) ([]*models.Contract, error)
	ListConfirmed(ctx context.Context) ([]*models.Contract, error)
	Execute(ctx context.Context, contractID id.ContractID, version int,
		validate func(*models.Contract) error, mutate func(target, current *models.Contract)) (*models.Contract, error)
	FindJourney(ctx context.Context, contractID id.ContractID) (*models.Journey, error)
	SaveJourney(ctx context.Context, j *models.Journey) error
}

type Proposer interface {
	Propose(ctx context.Context, req confirmsvc.ProposeRequest) (*confirmmodels.Proposal, error)
}

type ComplianceAuditor interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// ConfirmationHook runs after a version becomes confirmed. Hooks must be
// idempotent: they are replayed for every confirmed contract on startup.
type ConfirmationHook func(ctx context.Context, c *models.Contract) error

// Service owns contract versions, their confirmation and the journey status.
type Service struct {
	store      Store
	proposer   Proposer
	tx         txcontext.Runner
	compliance ComplianceAuditor
	auditor    AuditPublisher
	hooks      []ConfirmationHook
	logger     *slog.Logger
	metrics    *contractmetrics.Metrics
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *contractmetrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTx(runner txcontext.Runner) Option {
	return func(s *Service) {
		s.tx = runner
	}
}

func WithComplianceAuditor(c ComplianceAuditor) Option {
	return func(s *Service) {
		s.compliance = c
	}
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		s.auditor = p
	}
}

func WithProposer(p Proposer) Option {
	return func(s *Service) {
		s.proposer = p
	}
}

// WithConfirmationHook appends a hook; hooks run in registration order.
func WithConfirmationHook(h ConfirmationHook) Option {
	return func(s *Service) {
		s.hooks = append(s.hooks, h)
	}
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("contract store is required")
	}
	s := &Service{store: store, tx: txcontext.LocalRunner{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// RegisterRequest carries extracted terms. A zero ContractID starts a new contract;
// otherwise the terms become the next version of that contract.
type RegisterRequest struct {
	ContractID      id.ContractID
	IntendedParty   id.PartyID
	FulfillingParty id.PartyID
	StartDate       time.Time
	Terms           models.Terms
}

// Register stores terms as a new draft version. Nothing pays out against a draft.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.Contract, error) {
	actor, role := requestcontext.ActorID(ctx), requestcontext.ActorRole(ctx)
	if role != id.RoleAdmin && actor != req.IntendedParty && actor != req.FulfillingParty {
		return nil, dErrors.New(dErrors.CodeForbidden, "only a named party or an admin may register terms")
	}

	contractID := req.ContractID
	if contractID.IsNil() {
		contractID = id.ContractID(uuid.New())
	}

	var created *models.Contract
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		latest, err := s.store.LatestVersion(ctx, contractID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read contract versions")
		}
		if latest > 0 {
			prev, err := s.store.FindVersion(ctx, contractID, latest)
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load latest version")
			}
			if prev.IntendedParty != req.IntendedParty || prev.FulfillingParty != req.FulfillingParty {
				return dErrors.New(dErrors.CodeConflict, "a new version must name the same parties")
			}
		}
		c, err := models.NewContract(contractID, latest+1, req.IntendedParty, req.FulfillingParty,
			req.StartDate, req.Terms, requestcontext.Now(ctx))
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
				return dErrors.New(dErrors.CodeValidation, err.Error())
			}
			return err
		}
		if err := s.store.Create(ctx, c); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "a concurrent registration took this version")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store contract")
		}
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncrementRegistered()
	s.emit(ctx, audit.EventContractRegistered, created.ID, versionSubject(created), "")
	return created, nil
}

// Confirm records the calling party's confirmation of a draft version. When both
// parties have confirmed, the version becomes the confirmed one, the previously
// confirmed version is superseded in the same store operation, and confirmation
// hooks instantiate its milestones.
func (s *Service) Confirm(ctx context.Context, contractID id.ContractID, version int) (*models.Contract, error) {
	start := time.Now()
	defer s.metrics.ObserveConfirm(start)

	actor := requestcontext.ActorID(ctx)
	now := requestcontext.Now(ctx)
	var (
		c         *models.Contract
		confirmed bool
	)
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.store.Execute(ctx, contractID, version,
			func(c *models.Contract) error {
				role, ok := c.RoleOf(actor)
				if !ok {
					return dErrors.New(dErrors.CodeForbidden, "only contract parties confirm terms")
				}
				return c.CanConfirm(role)
			},
			func(target, current *models.Contract) {
				role, _ := target.RoleOf(actor)
				confirmed = target.ApplyConfirmation(role, now)
				if confirmed && current != nil {
					_ = current.Supersede()
				}
			},
		)
		if err != nil {
			return wrapContractErr(err)
		}
		if !confirmed {
			return nil
		}
		return s.emitCompliance(ctx, audit.EventContractConfirmed, c.ID, versionSubject(c), "parties")
	})
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return c, nil
	}

	if err := s.onConfirmed(ctx, c, "parties"); err != nil {
		return nil, err
	}
	return c, nil
}

// Override lets an Admin replace the terms. The new version is confirmed at once
// and supersedes the current one.
func (s *Service) Override(ctx context.Context, contractID id.ContractID, terms models.Terms, reason string) (*models.Contract, error) {
	if requestcontext.ActorRole(ctx) != id.RoleAdmin {
		return nil, dErrors.New(dErrors.CodeForbidden, "only an admin may override terms")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "an override needs a reason")
	}

	var result *models.Contract
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		latest, err := s.store.LatestVersion(ctx, contractID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read contract versions")
		}
		if latest == 0 {
			return dErrors.New(dErrors.CodeNotFound, "contract not found")
		}
		prev, err := s.store.FindVersion(ctx, contractID, latest)
		if err != nil {
			return wrapContractErr(err)
		}
		now := requestcontext.Now(ctx)
		c, err := models.NewContract(contractID, latest+1, prev.IntendedParty, prev.FulfillingParty, prev.StartDate, terms, now)
		if err != nil {
			if dErrors.HasCode(err, dErrors.CodeInvariantViolation) {
				return dErrors.New(dErrors.CodeValidation, err.Error())
			}
			return err
		}
		if err := s.store.Create(ctx, c); err != nil {
			return wrapContractErr(err)
		}
		result, err = s.store.Execute(ctx, contractID, c.Version,
			func(*models.Contract) error { return nil },
			func(target, current *models.Contract) {
				target.ApplyOverride(reason, now)
				if current != nil {
					_ = current.Supersede()
				}
			},
		)
		if err != nil {
			return wrapContractErr(err)
		}
		return s.emitCompliance(ctx, audit.EventContractOverridden, result.ID, versionSubject(result), reason)
	})
	if err != nil {
		return nil, err
	}

	if err := s.onConfirmed(ctx, result, "override"); err != nil {
		return nil, err
	}
	return result, nil
}

// onConfirmed runs after the confirming transaction committed.
func (s *Service) onConfirmed(ctx context.Context, c *models.Contract, path string) error {
	if _, err := s.Journey(ctx, c.ID); err != nil {
		return err
	}
	s.metrics.IncrementConfirmed(path)
	s.logger.InfoContext(ctx, "contract version confirmed",
		"contract_id", c.ID,
		"version", c.Version,
		"path", path,
	)
	return s.runHooks(ctx, c)
}

func (s *Service) runHooks(ctx context.Context, c *models.Contract) error {
	for _, hook := range s.hooks {
		if err := hook(ctx, c); err != nil {
			s.logger.ErrorContext(ctx, "confirmation hook failed",
				"contract_id", c.ID,
				"version", c.Version,
				"error", err,
			)
			return dErrors.Wrap(err, dErrors.CodeInternal, "contract confirmed but milestone setup failed; it is retried on restart")
		}
	}
	return nil
}

// ReplayConfirmationHooks runs the hooks for every confirmed contract. Used at
// startup to finish work interrupted after a confirmation committed.
func (s *Service) ReplayConfirmationHooks(ctx context.Context) error {
	contracts, err := s.store.ListConfirmed(ctx)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to list confirmed contracts")
	}
	for _, c := range contracts {
		if err := s.runHooks(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the confirmed version of a contract.
func (s *Service) Get(ctx context.Context, contractID id.ContractID) (*models.Contract, error) {
	c, err := s.store.FindConfirmed(ctx, contractID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "no confirmed version for contract")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load contract")
	}
	return c, nil
}

func (s *Service) GetVersion(ctx context.Context, contractID id.ContractID, version int) (*models.Contract, error) {
	c, err := s.store.FindVersion(ctx, contractID, version)
	if err != nil {
		return nil, wrapContractErr(err)
	}
	return c, nil
}

func (s *Service) ListVersions(ctx context.Context, contractID id.ContractID) ([]*models.Contract, error) {
	versions, err := s.store.ListVersions(ctx, contractID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list contract versions")
	}
	if len(versions) == 0 {
		return nil, dErrors.New(dErrors.CodeNotFound, "contract not found")
	}
	return versions, nil
}

// Journey returns the journey status, creating an active journey on first read.
func (s *Service) Journey(ctx context.Context, contractID id.ContractID) (*models.Journey, error) {
	j, err := s.store.FindJourney(ctx, contractID)
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load journey")
	}
	j = &models.Journey{ContractID: contractID, Status: models.JourneyActive, UpdatedAt: requestcontext.Now(ctx)}
	if err := s.store.SaveJourney(ctx, j); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to start journey")
	}
	return j, nil
}

// CheckStatus is the automatic check run before a scheduled payment: the contract
// must have a confirmed version and its journey must be active.
func (s *Service) CheckStatus(ctx context.Context, contractID id.ContractID) (models.StatusCheck, error) {
	if _, err := s.Get(ctx, contractID); err != nil {
		if dErrors.HasCode(err, dErrors.CodeNotFound) {
			return models.StatusCheck{Reason: "contract has no confirmed version"}, nil
		}
		return models.StatusCheck{}, err
	}
	j, err := s.Journey(ctx, contractID)
	if err != nil {
		return models.StatusCheck{}, err
	}
	switch j.Status {
	case models.JourneyEnded:
		return models.StatusCheck{Reason: "journey ended: " + j.Reason}, nil
	case models.JourneyOnHold:
		return models.StatusCheck{Reason: "journey on hold: " + j.Reason}, nil
	}
	return models.StatusCheck{Active: true}, nil
}

// ProposeJourneyEnd stages a loss event. Nothing changes until the proposal is
// committed with every listed confirmation.
func (s *Service) ProposeJourneyEnd(ctx context.Context, contractID id.ContractID, reason string) (*confirmmodels.Proposal, error) {
	if s.proposer == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "two-phase commands are not configured")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "a reason is required")
	}
	c, err := s.Get(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := authorizeParty(ctx, c); err != nil {
		return nil, err
	}
	j, err := s.Journey(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if j.Status == models.JourneyEnded {
		return nil, &id.InvalidStateError{Entity: "journey", From: string(j.Status), Action: "end"}
	}
	return s.proposer.Propose(ctx, confirmsvc.ProposeRequest{
		Action:     confirmmodels.ActionJourneyEnd,
		Subject:    contractID.String(),
		ContractID: contractID,
		Required: []string{
			"end_journey:" + contractID.String(),
			"scheduled_payments_stop",
		},
		Payload: map[string]string{"reason": reason},
	})
}

// CommitJourneyEnd applies a committed journey-end proposal.
func (s *Service) CommitJourneyEnd(ctx context.Context, p *confirmmodels.Proposal) (any, error) {
	j, err := s.Journey(ctx, p.ContractID)
	if err != nil {
		return nil, err
	}
	if j.Status == models.JourneyEnded {
		return nil, &id.InvalidStateError{Entity: "journey", From: string(j.Status), Action: "end"}
	}
	j.Status = models.JourneyEnded
	j.Reason = p.Payload["reason"]
	j.UpdatedAt = requestcontext.Now(ctx)

	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.SaveJourney(ctx, j); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to end journey")
		}
		return s.emitCompliance(ctx, audit.EventJourneyEnded, p.ContractID, "journey", j.Reason)
	})
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementJourneyChange(string(j.Status))
	return j, nil
}

// SetJourneyHold pauses or resumes scheduled payments. Admin only; an ended journey
// cannot be resumed.
func (s *Service) SetJourneyHold(ctx context.Context, contractID id.ContractID, hold bool, reason string) (*models.Journey, error) {
	if requestcontext.ActorRole(ctx) != id.RoleAdmin {
		return nil, dErrors.New(dErrors.CodeForbidden, "only an admin may hold or resume a journey")
	}
	if _, err := s.Get(ctx, contractID); err != nil {
		return nil, err
	}
	j, err := s.Journey(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if j.Status == models.JourneyEnded {
		return nil, &id.InvalidStateError{Entity: "journey", From: string(j.Status), Action: "hold"}
	}
	if hold {
		j.Status = models.JourneyOnHold
		j.Reason = strings.TrimSpace(reason)
	} else {
		j.Status = models.JourneyActive
		j.Reason = ""
	}
	j.UpdatedAt = requestcontext.Now(ctx)
	if err := s.store.SaveJourney(ctx, j); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to update journey")
	}
	s.metrics.IncrementJourneyChange(string(j.Status))
	s.emit(ctx, audit.EventJourneyHeld, contractID, string(j.Status), j.Reason)
	return j, nil
}

func authorizeParty(ctx context.Context, c *models.Contract) error {
	if requestcontext.ActorRole(ctx) == id.RoleAdmin {
		return nil
	}
	if _, ok := c.RoleOf(requestcontext.ActorID(ctx)); !ok {
		return dErrors.New(dErrors.CodeForbidden, "not a party to this contract")
	}
	return nil
}

func versionSubject(c *models.Contract) string {
	return "v" + strconv.Itoa(c.Version)
}

func wrapContractErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "contract version not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "contract version changed concurrently")
	case dErrors.CodeOf(err) != dErrors.CodeInternal:
		return err
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "contract store failure")
	}
}
