// Package service runs two-phase commands: a proposal states what would happen and
// which confirmations must be echoed back; a commit consumes the proposal once and
// dispatches to the action's registered handler.
package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrow/internal/confirm/models"
	id "escrow/pkg/domain"
	dErrors "escrow/pkg/domain-errors"
	"escrow/pkg/platform/sentinel"
	"escrow/pkg/requestcontext"
)

const defaultTTL = 15 * time.Minute

type Store interface {
	Save(ctx context.Context, p *models.Proposal, ttl time.Duration) error
	Get(ctx context.Context, proposalID id.ProposalID) (*models.Proposal, error)
	Take(ctx context.Context, proposalID id.ProposalID) (*models.Proposal, error)
}

// CommitFunc applies a confirmed proposal and returns what it produced.
type CommitFunc func(ctx context.Context, p *models.Proposal) (any, error)

// ProposeRequest describes the command being staged.
type ProposeRequest struct {
	Action     models.Action
	Subject    string
	ContractID id.ContractID
	Required   []string
	Payload    map[string]string
}

type Service struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[models.Action]CommitFunc
}

type Option func(*Service)

func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("proposal store is required")
	}
	s := &Service{
		store:    store,
		ttl:      defaultTTL,
		handlers: make(map[models.Action]CommitFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register binds an action to the function that applies it on commit. Registering
// the same action twice replaces the earlier handler.
func (s *Service) Register(action models.Action, fn CommitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[action] = fn
}

func (s *Service) handler(action models.Action) (CommitFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.handlers[action]
	return fn, ok
}

// Propose stages a command for the current actor.
func (s *Service) Propose(ctx context.Context, req ProposeRequest) (*models.Proposal, error) {
	if !requestcontext.HasActor(ctx) {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "an authenticated actor is required")
	}
	if _, ok := s.handler(req.Action); !ok {
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "unsupported action %q", req.Action)
	}
	if req.Subject == "" || len(req.Required) == 0 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "proposals need a subject and at least one confirmation")
	}
	now := requestcontext.Now(ctx)
	p := &models.Proposal{
		ID:           id.ProposalID(uuid.New()),
		Action:       req.Action,
		Subject:      req.Subject,
		ContractID:   req.ContractID,
		ProposedBy:   requestcontext.ActorID(ctx),
		ProposerRole: requestcontext.ActorRole(ctx),
		Required:     req.Required,
		Payload:      req.Payload,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}
	if err := s.store.Save(ctx, p, s.ttl); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save proposal")
	}
	return p, nil
}

// Commit validates the echoed confirmations, consumes the proposal and applies it.
// A proposal is consumed even when its handler fails; the caller proposes again.
func (s *Service) Commit(ctx context.Context, proposalID id.ProposalID, confirmations []string) (*models.Result, error) {
	p, err := s.store.Get(ctx, proposalID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "proposal not found or already committed")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load proposal")
	}
	if p.IsExpired(requestcontext.Now(ctx)) {
		_, _ = s.store.Take(ctx, proposalID)
		return nil, dErrors.New(dErrors.CodeExpired, "proposal expired")
	}
	if err := p.CanCommit(requestcontext.ActorID(ctx), requestcontext.ActorRole(ctx), confirmations); err != nil {
		return nil, err
	}
	fn, ok := s.handler(p.Action)
	if !ok {
		return nil, dErrors.Newf(dErrors.CodeInternal, "no handler for action %q", p.Action)
	}

	taken, err := s.store.Take(ctx, proposalID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeConflict, "proposal already committed")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to consume proposal")
	}

	outcome, err := fn(ctx, taken)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "two-phase commit failed",
				"proposal_id", taken.ID,
				"action", taken.Action,
				"subject", taken.Subject,
				"error", err,
			)
		}
		return nil, err
	}
	return &models.Result{
		ProposalID: taken.ID,
		Action:     taken.Action,
		Subject:    taken.Subject,
		Outcome:    outcome,
	}, nil
}
