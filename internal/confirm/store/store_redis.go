package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"escrow/internal/confirm/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
)

const proposalKeyPrefix = "escrow:proposal:"

// RedisStore keeps proposals as JSON values whose key TTL matches the
// proposal lifetime, so abandoned proposals disappear on their own.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, p *models.Proposal, ttl time.Duration) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal proposal: %w", err)
	}
	ok, err := s.client.SetNX(ctx, proposalKeyPrefix+p.ID.String(), raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("save proposal: %w", err)
	}
	if !ok {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, proposalID id.ProposalID) (*models.Proposal, error) {
	raw, err := s.client.Get(ctx, proposalKeyPrefix+proposalID.String()).Bytes()
	return decodeProposal(raw, err, "get proposal")
}

// Take uses GETDEL so two concurrent commits cannot both consume a proposal.
func (s *RedisStore) Take(ctx context.Context, proposalID id.ProposalID) (*models.Proposal, error) {
	raw, err := s.client.GetDel(ctx, proposalKeyPrefix+proposalID.String()).Bytes()
	return decodeProposal(raw, err, "take proposal")
}

func decodeProposal(raw []byte, err error, op string) (*models.Proposal, error) {
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var p models.Proposal
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", op, err)
	}
	return &p, nil
}
