package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"escrow/internal/escrow/models"
	id "escrow/pkg/domain"
	"escrow/pkg/platform/sentinel"
)

const (
	alertKeyPrefix   = "escrow:alert:"
	balanceKeyPrefix = "escrow:balance:"
	balanceTTL       = 24 * time.Hour
)

// putBalance keeps the snapshot with the highest head, so a slow writer holding
// an older fold cannot overwrite a newer one.
var putBalance = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
	local decoded = cjson.decode(cur)
	if tonumber(decoded.head) > tonumber(ARGV[2]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[3])
return 1
`)

// RedisStore shares alert state and cached balances across server instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// SwapLevel uses SET ... GET so the read of the previous level and the write of
// the new one are a single command.
func (s *RedisStore) SwapLevel(ctx context.Context, contractID id.ContractID, level models.Level) (models.Level, error) {
	prev, err := s.client.SetArgs(ctx, alertKeyPrefix+contractID.String(), string(level), redis.SetArgs{Get: true}).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("swap alert level: %w", err)
	}
	return models.Level(prev), nil
}

func (s *RedisStore) Level(ctx context.Context, contractID id.ContractID) (models.Level, error) {
	v, err := s.client.Get(ctx, alertKeyPrefix+contractID.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read alert level: %w", err)
	}
	return models.Level(v), nil
}

func (s *RedisStore) GetBalance(ctx context.Context, contractID id.ContractID) (models.CachedBalance, error) {
	raw, err := s.client.Get(ctx, balanceKeyPrefix+contractID.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.CachedBalance{}, sentinel.ErrNotFound
	}
	if err != nil {
		return models.CachedBalance{}, fmt.Errorf("read cached balance: %w", err)
	}
	var b cachedBalanceJSON
	if err := json.Unmarshal(raw, &b); err != nil {
		return models.CachedBalance{}, fmt.Errorf("decode cached balance: %w", err)
	}
	return models.CachedBalance{Balance: id.Money(b.Balance), Head: b.Head}, nil
}

func (s *RedisStore) PutBalance(ctx context.Context, contractID id.ContractID, b models.CachedBalance) error {
	raw, err := json.Marshal(cachedBalanceJSON{Balance: int64(b.Balance), Head: b.Head})
	if err != nil {
		return fmt.Errorf("marshal cached balance: %w", err)
	}
	err = putBalance.Run(ctx, s.client, []string{balanceKeyPrefix + contractID.String()},
		raw, b.Head, int(balanceTTL.Seconds())).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("write cached balance: %w", err)
	}
	return nil
}

// cachedBalanceJSON stores cents as a number so the Lua compare can read head
// without parsing Money's string form.
type cachedBalanceJSON struct {
	Balance int64 `json:"balance_cents"`
	Head    int64 `json:"head"`
}
