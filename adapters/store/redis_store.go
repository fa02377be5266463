package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
	"github.com/redis/go-redis/v9"
)

// consumeScript deletes the challenge only if the stored nonce matches ARGV[1].
var consumeScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then return 0 end
local c = cjson.decode(raw)
if c.nonce ~= ARGV[1] then return 0 end
redis.call("DEL", KEYS[1])
return 1
`)

// rotateScript swaps the family's refresh id if ARGV[2] is current.
// Returns 0 rotated, 1 reused, 2 revoked.
var rotateScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], ARGV[1])
if not cur then return 2 end
if cur ~= ARGV[2] then return 1 end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 0
`)

type challengeRecord struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	Nonce     string `json:"nonce"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// RedisStore is a Redis implementation of the Store interface. Key expiry is
// delegated to Redis, so it needs no sweep.
type RedisStore struct {
	client *redis.Client
	clock  ports.Clock
	prefix string
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client, clock ports.Clock) *RedisStore {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	return &RedisStore{
		client: client,
		clock:  clock,
		prefix: "marketgate:",
	}
}

var _ ports.Store = (*RedisStore)(nil)

func (s *RedisStore) challengeKey(address string) string {
	return s.prefix + "challenge:" + address
}

func (s *RedisStore) refreshKey(address string) string {
	return s.prefix + "refresh:" + address
}

// PutChallenge stores a challenge with the remaining lifetime as TTL
func (s *RedisStore) PutChallenge(ctx context.Context, c core.Challenge) error {
	payload, err := json.Marshal(challengeRecord{
		ID:        c.ID,
		Address:   c.Address,
		Nonce:     c.Nonce,
		IssuedAt:  c.IssuedAt.UnixMilli(),
		ExpiresAt: c.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode challenge: %w", err)
	}

	ttl := c.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.challengeKey(c.Address), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store challenge: %w: %w", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// GetChallenge loads the active challenge for address
func (s *RedisStore) GetChallenge(ctx context.Context, address string) (core.Challenge, error) {
	raw, err := s.client.Get(ctx, s.challengeKey(address)).Bytes()
	if errors.Is(err, redis.Nil) {
		return core.Challenge{}, core.ErrChallengeNotFound
	}
	if err != nil {
		return core.Challenge{}, fmt.Errorf("failed to load challenge: %w: %w", core.ErrStoreOperationFailed, err)
	}

	var rec challengeRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return core.Challenge{}, fmt.Errorf("failed to decode challenge: %w", err)
	}
	return core.Challenge{
		ID:        rec.ID,
		Address:   rec.Address,
		Nonce:     rec.Nonce,
		IssuedAt:  time.UnixMilli(rec.IssuedAt),
		ExpiresAt: time.UnixMilli(rec.ExpiresAt),
	}, nil
}

// ConsumeChallenge atomically deletes the challenge if the nonce matches
func (s *RedisStore) ConsumeChallenge(ctx context.Context, address, nonce string) (bool, error) {
	n, err := consumeScript.Run(ctx, s.client, []string{s.challengeKey(address)}, nonce).Int()
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w: %w", core.ErrStoreOperationFailed, err)
	}
	return n == 1, nil
}

// IssueRefresh records a new family's refresh id
func (s *RedisStore) IssueRefresh(ctx context.Context, address, familyID, refreshID string, ttl time.Duration) error {
	key := s.refreshKey(address)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, familyID, refreshID)
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to issue refresh record: %w: %w", core.ErrStoreOperationFailed, err)
	}
	return nil
}

// RotateRefresh atomically rotates the family's refresh id
func (s *RedisStore) RotateRefresh(ctx context.Context, address, familyID, presentedID, nextID string, ttl time.Duration) (ports.RotationOutcome, error) {
	n, err := rotateScript.Run(ctx, s.client, []string{s.refreshKey(address)},
		familyID, presentedID, nextID, ttl.Milliseconds()).Int()
	if err != nil {
		return ports.RotationRevoked, fmt.Errorf("failed to rotate refresh record: %w: %w", core.ErrStoreOperationFailed, err)
	}

	switch n {
	case 0:
		return ports.Rotated, nil
	case 1:
		return ports.RotationReused, nil
	default:
		return ports.RotationRevoked, nil
	}
}

// FamilyActive checks if the family still has a refresh record
func (s *RedisStore) FamilyActive(ctx context.Context, address, familyID string) (bool, error) {
	ok, err := s.client.HExists(ctx, s.refreshKey(address), familyID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check refresh record: %w: %w", core.ErrStoreOperationFailed, err)
	}
	return ok, nil
}

// RevokeIdentity drops all refresh families for address
func (s *RedisStore) RevokeIdentity(ctx context.Context, address string) error {
	if err := s.client.Del(ctx, s.refreshKey(address)).Err(); err != nil {
		return fmt.Errorf("failed to revoke identity: %w: %w", core.ErrStoreOperationFailed, err)
	}
	return nil
}
