package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/layer-3/marketgate/core"
	"github.com/layer-3/marketgate/ports"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type storeCase struct {
	name    string
	store   ports.Store
	advance func(time.Duration)
}

func storeCases(t *testing.T) []storeCase {
	memClock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	redisClock := &fakeClock{now: time.Now()}

	return []storeCase{
		{
			name:    "memory",
			store:   NewMemoryStore(memClock),
			advance: memClock.Advance,
		},
		{
			name:  "redis",
			store: NewRedisStore(client, redisClock),
			advance: func(d time.Duration) {
				redisClock.Advance(d)
				mr.FastForward(d)
			},
		},
	}
}

const addr = "0x00000000000000000000000000000000000000a1"

func newChallenge(now time.Time, nonce string) core.Challenge {
	return core.Challenge{
		ID:        "c-" + nonce,
		Address:   addr,
		Nonce:     nonce,
		IssuedAt:  now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
}

func TestChallengeLifecycle(t *testing.T) {
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			_, err := tc.store.GetChallenge(ctx, addr)
			require.ErrorIs(t, err, core.ErrChallengeNotFound)

			require.NoError(t, tc.store.PutChallenge(ctx, newChallenge(now, "n1")))
			require.NoError(t, tc.store.PutChallenge(ctx, newChallenge(now, "n2")))

			got, err := tc.store.GetChallenge(ctx, addr)
			require.NoError(t, err)
			assert.Equal(t, "n2", got.Nonce, "a new challenge replaces the old one")

			ok, err := tc.store.ConsumeChallenge(ctx, addr, "n1")
			require.NoError(t, err)
			assert.False(t, ok, "a stale nonce must not consume the current challenge")

			ok, err = tc.store.ConsumeChallenge(ctx, addr, "n2")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = tc.store.ConsumeChallenge(ctx, addr, "n2")
			require.NoError(t, err)
			assert.False(t, ok, "a challenge is consumed once")
		})
	}
}

func TestConsumeChallengeRace(t *testing.T) {
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, tc.store.PutChallenge(ctx, newChallenge(time.Now(), "race")))

			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := tc.store.ConsumeChallenge(ctx, addr, "race")
					if err == nil && ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestRefreshRotation(t *testing.T) {
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			ttl := time.Hour

			require.NoError(t, tc.store.IssueRefresh(ctx, addr, "fam", "r1", ttl))
			active, err := tc.store.FamilyActive(ctx, addr, "fam")
			require.NoError(t, err)
			assert.True(t, active)

			outcome, err := tc.store.RotateRefresh(ctx, addr, "fam", "r1", "r2", ttl)
			require.NoError(t, err)
			assert.Equal(t, ports.Rotated, outcome)

			outcome, err = tc.store.RotateRefresh(ctx, addr, "fam", "r1", "r3", ttl)
			require.NoError(t, err)
			assert.Equal(t, ports.RotationReused, outcome)

			outcome, err = tc.store.RotateRefresh(ctx, addr, "other", "r2", "r3", ttl)
			require.NoError(t, err)
			assert.Equal(t, ports.RotationRevoked, outcome)

			require.NoError(t, tc.store.IssueRefresh(ctx, addr, "fam2", "x1", ttl))
			require.NoError(t, tc.store.RevokeIdentity(ctx, addr))

			for _, fam := range []string{"fam", "fam2"} {
				active, err := tc.store.FamilyActive(ctx, addr, fam)
				require.NoError(t, err)
				assert.False(t, active, fam)
			}
			outcome, err = tc.store.RotateRefresh(ctx, addr, "fam", "r2", "r3", ttl)
			require.NoError(t, err)
			assert.Equal(t, ports.RotationRevoked, outcome)
		})
	}
}

func TestRefreshExpiry(t *testing.T) {
	for _, tc := range storeCases(t) {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, tc.store.IssueRefresh(ctx, addr, "fam", "r1", time.Minute))

			tc.advance(2 * time.Minute)

			active, err := tc.store.FamilyActive(ctx, addr, "fam")
			require.NoError(t, err)
			assert.False(t, active)

			outcome, err := tc.store.RotateRefresh(ctx, addr, "fam", "r1", "r2", time.Minute)
			require.NoError(t, err)
			assert.Equal(t, ports.RotationRevoked, outcome)
		})
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := NewMemoryStore(clock)
	ctx := context.Background()

	require.NoError(t, s.PutChallenge(ctx, newChallenge(clock.Now(), "n1")))
	require.NoError(t, s.IssueRefresh(ctx, addr, "short", "r1", time.Minute))
	require.NoError(t, s.IssueRefresh(ctx, addr, "long", "r2", time.Hour))

	assert.Equal(t, 0, s.Sweep())

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 2, s.Sweep(), "expired challenge and short family")

	_, err := s.GetChallenge(ctx, addr)
	assert.ErrorIs(t, err, core.ErrChallengeNotFound)

	active, err := s.FamilyActive(ctx, addr, "long")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	s := NewRedisStore(client, &fakeClock{now: time.Now()})
	mr.Close()

	ctx := context.Background()
	err := s.PutChallenge(ctx, newChallenge(time.Now(), "n1"))
	assert.ErrorIs(t, err, core.ErrStoreOperationFailed)

	_, err = s.ConsumeChallenge(ctx, addr, "n1")
	assert.ErrorIs(t, err, core.ErrStoreOperationFailed)

	_, err = s.FamilyActive(ctx, addr, "f1")
	assert.ErrorIs(t, err, core.ErrStoreOperationFailed)
}

func TestMemoryStoreRunZeroInterval(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NotPanics(t, func() { s.Run(ctx, 0) })
}
