package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// TwoPhaseCache reads through a process-local near tier to a shared far
// tier. In the pro preset near is an LRUCache and far is Redis.
type TwoPhaseCache struct {
	near    domain.Cache
	far     domain.Cache
	nearTTL time.Duration
}

// NewTwoPhaseCache connects to Redis and fronts it with an LRU.
func NewTwoPhaseCache(ctx context.Context, cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	far, err := NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("far tier: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), far, cfg.LocalTTL), nil
}

func newTwoPhase(near, far domain.Cache, nearTTL time.Duration) *TwoPhaseCache {
	if nearTTL <= 0 {
		nearTTL = 5 * time.Minute
	}
	return &TwoPhaseCache{near: near, far: far, nearTTL: nearTTL}
}

// Get promotes far hits into the near tier.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := c.near.Get(ctx, key); err != nil || val != nil {
		return val, err
	}
	val, err := c.far.Get(ctx, key)
	if err != nil || val == nil {
		return nil, err
	}
	_ = c.near.Set(ctx, key, val, c.nearTTL)
	return val, nil
}

// Set writes both tiers. The near copy never outlives the far one; a zero
// ttl keeps the far copy without expiry.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	nearTTL := c.nearTTL
	if ttl > 0 {
		nearTTL = min(ttl, nearTTL)
	}
	if err := c.near.Set(ctx, key, value, nearTTL); err != nil {
		return err
	}
	return c.far.Set(ctx, key, value, ttl)
}

// Delete evicts the key from both tiers.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	if err := c.near.Delete(ctx, key); err != nil {
		return err
	}
	return c.far.Delete(ctx, key)
}

func (c *TwoPhaseCache) GetScore(ctx context.Context, key string) (*domain.ScoreResult, error) {
	return getScore(ctx, c, key)
}

func (c *TwoPhaseCache) SetScore(ctx context.Context, key string, res *domain.ScoreResult, ttl time.Duration) error {
	return setScore(ctx, c, key, res, ttl)
}

func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.near.Ping(ctx); err != nil {
		return fmt.Errorf("near tier: %w", err)
	}
	if err := c.far.Ping(ctx); err != nil {
		return fmt.Errorf("far tier: %w", err)
	}
	return nil
}

func (c *TwoPhaseCache) Close() error {
	_ = c.near.Close()
	return c.far.Close()
}
