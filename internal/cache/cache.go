package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a new cache based on configuration.
// "memory" returns an LRU cache, "redis" a Redis cache (wrapped in a
// TwoPhaseCache when EnableTwoPhase is set) and "none" a cache that never
// stores anything.
func New(ctx context.Context, cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(ctx, cfg)
		}
		return NewRedisCache(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	case "none":
		return Nop{}, nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

func getScore(ctx context.Context, s domain.Store, key string) (*domain.ScoreResult, error) {
	data, err := s.Get(ctx, "score:"+key)
	if err != nil || data == nil {
		return nil, err
	}
	var res domain.ScoreResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode cached score: %w", err)
	}
	return &res, nil
}

func setScore(ctx context.Context, s domain.Store, key string, res *domain.ScoreResult, ttl time.Duration) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return s.Set(ctx, "score:"+key, data, ttl)
}

// Nop is a cache that stores nothing.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, error)                   { return nil, nil }
func (Nop) Set(context.Context, string, []byte, time.Duration) error      { return nil }
func (Nop) Delete(context.Context, string) error                          { return nil }
func (Nop) GetScore(context.Context, string) (*domain.ScoreResult, error) { return nil, nil }
func (Nop) Ping(context.Context) error                                    { return nil }
func (Nop) Close() error                                                  { return nil }

func (Nop) SetScore(context.Context, string, *domain.ScoreResult, time.Duration) error {
	return nil
}
