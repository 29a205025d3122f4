package domain

import (
	"context"
	"time"
)

// Store is a byte-valued key store with per-entry expiry. Get returns
// nil, nil on a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Cache holds scored results so that an identical request against the same
// model version is answered without re-scoring. GetScore returns nil, nil on
// a miss and an error for an entry that does not decode; callers treat both
// as a miss.
type Cache interface {
	Store

	GetScore(ctx context.Context, key string) (*ScoreResult, error)
	SetScore(ctx context.Context, key string, res *ScoreResult, ttl time.Duration) error

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects the cache backend. The two-phase mode keeps a local
// LRU in front of Redis.
type CacheConfig struct {
	Type string // "memory", "redis" or "none"

	LocalMaxSize int
	LocalTTL     time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EnableTwoPhase bool

	// ScoreTTL is how long a score result stays cached.
	ScoreTTL time.Duration
}
