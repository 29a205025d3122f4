package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, "key2", []byte("value2"), time.Minute)

		if err := cache.Delete(ctx, "key2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		clock := time.Now()
		c := NewLRUCache(10)
		c.now = func() time.Time { return clock }

		_ = c.Set(ctx, "expiring", []byte("temp"), time.Second)
		if val, _ := c.Get(ctx, "expiring"); val == nil {
			t.Error("expected value before expiration")
		}

		clock = clock.Add(2 * time.Second)
		if val, _ := c.Get(ctx, "expiring"); val != nil {
			t.Error("expected nil after expiration")
		}
		if size, _ := c.Stats(); size != 0 {
			t.Errorf("expired entry should be dropped, size %d", size)
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3)

		_ = smallCache.Set(ctx, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, "d", []byte("4"), time.Minute)

		if val, _ := smallCache.Get(ctx, "b"); val != nil {
			t.Error("expected 'b' to be evicted")
		}
		if val, _ := smallCache.Get(ctx, "a"); val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("ScoreRoundTrip", func(t *testing.T) {
		res := &domain.ScoreResult{
			ID:           "d-1",
			Score:        0.42,
			ModelScore:   0.30,
			OverlayDelta: 0.12,
			Decision:     domain.DecisionChallenge,
			Label:        "challenge",
			Algorithm:    "ann",
			ModelVersion: "ann-v1",
			Policy:       "standard",
			Reasons:      []string{"unrecognized merchant"},
		}
		if err := cache.SetScore(ctx, "ann:ann-v1:abc", res, time.Minute); err != nil {
			t.Fatalf("SetScore failed: %v", err)
		}

		got, err := cache.GetScore(ctx, "ann:ann-v1:abc")
		if err != nil {
			t.Fatalf("GetScore failed: %v", err)
		}
		if got == nil || got.Score != res.Score || got.Decision != res.Decision || got.Reasons[0] != res.Reasons[0] {
			t.Errorf("unexpected cached score %+v", got)
		}

		miss, err := cache.GetScore(ctx, "ann:ann-v2:abc")
		if err != nil || miss != nil {
			t.Errorf("expected nil, nil on miss, got %+v, %v", miss, err)
		}
	})

	t.Run("CorruptScore", func(t *testing.T) {
		_ = cache.Set(ctx, "score:broken", []byte("{not json"), time.Minute)
		if _, err := cache.GetScore(ctx, "broken"); err == nil {
			t.Error("expected decode error")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50)
		_ = statsCache.Set(ctx, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if val, _ := testCache.Get(ctx, "k"); val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestNop(t *testing.T) {
	ctx := context.Background()
	var c domain.Cache = Nop{}

	_ = c.SetScore(ctx, "k", &domain.ScoreResult{Score: 1}, time.Minute)
	got, err := c.GetScore(ctx, "k")
	if err != nil || got != nil {
		t.Errorf("nop cache must never hit, got %+v %v", got, err)
	}
}

func TestNewCache(t *testing.T) {
	ctx := context.Background()

	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(ctx, domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		if _, ok := cache.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("NoneType", func(t *testing.T) {
		cache, err := New(ctx, domain.CacheConfig{Type: "none"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := cache.(Nop); !ok {
			t.Error("expected Nop for none type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(ctx, domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})

	t.Run("RedisUnreachable", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := New(cctx, domain.CacheConfig{Type: "redis", RedisAddr: "127.0.0.1:1"})
		if err == nil {
			t.Error("expected connect error for unreachable redis")
		}
	})
}

// TestTwoPhaseCache runs against a real Redis when KESTREL_TEST_REDIS is set.
func TestTwoPhaseCache(t *testing.T) {
	addr := os.Getenv("KESTREL_TEST_REDIS")
	if addr == "" {
		t.Skip("KESTREL_TEST_REDIS not set")
	}
	ctx := context.Background()

	c, err := NewTwoPhaseCache(ctx, domain.CacheConfig{RedisAddr: addr, LocalMaxSize: 10, LocalTTL: time.Minute})
	if err != nil {
		t.Fatalf("NewTwoPhaseCache failed: %v", err)
	}
	defer c.Close()

	res := &domain.ScoreResult{Score: 0.7, Decision: domain.DecisionBlock}
	if err := c.SetScore(ctx, "two-phase", res, time.Minute); err != nil {
		t.Fatalf("SetScore failed: %v", err)
	}

	// Drop the near copy so the read is served by Redis.
	_ = c.near.Delete(ctx, "score:two-phase")
	got, err := c.GetScore(ctx, "two-phase")
	if err != nil || got == nil || got.Decision != domain.DecisionBlock {
		t.Fatalf("expected far hit, got %+v %v", got, err)
	}
	if val, _ := c.near.Get(ctx, "score:two-phase"); val == nil {
		t.Error("expected near tier to be repopulated")
	}
	_ = c.Delete(ctx, "score:two-phase")
}

func TestTwoPhaseTiers(t *testing.T) {
	ctx := context.Background()
	near, far := NewLRUCache(10), NewLRUCache(10)
	c := newTwoPhase(near, far, time.Minute)

	if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if v, _ := far.Get(ctx, "k"); string(v) != "v" {
		t.Fatalf("far tier missing value, got %q", v)
	}

	_ = near.Delete(ctx, "k")
	if v, err := c.Get(ctx, "k"); err != nil || string(v) != "v" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	if v, _ := near.Get(ctx, "k"); string(v) != "v" {
		t.Error("far hit was not promoted to the near tier")
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if v, _ := c.Get(ctx, "k"); v != nil {
		t.Errorf("expected miss after delete, got %q", v)
	}
	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestGetScoreUndecodable(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(10)
	_ = c.Set(ctx, "score:bad", []byte("{not json"), time.Minute)

	res, err := c.GetScore(ctx, "bad")
	if err == nil || res != nil {
		t.Errorf("expected decode error, got %+v %v", res, err)
	}
	res, err = c.GetScore(ctx, "absent")
	if err != nil || res != nil {
		t.Errorf("expected nil, nil on a miss, got %+v %v", res, err)
	}
}
