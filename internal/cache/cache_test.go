package cache

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/heron/internal/domain"
)

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100, time.Minute)
	ctx := context.Background()
	namespace := "prod"

	t.Run("SetAndGet", func(t *testing.T) {
		err := cache.Set(ctx, namespace, "key1", []byte("value1"), time.Minute)
		if err != nil {
			t.Fatalf("Set failed: %v", err)
		}

		val, err := cache.Get(ctx, namespace, "key1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if string(val) != "value1" {
			t.Errorf("expected 'value1', got '%s'", string(val))
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, namespace, "nonexistent")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for cache miss, got: %v", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, namespace, "key2", []byte("value2"), time.Minute)

		err := cache.Delete(ctx, namespace, "key2")
		if err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		val, _ := cache.Get(ctx, namespace, "key2")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		_ = cache.Set(ctx, namespace, "expiring", []byte("temp"), 10*time.Millisecond)

		val, _ := cache.Get(ctx, namespace, "expiring")
		if val == nil {
			t.Error("expected value before expiration")
		}

		time.Sleep(20 * time.Millisecond)

		val, _ = cache.Get(ctx, namespace, "expiring")
		if val != nil {
			t.Error("expected nil after expiration")
		}
	})

	t.Run("LRUEviction", func(t *testing.T) {
		smallCache := NewLRUCache(3, time.Minute)

		_ = smallCache.Set(ctx, namespace, "a", []byte("1"), time.Minute)
		_ = smallCache.Set(ctx, namespace, "b", []byte("2"), time.Minute)
		_ = smallCache.Set(ctx, namespace, "c", []byte("3"), time.Minute)

		// Access 'a' to make it recently used
		_, _ = smallCache.Get(ctx, namespace, "a")

		// Add 'd' - should evict 'b' (oldest accessed)
		_ = smallCache.Set(ctx, namespace, "d", []byte("4"), time.Minute)

		val, _ := smallCache.Get(ctx, namespace, "b")
		if val != nil {
			t.Error("expected 'b' to be evicted")
		}

		val, _ = smallCache.Get(ctx, namespace, "a")
		if val == nil {
			t.Error("expected 'a' to still exist")
		}
	})

	t.Run("NamespaceIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "dev", "shared-key", []byte("dev-value"), time.Minute)
		_ = cache.Set(ctx, "prod", "shared-key", []byte("prod-value"), time.Minute)

		val1, _ := cache.Get(ctx, "dev", "shared-key")
		val2, _ := cache.Get(ctx, "prod", "shared-key")

		if string(val1) != "dev-value" {
			t.Errorf("expected 'dev-value', got '%s'", string(val1))
		}
		if string(val2) != "prod-value" {
			t.Errorf("expected 'prod-value', got '%s'", string(val2))
		}
	})

	t.Run("RequiresNamespace", func(t *testing.T) {
		err := cache.Set(ctx, "", "key", []byte("value"), time.Minute)
		if err == nil {
			t.Error("expected error for empty namespace")
		}

		_, err = cache.Get(ctx, "", "key")
		if err == nil {
			t.Error("expected error for empty namespace")
		}
	})

	t.Run("DatasetCache", func(t *testing.T) {
		ds := domain.NewDataset([]string{"channel", "amount"}, []domain.Row{
			{"channel": "web", "amount": 120.5},
			{"channel": "store", "amount": 80.0},
		})

		if err := cache.SetDataset(ctx, namespace, "dataset:orders", ds, time.Minute); err != nil {
			t.Fatalf("SetDataset failed: %v", err)
		}

		got, err := cache.GetDataset(ctx, namespace, "dataset:orders")
		if err != nil {
			t.Fatalf("GetDataset failed: %v", err)
		}
		if got == nil || got.Len() != 2 {
			t.Fatalf("expected 2 rows, got %v", got)
		}
		if v, _ := got.Float(0, "amount"); v != 120.5 {
			t.Errorf("expected amount 120.5, got %v", v)
		}
		if s, _ := got.Text(1, "channel"); s != "store" {
			t.Errorf("expected channel store, got %s", s)
		}

		miss, err := cache.GetDataset(ctx, namespace, "dataset:missing")
		if err != nil || miss != nil {
			t.Errorf("expected clean miss, got %v, %v", miss, err)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		statsCache := NewLRUCache(50, time.Minute)
		_ = statsCache.Set(ctx, namespace, "k1", []byte("v1"), time.Minute)
		_ = statsCache.Set(ctx, namespace, "k2", []byte("v2"), time.Minute)

		size, capacity := statsCache.Stats()
		if size != 2 {
			t.Errorf("expected size 2, got %d", size)
		}
		if capacity != 50 {
			t.Errorf("expected capacity 50, got %d", capacity)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := cache.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10, time.Minute)
		_ = testCache.Set(ctx, namespace, "k", []byte("v"), time.Minute)

		if err := testCache.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}

		val, _ := testCache.Get(ctx, namespace, "k")
		if val != nil {
			t.Error("expected cache to be cleared after close")
		}
	})
}

func TestTwoPhaseCache(t *testing.T) {
	ctx := context.Background()
	remote := NewLRUCache(100, time.Hour)
	c := newTwoPhase(NewLRUCache(10, time.Minute), remote, time.Minute)

	t.Run("WriteThrough", func(t *testing.T) {
		if err := c.Set(ctx, "prod", "k", []byte("v"), time.Hour); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		val, _ := remote.Get(ctx, "prod", "k")
		if string(val) != "v" {
			t.Errorf("expected L2 to hold value, got %q", val)
		}
	})

	t.Run("PopulatesL1", func(t *testing.T) {
		_ = remote.Set(ctx, "prod", "only-remote", []byte("r"), time.Hour)

		val, err := c.Get(ctx, "prod", "only-remote")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(val) != "r" {
			t.Errorf("expected 'r', got %q", val)
		}

		local, _ := c.local.Get(ctx, "prod", "only-remote")
		if string(local) != "r" {
			t.Error("expected L1 to be populated after L2 hit")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Delete(ctx, "prod", "k")
		if val, _ := c.Get(ctx, "prod", "k"); val != nil {
			t.Error("expected nil after delete")
		}
	})
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100,
		}

		cache, err := New(cfg)
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		if !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		cfg := domain.CacheConfig{
			Type: "memcached",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
