package cache

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis connects to a local Redis and skips when none is running.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})
	return client
}

func TestNewRedisStorageRequiresClient(t *testing.T) {
	if _, err := NewRedisStorage(nil, "site"); err == nil {
		t.Fatal("expected error for nil client")
	}
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()
	if _, err := NewRedisStorage(client, ""); err == nil {
		t.Fatal("expected error for empty namespace")
	}
}

func TestRedisStorageLifecycle(t *testing.T) {
	client := setupTestRedis(t)
	store, err := NewRedisStorage(client, "deep-blue")
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	ctx := context.Background()

	part, err := store.Open(ctx, "dcms-v1-static")
	if err != nil {
		t.Fatalf("open error: %v", err)
	}
	key := mustKey(t, "https://book.deepblue.local/manifest.json")
	if err := part.Put(ctx, key, NewSnapshot(http.StatusOK, http.Header{"Content-Type": []string{"application/json"}}, []byte(`{"name":"dcms"}`))); err != nil {
		t.Fatalf("put error: %v", err)
	}

	snap, partition, err := store.Match(ctx, key)
	if err != nil {
		t.Fatalf("match error: %v", err)
	}
	if partition != "dcms-v1-static" || string(snap.Body) != `{"name":"dcms"}` {
		t.Fatalf("unexpected match %s %q", partition, snap.Body)
	}

	// 不同命名空间互不可见。
	other, _ := NewRedisStorage(client, "coral-bay")
	if _, _, err := other.Match(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected namespace isolation, got %v", err)
	}

	deleted, err := store.Delete(ctx, "dcms-v1-static")
	if err != nil || !deleted {
		t.Fatalf("delete failed: %v %v", deleted, err)
	}
	if _, _, err := store.Match(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}
