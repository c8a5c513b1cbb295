package dedup

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/user/chatpilot/internal/types"
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client, "test:", "acct1")
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	added, err := s.MarkNew(ctx, "m1")
	if err != nil || !added {
		t.Fatalf("first MarkNew = %v, %v", added, err)
	}
	added, err = s.MarkNew(ctx, "m1")
	if err != nil || added {
		t.Fatalf("second MarkNew = %v, %v", added, err)
	}
	if ok, _ := s.Contains(ctx, "m1"); !ok {
		t.Error("m1 should be present")
	}
	if ok, _ := s.Contains(ctx, "m2"); ok {
		t.Error("m2 should be absent")
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	_, s := setupMiniredis(t)
	exerciseStore(t, s)
}

func TestRedisStoreKey(t *testing.T) {
	mr, s := setupMiniredis(t)
	if _, err := s.MarkNew(context.Background(), "m9"); err != nil {
		t.Fatal(err)
	}
	ok, err := mr.SIsMember("test:processed:acct1", "m9")
	if err != nil || !ok {
		t.Errorf("member not found under expected key: %v, %v", ok, err)
	}
}

func TestRedisStoreSurvivesReconnect(t *testing.T) {
	mr, s := setupMiniredis(t)
	ctx := context.Background()
	s.MarkNew(ctx, "m1")

	other := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:", "acct1")
	defer other.Close()
	added, err := other.MarkNew(ctx, "m1")
	if err != nil || added {
		t.Errorf("MarkNew on second client = %v, %v; want false", added, err)
	}
}

func TestNewRedisStoreFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(RedisConfig{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer s.Close()
	if s.key != "chatpilot:processed:default" {
		t.Errorf("key = %q", s.key)
	}
}

func TestNewRedisStoreRequiresURL(t *testing.T) {
	if _, err := NewRedisStore(RedisConfig{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestMemoryStoreConcurrentMarkNew(t *testing.T) {
	s := NewMemoryStore()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := s.MarkNew(context.Background(), types.MessageID("same")); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
}
