package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/user/chatpilot/internal/types"
)

const defaultPrefix = "chatpilot:"

// RedisStore keeps the processed set in a Redis SET so it survives
// restarts and can be shared by several instances.
type RedisStore struct {
	client *redis.Client
	key    string
}

var _ Store = (*RedisStore)(nil)

// RedisConfig holds the connection settings.
type RedisConfig struct {
	// URL is a redis:// URL.
	URL string
	// Prefix is prepended to the set key (default "chatpilot:").
	Prefix string
	// Account scopes the set to one platform account.
	Account string
}

// NewRedisStore connects and pings the server.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.Account), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix, account string) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if account == "" {
		account = "default"
	}
	return &RedisStore{client: client, key: prefix + "processed:" + account}
}

// MarkNew relies on SADD reporting how many members were added, which makes
// check-and-insert a single atomic step.
func (s *RedisStore) MarkNew(ctx context.Context, id types.MessageID) (bool, error) {
	n, err := s.client.SAdd(ctx, s.key, string(id)).Result()
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Contains(ctx context.Context, id types.MessageID) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key, string(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check processed: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Len(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }
