package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store. Each table is one hash at prefix+table.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

// NewRedisStore creates a Redis-backed store.
// prefix namespaces the hashes, e.g. "offlinekit:".
func NewRedisStore(client *redis.Client, prefix string, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		timeout: timeout,
	}
}

func (s *RedisStore) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func (s *RedisStore) Init(ctx context.Context) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	data, err := s.client.HGet(ctx, s.prefix+table, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (s *RedisStore) Put(ctx context.Context, table, key string, value []byte) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.client.HSet(ctx, s.prefix+table, key, value).Err()
}

func (s *RedisStore) Delete(ctx context.Context, table, key string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.client.HDel(ctx, s.prefix+table, key).Err()
}

func (s *RedisStore) GetAll(ctx context.Context, table string) (map[string][]byte, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	raw, err := s.client.HGetAll(ctx, s.prefix+table).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

// Drop removes a whole table.
func (s *RedisStore) Drop(ctx context.Context, table string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.client.Del(ctx, s.prefix+table).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
