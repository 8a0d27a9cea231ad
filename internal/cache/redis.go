package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Anipaleja/cdn-defender/internal/config"
	"github.com/Anipaleja/cdn-defender/internal/errdefs"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries under <prefix><checksum> with no expiry, for
// sharing one cache between several hosts.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the configured server.
func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errdefs.CacheIO("connect", fmt.Errorf("redis %s: %w", cfg.Addr, err))
	}

	return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
}

func (s *RedisStore) key(checksum string) string {
	return s.prefix + checksum
}

func (s *RedisStore) Get(ctx context.Context, checksum string) ([]byte, bool, error) {
	if !validChecksum(checksum) {
		return nil, false, errdefs.CacheIO("get", fmt.Errorf("invalid checksum %q", checksum))
	}

	data, err := s.client.Get(ctx, s.key(checksum)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errdefs.CacheIO("get", err)
	}
	return data, true, nil
}

func (s *RedisStore) Put(ctx context.Context, checksum, name string, data []byte) error {
	if !validChecksum(checksum) {
		return errdefs.CacheIO("put", fmt.Errorf("invalid checksum %q", checksum))
	}

	if err := s.client.Set(ctx, s.key(checksum), data, 0).Err(); err != nil {
		return errdefs.CacheIO("put", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
