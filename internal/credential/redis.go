package credential

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "rtvoice:ek:"

// RedisStore shares grants between gateway instances. Tokens are stored
// hashed; GETDEL gives single use across instances.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func redisKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return redisKeyPrefix + hex.EncodeToString(sum[:])
}

func (r *RedisStore) Put(ctx context.Context, token string, g Grant, ttl time.Duration) error {
	payload, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(token), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisStore) Take(ctx context.Context, token string) (Grant, error) {
	payload, err := r.client.GetDel(ctx, redisKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Grant{}, ErrNotFound
	}
	if err != nil {
		return Grant{}, fmt.Errorf("redis getdel: %w", err)
	}
	var g Grant
	if err := json.Unmarshal(payload, &g); err != nil {
		return Grant{}, fmt.Errorf("decode grant: %w", err)
	}
	return g, nil
}

func (r *RedisStore) Delete(ctx context.Context, token string) (bool, error) {
	n, err := r.client.Del(ctx, redisKey(token)).Result()
	if err != nil {
		return false, fmt.Errorf("redis del: %w", err)
	}
	return n > 0, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// NewStore returns a Redis store when redisURL is set, otherwise an
// in-memory store.
func NewStore(ctx context.Context, redisURL string) (Store, error) {
	if redisURL == "" {
		m := NewMemoryStore()
		m.StartJanitor(ctx, 10*time.Second)
		return m, nil
	}
	return NewRedisStore(ctx, redisURL)
}
