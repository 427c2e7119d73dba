package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "solarforecast:flow:"

// RedisStore keeps flows in Redis so any replica can continue a flow.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ SessionStore = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore whose flows expire after ttl.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Get(ctx context.Context, flowID string) (Flow, error) {
	val, err := r.client.Get(ctx, redisKeyPrefix+flowID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Flow{}, ErrUnknownFlow
	}
	if err != nil {
		return Flow{}, fmt.Errorf("redis get failed: %w", err)
	}
	var f Flow
	if err := json.Unmarshal(val, &f); err != nil {
		return Flow{}, fmt.Errorf("failed to unmarshal flow %s: %w", flowID, err)
	}
	return f, nil
}

func (r *RedisStore) Put(ctx context.Context, flow Flow) error {
	data, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", flow.ID, err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+flow.ID, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, flowID string) error {
	n, err := r.client.Del(ctx, redisKeyPrefix+flowID).Result()
	if err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	if n == 0 {
		return ErrUnknownFlow
	}
	return nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
