package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "checkin:ratelimit:"

// Redis shares the window across replicas. Keys expire on their own so
// no sweep is needed.
type Redis struct {
	client *redis.Client
	window time.Duration
}

func NewRedis(client *redis.Client, window time.Duration) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if window <= 0 {
		return nil, errors.New("rate limit window must be positive")
	}
	return &Redis{client: client, window: window}, nil
}

func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, redisKeyPrefix+key, "1", r.window).Result()
}
