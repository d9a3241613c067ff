package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "cbtscore:rl:"

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis admits one event per key per interval across every instance sharing
// the server. The first caller sets the key with a TTL; later callers fail
// the SET NX until it expires.
type Redis struct {
	client   *redis.Client
	interval time.Duration
}

func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewRedis(client *redis.Client, interval time.Duration) *Redis {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Redis{client: client, interval: interval}
}

func (l *Redis) Allow(ctx context.Context, key string) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+key, 1, l.interval).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}
