package database

import (
	"context"
	"fmt"

	"duet/internal/config"
	"duet/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// Redis wraps a connected go-redis client
type Redis struct {
	*redis.Client
}

// ConnectRedis creates a client and verifies it with a ping
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis at %s: %w", cfg.Addr, err)
	}
	logger.Infof("Connected to Redis at %s", cfg.Addr)
	return &Redis{Client: rdb}, nil
}

// HealthCheck pings the server
func (r *Redis) HealthCheck(ctx context.Context) error {
	return r.Ping(ctx).Err()
}
