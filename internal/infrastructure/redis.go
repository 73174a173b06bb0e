package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/krobus00/execution-engine/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

const defaultRedisPingTimeout = 3 * time.Second

// NewRedisClient parses cfg.CacheDSN and waits until the server answers PING.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	dsn := strings.TrimSpace(cfg.CacheDSN)
	if dsn == "" {
		return nil, errors.New("redis cache_dsn is required")
	}

	options, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis cache_dsn: %w", err)
	}

	client := redis.NewClient(options)

	backoff := backoffConfig{}.withDefaults(defaultDBMaxRetry, defaultBackoffFactor, defaultMinJitter, defaultMaxJitter)
	err = retry.Do(ctx, backoff.retryBackoff(newRand()), func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, defaultRedisPingTimeout)
		defer cancel()

		if err := client.Ping(pingCtx).Err(); err != nil {
			logrus.WithField("redis_addr", options.Addr).Warnf("redis ping failed: %v", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	logrus.WithField("redis_addr", options.Addr).Info("redis connection established")
	return client, nil
}
