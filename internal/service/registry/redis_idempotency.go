package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultReservationTTL = 24 * time.Hour
	defaultLockTTL        = 15 * time.Second
	keyPrefix             = "execution-engine"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// IdempotencyStore reserves clientRequestIds across engine instances.
type IdempotencyStore interface {
	Reserve(ctx context.Context, clientRequestID, strategyID string) (owner string, reserved bool, err error)
	Release(ctx context.Context, clientRequestID, strategyID string) error
}

type RedisIdempotencyStore struct {
	client         *redis.Client
	reservationTTL time.Duration
}

func NewRedisIdempotencyStore(client *redis.Client, reservationTTL time.Duration) *RedisIdempotencyStore {
	if reservationTTL <= 0 {
		reservationTTL = defaultReservationTTL
	}
	return &RedisIdempotencyStore{client: client, reservationTTL: reservationTTL}
}

// Reserve claims clientRequestID for strategyID. When another strategy already
// holds the reservation its id is returned with reserved=false.
func (s *RedisIdempotencyStore) Reserve(ctx context.Context, clientRequestID, strategyID string) (string, bool, error) {
	key := requestKey(clientRequestID)

	acquired, err := s.client.SetNX(ctx, key, strategyID, s.reservationTTL).Result()
	if err != nil {
		return "", false, err
	}
	if acquired {
		return strategyID, true, nil
	}

	owner, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// expired between SETNX and GET
			return s.Reserve(ctx, clientRequestID, strategyID)
		}
		return "", false, err
	}

	return owner, owner == strategyID, nil
}

// Release drops the reservation if strategyID still owns it.
func (s *RedisIdempotencyStore) Release(ctx context.Context, clientRequestID, strategyID string) error {
	return s.compareAndDelete(ctx, requestKey(clientRequestID), strategyID)
}

func (s *RedisIdempotencyStore) AcquireLock(ctx context.Context, name string, ttl time.Duration, owner string) (bool, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	return s.client.SetNX(ctx, lockKey(name), owner, ttl).Result()
}

func (s *RedisIdempotencyStore) ReleaseLock(ctx context.Context, name string, owner string) error {
	return s.compareAndDelete(ctx, lockKey(name), owner)
}

func (s *RedisIdempotencyStore) compareAndDelete(ctx context.Context, key, owner string) error {
	_, err := releaseScript.Run(ctx, s.client, []string{key}, owner).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	return nil
}

// Heartbeat (re)writes the presence key of name for ttl.
func (s *RedisIdempotencyStore) Heartbeat(ctx context.Context, name string, owner string, ttl time.Duration) error {
	return s.client.Set(ctx, heartbeatKey(name), owner, ttl).Err()
}

func (s *RedisIdempotencyStore) HeartbeatAlive(ctx context.Context, name string) (bool, error) {
	n, err := s.client.Exists(ctx, heartbeatKey(name)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StopHeartbeat removes the presence key unless another owner refreshed it.
func (s *RedisIdempotencyStore) StopHeartbeat(ctx context.Context, name string, owner string) error {
	return s.compareAndDelete(ctx, heartbeatKey(name), owner)
}

func requestKey(clientRequestID string) string {
	return fmt.Sprintf("%s:request:%s", keyPrefix, clientRequestID)
}

func lockKey(name string) string {
	return fmt.Sprintf("%s:%s:processing-lock", keyPrefix, name)
}

func heartbeatKey(name string) string {
	return fmt.Sprintf("%s:%s:heartbeat", keyPrefix, name)
}
