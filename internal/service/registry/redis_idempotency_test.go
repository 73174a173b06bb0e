package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T, reservationTTL time.Duration) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisIdempotencyStore(client, reservationTTL), server
}

func TestNewRedisIdempotencyStoreDefaultTTL(t *testing.T) {
	store, _ := newTestRedisStore(t, 0)
	assert.Equal(t, defaultReservationTTL, store.reservationTTL)
}

func TestRedisReserve(t *testing.T) {
	store, server := newTestRedisStore(t, time.Hour)
	ctx := context.Background()

	owner, reserved, err := store.Reserve(ctx, "req-1", "strategy-1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, "strategy-1", owner)
	assert.Equal(t, time.Hour, server.TTL(requestKey("req-1")))

	owner, reserved, err = store.Reserve(ctx, "req-1", "strategy-2")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "strategy-1", owner)

	owner, reserved, err = store.Reserve(ctx, "req-1", "strategy-1")
	require.NoError(t, err)
	assert.True(t, reserved, "the owner may reserve again")
	assert.Equal(t, "strategy-1", owner)

	server.FastForward(time.Hour + time.Second)

	owner, reserved, err = store.Reserve(ctx, "req-1", "strategy-2")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Equal(t, "strategy-2", owner)
}

func TestRedisRelease(t *testing.T) {
	store, server := newTestRedisStore(t, time.Hour)
	ctx := context.Background()

	_, _, err := store.Reserve(ctx, "req-1", "strategy-1")
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, "req-1", "strategy-2"))
	value, err := server.Get(requestKey("req-1"))
	require.NoError(t, err)
	assert.Equal(t, "strategy-1", value)

	require.NoError(t, store.Release(ctx, "req-1", "strategy-1"))
	assert.False(t, server.Exists(requestKey("req-1")))

	assert.NoError(t, store.Release(ctx, "req-missing", "strategy-1"))
}

func TestRedisProcessingLock(t *testing.T) {
	store, server := newTestRedisStore(t, time.Hour)
	ctx := context.Background()

	acquired, err := store.AcquireLock(ctx, "order-status-sync", 0, "worker-a")
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.Equal(t, defaultLockTTL, server.TTL(lockKey("order-status-sync")))

	acquired, err = store.AcquireLock(ctx, "order-status-sync", time.Second, "worker-b")
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, store.ReleaseLock(ctx, "order-status-sync", "worker-b"))
	assert.True(t, server.Exists(lockKey("order-status-sync")), "only the holder may release")

	require.NoError(t, store.ReleaseLock(ctx, "order-status-sync", "worker-a"))
	assert.False(t, server.Exists(lockKey("order-status-sync")))

	acquired, err = store.AcquireLock(ctx, "order-status-sync", time.Second, "worker-b")
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestRedisHeartbeat(t *testing.T) {
	store, server := newTestRedisStore(t, time.Hour)
	ctx := context.Background()

	alive, err := store.HeartbeatAlive(ctx, "gateway")
	require.NoError(t, err)
	assert.False(t, alive)

	require.NoError(t, store.Heartbeat(ctx, "gateway", "instance-a", 15*time.Second))
	alive, err = store.HeartbeatAlive(ctx, "gateway")
	require.NoError(t, err)
	assert.True(t, alive)
	assert.Equal(t, 15*time.Second, server.TTL(heartbeatKey("gateway")))

	require.NoError(t, store.StopHeartbeat(ctx, "gateway", "instance-b"))
	assert.True(t, server.Exists(heartbeatKey("gateway")))

	require.NoError(t, store.StopHeartbeat(ctx, "gateway", "instance-a"))
	assert.False(t, server.Exists(heartbeatKey("gateway")))

	require.NoError(t, store.Heartbeat(ctx, "gateway", "instance-a", 15*time.Second))
	server.FastForward(16 * time.Second)
	alive, err = store.HeartbeatAlive(ctx, "gateway")
	require.NoError(t, err)
	assert.False(t, alive, "a heartbeat nobody refreshes expires")
}

func TestRedisStoreErrors(t *testing.T) {
	store, server := newTestRedisStore(t, time.Hour)
	ctx := context.Background()
	server.SetError("LOADING Redis is loading the dataset in memory")

	_, _, err := store.Reserve(ctx, "req-1", "strategy-1")
	assert.Error(t, err)
	_, err = store.AcquireLock(ctx, "order-status-sync", time.Second, "worker-a")
	assert.Error(t, err)
	_, err = store.HeartbeatAlive(ctx, "gateway")
	assert.Error(t, err)
	assert.Error(t, store.Release(ctx, "req-1", "strategy-1"))
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "execution-engine:request:req-1", requestKey("req-1"))
	assert.Equal(t, "execution-engine:order-status-sync:processing-lock", lockKey("order-status-sync"))
	assert.Equal(t, "execution-engine:execution-engine-gateway:heartbeat", heartbeatKey("execution-engine-gateway"))
}
