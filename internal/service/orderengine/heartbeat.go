package orderengine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	GatewayHeartbeatName     = "execution-engine-gateway"
	defaultHeartbeatInterval = 5 * time.Second
)

// Heartbeater advertises running gateways so a standalone sync worker keeps
// off legs a gateway is still scheduling.
type Heartbeater interface {
	Heartbeat(ctx context.Context, name string, owner string, ttl time.Duration) error
	HeartbeatAlive(ctx context.Context, name string) (bool, error)
	StopHeartbeat(ctx context.Context, name string, owner string) error
}

// RunGatewayHeartbeat refreshes the gateway heartbeat every interval until
// ctx ends. The key outlives three missed beats.
func RunGatewayHeartbeat(ctx context.Context, beat Heartbeater, owner string, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ttl := 3 * interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := beat.Heartbeat(ctx, GatewayHeartbeatName, owner, ttl); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Warn("failed to refresh gateway heartbeat")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// EnsureNoGateway fails with ErrGatewayRunning while any gateway heartbeat is
// alive.
func EnsureNoGateway(ctx context.Context, beat Heartbeater) error {
	alive, err := beat.HeartbeatAlive(ctx, GatewayHeartbeatName)
	if err != nil {
		return err
	}
	if alive {
		return ErrGatewayRunning
	}
	return nil
}
