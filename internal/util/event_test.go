package util

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestProcessWithTimeout(t *testing.T) {
	msg := &nats.Msg{Subject: "execution_engine.place_order", Data: []byte(`{}`)}

	t.Run("returns callback result", func(t *testing.T) {
		errBoom := errors.New("boom")
		err := ProcessWithTimeout(context.Background(), time.Second, msg, func(context.Context, *nats.Msg) error {
			return errBoom
		})
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("deadline exceeded", func(t *testing.T) {
		err := ProcessWithTimeout(context.Background(), 10*time.Millisecond, msg, func(ctx context.Context, _ *nats.Msg) error {
			<-ctx.Done()
			time.Sleep(20 * time.Millisecond)
			return nil
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Contains(t, err.Error(), msg.Subject)
	})

	t.Run("parent canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := ProcessWithTimeout(ctx, time.Second, msg, func(ctx context.Context, _ *nats.Msg) error {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
