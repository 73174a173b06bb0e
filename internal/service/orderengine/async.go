package orderengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/execution-engine/internal/constant"
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/krobus00/execution-engine/internal/service/risk"
	"github.com/krobus00/execution-engine/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const defaultHandlerTimeout = 30 * time.Second

var (
	_ entity.Publisher  = (*OrderEngineService)(nil)
	_ entity.Subscriber = (*OrderEngineService)(nil)
)

func (s *OrderEngineService) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.ExecutionEngineStreamName,
		Subjects:  []string{constant.ExecutionEngineStreamSubjectAll},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
	}

	stream, err := s.js.StreamInfo(constant.ExecutionEngineStreamName, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.ExecutionEngineStreamName)
		_, err = s.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.ExecutionEngineStreamName)
	_, err = s.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	return nil
}

func (s *OrderEngineService) JetstreamEventSubscribe(ctx context.Context) error {
	err := s.JetstreamEventInit(ctx)
	if err != nil {
		logrus.Error(err)
		return err
	}

	timeout := s.async.HandlerTimeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}

	_, err = s.js.QueueSubscribe(
		constant.ExecutionEngineStreamSubjectPlaceOrder,
		constant.ExecutionEngineQueueName,
		func(msg *nats.Msg) {
			err := util.ProcessWithTimeout(ctx, timeout, msg, s.handlePlaceOrderEvent)
			if err != nil {
				logrus.Errorf("error processing message: %v", err)
				return
			}

			err = msg.Ack()
			if err != nil {
				logrus.Errorf("failed to acknowledge message: %v", err)
				return
			}
		},
		nats.ManualAck(),
		nats.Durable(constant.ExecutionEngineQueueGroup),
	)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", constant.ExecutionEngineStreamSubjectPlaceOrder, err)
	}

	return nil
}

func (s *OrderEngineService) handlePlaceOrderEvent(ctx context.Context, msg *nats.Msg) (err error) {
	logger := logrus.WithFields(logrus.Fields{
		"req": string(msg.Data),
	})

	// a null payload decodes to the zero event and fails validation below
	var req entity.PlaceOrderRequestEvent
	err = json.Unmarshal(msg.Data, &req)
	if err != nil {
		logger.Error(err)
		// A payload that cannot be decoded will never succeed; ack it.
		return nil
	}

	defer func() {
		if err == nil {
			return
		}

		logger.Error(err)
		req.RetryCount++
		if req.RetryCount >= s.async.MaxRetries {
			err = nil
			return
		}

		if pubErr := util.PublishEvent(context.WithoutCancel(ctx), s.js, constant.ExecutionEngineStreamSubjectPlaceOrder, req); pubErr != nil {
			logger.Error(pubErr)
			return
		}
		err = nil
	}()

	if req.ExpiredAt != nil && *req.ExpiredAt < time.Now().UTC().Unix() {
		req.RetryCount = s.async.MaxRetries
		return fmt.Errorf("order request has expired: %s", req.Data.ClientRequestID)
	}

	_, err = s.PlaceOrder(ctx, req.Data)
	if err != nil {
		if errors.Is(err, risk.ErrValidation) || errors.Is(err, risk.ErrKillSwitch) || errors.Is(err, ErrPlaceOrderFailed) {
			// The strategy is recorded or never will be; a retry would not change the outcome.
			req.RetryCount = s.async.MaxRetries
			logger.WithError(err).Warn("order request not retried")
			return nil
		}
		return err
	}

	return nil
}

// PlaceOrderAsync queues req on the work queue; a worker places it later.
func (s *OrderEngineService) PlaceOrderAsync(ctx context.Context, req entity.PlaceOrderRequest, expiredAt *int64) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	event := entity.PlaceOrderRequestEvent{
		RetryCount: 0,
		Data:       req,
		ExpiredAt:  expiredAt,
	}

	err := util.PublishEvent(ctx, s.js, constant.ExecutionEngineStreamSubjectPlaceOrder, event)
	if err != nil {
		logrus.Error(err)
		return ErrPublishOrderEventFailed
	}

	return nil
}
