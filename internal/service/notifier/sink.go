package notifier

import (
	"context"
	"errors"
	"time"

	"github.com/krobus00/execution-engine/internal/constant"
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/krobus00/execution-engine/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

var (
	_ Sink             = LogSink{}
	_ Sink             = (*JetStreamSink)(nil)
	_ entity.Publisher = (*JetStreamSink)(nil)
)

// LogSink writes every event to the structured log.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(_ context.Context, event entity.LifecycleEvent) error {
	logger := logrus.WithFields(logrus.Fields{
		"event_id":    event.ID,
		"type":        event.Type,
		"strategy_id": event.StrategyID,
		"leg_id":      event.LegID,
		"symbol":      event.Symbol,
		"status":      event.Status,
	})

	switch event.Type {
	case entity.EventAnomalyDetected:
		if event.Severity == entity.AnomalySeverityError {
			logger.Error(event.Message)
			return nil
		}
		logger.Warn(event.Message)
	default:
		logger.Info("lifecycle event")
	}
	return nil
}

// JetStreamSink publishes events to the lifecycle stream, one subject per
// event type.
type JetStreamSink struct {
	js nats.JetStreamContext
}

func NewJetStreamSink(js nats.JetStreamContext) *JetStreamSink {
	return &JetStreamSink{js: js}
}

func (s *JetStreamSink) Name() string { return "jetstream" }

func (s *JetStreamSink) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.LifecycleStreamName,
		Subjects:  []string{constant.LifecycleStreamSubjectAll},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  1,
	}

	stream, err := s.js.StreamInfo(constant.LifecycleStreamName)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.LifecycleStreamName)
		_, err = s.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.LifecycleStreamName)
	_, err = s.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	logrus.Infof("stream %s is ready", constant.LifecycleStreamName)

	return nil
}

func (s *JetStreamSink) Deliver(ctx context.Context, event entity.LifecycleEvent) error {
	return util.PublishEvent(ctx, s.js, constant.LifecycleStreamSubjectPrefix+string(event.Type), event)
}
