package notifier

import (
	"context"
	"time"

	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const (
	defaultBufferSize   = 1024
	defaultDeliverDelay = 5 * time.Second
	drainTimeout        = 5 * time.Second
)

var droppedEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "execution_engine",
		Subsystem: "notifier",
		Name:      "dropped_events_total",
		Help:      "Lifecycle events dropped because the notifier buffer was full",
	},
	[]string{"type"},
)

var deliveredEvents = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "execution_engine",
		Subsystem: "notifier",
		Name:      "delivered_events_total",
		Help:      "Lifecycle events handed to sinks by outcome",
	},
	[]string{"sink", "outcome"},
)

// Sink receives lifecycle events off the engine's goroutines.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event entity.LifecycleEvent) error
}

// AsyncNotifier buffers events and fans them out to sinks from Run.
// Notify drops events when the buffer is full.
type AsyncNotifier struct {
	events  chan entity.LifecycleEvent
	sinks   []Sink
	timeout time.Duration
}

func NewAsyncNotifier(bufferSize int, sinks ...Sink) *AsyncNotifier {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	return &AsyncNotifier{
		events:  make(chan entity.LifecycleEvent, bufferSize),
		sinks:   sinks,
		timeout: defaultDeliverDelay,
	}
}

func (n *AsyncNotifier) Notify(event entity.LifecycleEvent) {
	select {
	case n.events <- event:
	default:
		droppedEvents.WithLabelValues(string(event.Type)).Inc()
		logrus.WithFields(logrus.Fields{
			"type":        event.Type,
			"strategy_id": event.StrategyID,
		}).Warn("notifier buffer full, dropping event")
	}
}

// Run delivers events until ctx is done, then drains what is already buffered.
func (n *AsyncNotifier) Run(ctx context.Context) {
	for {
		select {
		case event := <-n.events:
			n.deliver(ctx, event)
		case <-ctx.Done():
			n.drain()
			return
		}
	}
}

func (n *AsyncNotifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case event := <-n.events:
			n.deliver(ctx, event)
		default:
			return
		}
	}
}

func (n *AsyncNotifier) deliver(ctx context.Context, event entity.LifecycleEvent) {
	for _, sink := range n.sinks {
		deliverCtx, cancel := context.WithTimeout(ctx, n.timeout)
		err := sink.Deliver(deliverCtx, event)
		cancel()

		if err != nil {
			deliveredEvents.WithLabelValues(sink.Name(), "error").Inc()
			logrus.WithError(err).WithFields(logrus.Fields{
				"sink":        sink.Name(),
				"type":        event.Type,
				"strategy_id": event.StrategyID,
			}).Error("failed to deliver lifecycle event")
			continue
		}
		deliveredEvents.WithLabelValues(sink.Name(), "ok").Inc()
	}
}
