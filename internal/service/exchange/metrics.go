package exchange

import (
	"context"
	"errors"

	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var gatewayRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "execution_engine",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Total number of exchange gateway calls by outcome",
	},
	[]string{"exchange", "operation", "outcome"},
)

var gatewayRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "execution_engine",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Exchange gateway call latency including rate limit waits and retries",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"exchange", "operation"},
)

var gatewayRetries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "execution_engine",
		Subsystem: "gateway",
		Name:      "retries_total",
		Help:      "Total number of retried exchange gateway calls",
	},
	[]string{"exchange", "operation"},
)

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, entity.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, entity.ErrUnreachable):
		return "unreachable"
	case errors.Is(err, entity.ErrRejected):
		return "rejected"
	case errors.Is(err, entity.ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, entity.ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
