package orderengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var strategiesPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "execution_engine",
		Subsystem: "engine",
		Name:      "strategies_placed_total",
		Help:      "Total number of placement requests by strategy kind and outcome",
	},
	[]string{"kind", "outcome"},
)

var legsSubmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "execution_engine",
		Subsystem: "engine",
		Name:      "legs_submitted_total",
		Help:      "Total number of leg submissions by order kind and outcome",
	},
	[]string{"order_kind", "outcome"},
)

var legCancels = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "execution_engine",
		Subsystem: "engine",
		Name:      "leg_cancels_total",
		Help:      "Total number of leg cancellations by outcome",
	},
	[]string{"outcome"},
)

var activeRunners = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "execution_engine",
		Subsystem: "engine",
		Name:      "active_strategy_runners",
		Help:      "Number of TWAP and grid strategies still scheduling legs",
	},
)

var ocoDoubleFills = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "execution_engine",
		Subsystem: "engine",
		Name:      "oco_double_fills_total",
		Help:      "Total number of OCO strategies where both legs filled",
	},
)
