package entity

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDuplicateClientRequestID reports a clientRequestId that already owns a
// strategy, in memory or in storage.
var ErrDuplicateClientRequestID = errors.New("client request id already accepted")

type StrategyKind string
type StrategyStatus string
type AnomalySeverity string

const (
	StrategyKindSimple StrategyKind = "SIMPLE"
	StrategyKindOCO    StrategyKind = "OCO"
	StrategyKindTWAP   StrategyKind = "TWAP"
	StrategyKindGrid   StrategyKind = "GRID"

	StrategyStatusOpen        StrategyStatus = "OPEN"
	StrategyStatusCanceling   StrategyStatus = "CANCELING"
	StrategyStatusCompleted   StrategyStatus = "COMPLETED"
	StrategyStatusCanceled    StrategyStatus = "CANCELED"
	StrategyStatusRejected    StrategyStatus = "REJECTED"
	StrategyStatusQuarantined StrategyStatus = "QUARANTINED"

	AnomalySeverityWarning AnomalySeverity = "WARNING"
	AnomalySeverityError   AnomalySeverity = "ERROR"
)

const (
	AnomalyCodeOCODoubleFill      = "OCO_DOUBLE_FILL"
	AnomalyCodeLegSubmitFailed    = "LEG_SUBMIT_FAILED"
	AnomalyCodeLegCancelFailed    = "LEG_CANCEL_FAILED"
	AnomalyCodeInvariantViolation = "INVARIANT_VIOLATION"
)

func (k StrategyKind) Valid() bool {
	switch k {
	case StrategyKindSimple, StrategyKindOCO, StrategyKindTWAP, StrategyKindGrid:
		return true
	default:
		return false
	}
}

func (s StrategyStatus) IsTerminal() bool {
	switch s {
	case StrategyStatusCompleted, StrategyStatusCanceled, StrategyStatusRejected:
		return true
	default:
		return false
	}
}

// Strategy owns one or more leg orders. Legs holds leg ids in submission order.
type Strategy struct {
	ID              string            `json:"id"`
	Kind            StrategyKind      `json:"kind"`
	ClientRequestID string            `json:"clientRequestId"`
	Symbol          string            `json:"symbol"`
	Status          StrategyStatus    `json:"status"`
	Legs            []string          `json:"legs"`
	CancelRequested bool              `json:"cancelRequested"`
	Request         PlaceOrderRequest `json:"request"`
	Anomalies       []Anomaly         `json:"anomalies,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	LastUpdatedAt   time.Time         `json:"lastUpdatedAt"`
	ArchivedAt      *time.Time        `json:"archivedAt,omitempty"`
}

func (s Strategy) TableName() string {
	return "strategies"
}

func (s Strategy) HasAnomaly(code string) bool {
	for _, a := range s.Anomalies {
		if a.Code == code {
			return true
		}
	}
	return false
}

type Anomaly struct {
	Code       string          `json:"code"`
	Severity   AnomalySeverity `json:"severity"`
	LegID      string          `json:"legId,omitempty"`
	Message    string          `json:"message"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// ExecutionSummary aggregates fills across the legs of a strategy.
type ExecutionSummary struct {
	ExecutedQuantity decimal.Decimal     `json:"executedQuantity"`
	AvgFillPrice     decimal.NullDecimal `json:"avgFillPrice"`
	FilledLegs       int                 `json:"filledLegs"`
	RejectedLegs     int                 `json:"rejectedLegs"`
	CanceledLegs     int                 `json:"canceledLegs"`
	OpenLegs         int                 `json:"openLegs"`
}

// Summarize computes the volume weighted average fill price over orders.
func Summarize(orders []Order) ExecutionSummary {
	summary := ExecutionSummary{ExecutedQuantity: decimal.Zero}
	notional := decimal.Zero
	pricedQuantity := decimal.Zero

	for _, o := range orders {
		switch o.Status {
		case OrderStatusFilled:
			summary.FilledLegs++
		case OrderStatusRejected:
			summary.RejectedLegs++
		case OrderStatusCanceled, OrderStatusExpired:
			summary.CanceledLegs++
		default:
			summary.OpenLegs++
		}

		if !o.FilledQuantity.IsPositive() {
			continue
		}
		summary.ExecutedQuantity = summary.ExecutedQuantity.Add(o.FilledQuantity)
		if o.AvgFillPrice.Valid {
			pricedQuantity = pricedQuantity.Add(o.FilledQuantity)
			notional = notional.Add(o.FilledQuantity.Mul(o.AvgFillPrice.Decimal))
		}
	}

	if pricedQuantity.IsPositive() {
		summary.AvgFillPrice = decimal.NewNullDecimal(notional.Div(pricedQuantity))
	}

	return summary
}

type StrategyView struct {
	Strategy Strategy         `json:"strategy"`
	Orders   []Order          `json:"orders"`
	Summary  ExecutionSummary `json:"summary"`
}
