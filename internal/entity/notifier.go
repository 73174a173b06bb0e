package entity

import "time"

type EventType string

const (
	EventStrategyCreated  EventType = "StrategyCreated"
	EventLegFilled        EventType = "LegFilled"
	EventLegCanceled      EventType = "LegCanceled"
	EventStrategyTerminal EventType = "StrategyTerminal"
	EventAnomalyDetected  EventType = "AnomalyDetected"
)

// LifecycleEvent is pushed to the notifier on every observable state change.
type LifecycleEvent struct {
	ID           string          `json:"id"`
	Type         EventType       `json:"type"`
	StrategyID   string          `json:"strategyId"`
	StrategyKind StrategyKind    `json:"strategyKind,omitempty"`
	LegID        string          `json:"legId,omitempty"`
	Symbol       string          `json:"symbol,omitempty"`
	Status       string          `json:"status,omitempty"`
	Severity     AnomalySeverity `json:"severity,omitempty"`
	Message      string          `json:"message,omitempty"`
	Order        *Order          `json:"order,omitempty"`
	OccurredAt   time.Time       `json:"occurredAt"`
}

// Notifier is fire-and-forget: Notify must never block the caller.
type Notifier interface {
	Notify(event LifecycleEvent)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Notify(LifecycleEvent) {}
