package entity

import "context"

// Publisher declares the JetStream streams a component writes to.
type Publisher interface {
	JetstreamEventInit(ctx context.Context) error
}

// Subscriber attaches durable consumers for the streams a component reads.
type Subscriber interface {
	JetstreamEventSubscribe(ctx context.Context) error
}

// PlaceOrderRequestEvent is the work-queue envelope for asynchronous placement.
// ExpiredAt is a unix second deadline after which the request is dropped.
type PlaceOrderRequestEvent struct {
	RetryCount int               `json:"retry"`
	Data       PlaceOrderRequest `json:"data"`
	ExpiredAt  *int64            `json:"expired_at,omitempty"`
}
