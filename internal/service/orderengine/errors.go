package orderengine

import "errors"

var (
	ErrStrategyNotFound        = errors.New("strategy not found")
	ErrPlaceOrderFailed        = errors.New("failed to place order")
	ErrPublishOrderEventFailed = errors.New("failed to publish order event")
	ErrIdempotencyUnavailable  = errors.New("idempotency store unavailable")
	ErrEngineStopped           = errors.New("execution engine is shutting down")
	ErrGatewayRunning          = errors.New("an execution engine gateway is running")
)
