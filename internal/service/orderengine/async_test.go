package orderengine

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePlaceOrderEventDropsUnusablePayloads(t *testing.T) {
	payloads := map[string]string{
		"null":         `null`,
		"empty object": `{}`,
		"null data":    `{"retry":0,"data":null}`,
		"not json":     `place order please`,
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			gw := newFakeGateway()
			engine, _ := newTestEngine(t, gw)

			var err error
			assert.NotPanics(t, func() {
				err = engine.handlePlaceOrderEvent(context.Background(), &nats.Msg{Data: []byte(payload)})
			})
			assert.NoError(t, err, "unusable payloads are acked")
			assert.Equal(t, 0, gw.submitCount())
		})
	}
}

func TestHandlePlaceOrderEventPlacesOrder(t *testing.T) {
	gw := newFakeGateway()
	engine, reg := newTestEngine(t, gw)

	data, err := json.Marshal(entity.PlaceOrderRequestEvent{Data: limitRequest("req-async")})
	require.NoError(t, err)

	require.NoError(t, engine.handlePlaceOrderEvent(context.Background(), &nats.Msg{Data: data}))
	assert.Equal(t, 1, gw.submitCount())

	_, ok := reg.LookupByRequestID("req-async")
	assert.True(t, ok)
}

func TestHandlePlaceOrderEventDropsExpiredRequest(t *testing.T) {
	gw := newFakeGateway()
	engine, reg := newTestEngine(t, gw)

	expiredAt := time.Now().UTC().Add(-time.Minute).Unix()
	data, err := json.Marshal(entity.PlaceOrderRequestEvent{Data: limitRequest("req-expired"), ExpiredAt: &expiredAt})
	require.NoError(t, err)

	require.NoError(t, engine.handlePlaceOrderEvent(context.Background(), &nats.Msg{Data: data}))
	assert.Equal(t, 0, gw.submitCount())

	_, ok := reg.LookupByRequestID("req-expired")
	assert.False(t, ok)
}
