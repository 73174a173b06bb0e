package pricefeed

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRESTPriceFeedCachesWithinTTL(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "/fapi/v1/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = io.WriteString(w, `{"symbol":"BTCUSDT","price":"65000.10","time":1700000000000}`)
	}))
	defer server.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feed := NewRESTPriceFeed(RESTConfig{BaseURL: server.URL, CacheTTL: time.Second})
	feed.now = func() time.Time { return now }

	snapshot, err := feed.GetPrice(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.True(t, snapshot.Price.Equal(decimal.RequireFromString("65000.1")))
	assert.Equal(t, int64(1700000000000), snapshot.Timestamp.UnixMilli())

	_, err = feed.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	now = now.Add(2 * time.Second)
	_, err = feed.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestRESTPriceFeedUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	}))
	defer server.Close()

	feed := NewRESTPriceFeed(RESTConfig{BaseURL: server.URL})
	_, err := feed.GetPrice(context.Background(), "NOPEUSDT")
	require.ErrorIs(t, err, entity.ErrPriceUnavailable)
}

func tickerMessage(symbol, price string, at time.Time) string {
	return fmt.Sprintf(`{"stream":"%s@ticker","data":{"e":"24hrTicker","E":%d,"s":"%s","c":"%s"}}`,
		strings.ToLower(symbol), at.UnixMilli(), symbol, price)
}

func TestStreamPriceFeedStaleness(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	feed := NewStreamPriceFeed(StreamConfig{Symbols: []string{"btcusdt"}, MaxStaleness: 5 * time.Second})
	feed.now = func() time.Time { return now }

	_, err := feed.GetPrice(context.Background(), "BTCUSDT")
	require.ErrorIs(t, err, entity.ErrPriceUnavailable)

	require.NoError(t, feed.handleMessage([]byte(tickerMessage("BTCUSDT", "64000.5", now))))
	snapshot, err := feed.GetPrice(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.True(t, snapshot.Price.Equal(decimal.RequireFromString("64000.5")))

	now = now.Add(6 * time.Second)
	_, err = feed.GetPrice(context.Background(), "BTCUSDT")
	require.ErrorIs(t, err, entity.ErrPriceUnavailable)

	require.Error(t, feed.handleMessage([]byte(`{"result":null,"id":1}`)))
	require.Error(t, feed.handleMessage([]byte(tickerMessage("BTCUSDT", "0", now))))
}

type constantFeed struct{ price decimal.Decimal }

func (f constantFeed) GetPrice(_ context.Context, symbol string) (entity.PriceSnapshot, error) {
	return entity.PriceSnapshot{Symbol: symbol, Price: f.price, Timestamp: time.Now()}, nil
}

func TestStreamPriceFeedFallback(t *testing.T) {
	feed := NewStreamPriceFeed(StreamConfig{
		Symbols:  []string{"BTCUSDT"},
		Fallback: constantFeed{price: decimal.NewFromInt(100)},
	})

	snapshot, err := feed.GetPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, snapshot.Price.Equal(decimal.NewFromInt(100)))
}

func TestStreamPriceFeedRun(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "btcusdt@ticker/ethusdt@ticker", r.URL.Query().Get("streams"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(tickerMessage("BTCUSDT", "65001", time.Now())))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	feed := NewStreamPriceFeed(StreamConfig{
		URL:     "ws" + strings.TrimPrefix(server.URL, "http"),
		Symbols: []string{"BTCUSDT", "ETHUSDT"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool {
		snapshot, err := feed.GetPrice(context.Background(), "BTCUSDT")
		return err == nil && snapshot.Price.Equal(decimal.NewFromInt(65001))
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("price stream did not stop")
	}
}

func TestReconnectDelayBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for attempt := 0; attempt < 10; attempt++ {
		wait := reconnectDelay(attempt, rng)
		assert.GreaterOrEqual(t, wait, streamReconnectMinDelay)
		assert.LessOrEqual(t, wait, streamReconnectMaxDelay)
	}
}
