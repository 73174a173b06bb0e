package pricefeed

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultStreamURL          = "wss://fstream.binance.com/stream"
	defaultMaxStaleness       = 10 * time.Second
	streamPingInterval        = 2 * time.Minute
	streamReconnectMinDelay   = 1 * time.Second
	streamReconnectMaxDelay   = 15 * time.Second
	streamReconnectFactor     = 2.0
	streamTickerStreamPostfix = "@ticker"
)

type StreamConfig struct {
	URL          string
	Symbols      []string
	MaxStaleness time.Duration
	// Fallback answers when the stream has no fresh price for a symbol.
	Fallback entity.PriceFeed
}

// StreamPriceFeed keeps the latest ticker price per symbol from the
// combined websocket stream.
type StreamPriceFeed struct {
	url          string
	symbols      []string
	maxStaleness time.Duration
	fallback     entity.PriceFeed
	now          func() time.Time

	mu     sync.RWMutex
	prices map[string]entity.PriceSnapshot
}

type tickerEnvelope struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		LastPrice string `json:"c"`
	} `json:"data"`
}

func NewStreamPriceFeed(cfg StreamConfig) *StreamPriceFeed {
	streamURL := strings.TrimSpace(cfg.URL)
	if streamURL == "" {
		streamURL = defaultStreamURL
	}
	maxStaleness := cfg.MaxStaleness
	if maxStaleness <= 0 {
		maxStaleness = defaultMaxStaleness
	}

	symbols := make([]string, 0, len(cfg.Symbols))
	for _, symbol := range cfg.Symbols {
		if normalized := strings.ToUpper(strings.TrimSpace(symbol)); normalized != "" {
			symbols = append(symbols, normalized)
		}
	}

	return &StreamPriceFeed{
		url:          streamURL,
		symbols:      symbols,
		maxStaleness: maxStaleness,
		fallback:     cfg.Fallback,
		now:          func() time.Time { return time.Now().UTC() },
		prices:       make(map[string]entity.PriceSnapshot),
	}
}

func (f *StreamPriceFeed) GetPrice(ctx context.Context, symbol string) (entity.PriceSnapshot, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))

	f.mu.RLock()
	snapshot, ok := f.prices[normalized]
	f.mu.RUnlock()

	if ok && f.now().Sub(snapshot.Timestamp) <= f.maxStaleness {
		return snapshot, nil
	}

	if f.fallback != nil {
		return f.fallback.GetPrice(ctx, normalized)
	}

	if ok {
		return entity.PriceSnapshot{}, fmt.Errorf("%w: %s price is stale since %s", entity.ErrPriceUnavailable, normalized, snapshot.Timestamp.Format(time.RFC3339))
	}
	return entity.PriceSnapshot{}, fmt.Errorf("%w: no price for %s", entity.ErrPriceUnavailable, normalized)
}

func (f *StreamPriceFeed) streamURL() string {
	streams := make([]string, 0, len(f.symbols))
	for _, symbol := range f.symbols {
		streams = append(streams, strings.ToLower(symbol)+streamTickerStreamPostfix)
	}
	return f.url + "?streams=" + strings.Join(streams, "/")
}

// Run keeps the stream connected until ctx is done.
func (f *StreamPriceFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		logrus.Warn("price stream has no symbols, not connecting")
		<-ctx.Done()
		return nil
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0
	endpoint := f.streamURL()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		logrus.Infof("connecting to %s", endpoint)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			wait := reconnectDelay(attempt, rng)
			attempt++
			logrus.WithFields(logrus.Fields{"retry_in": wait.String(), "attempt": attempt}).Warnf("price stream dial failed: %v", err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		attempt = 0

		stopPing := make(chan struct{})
		go func(c *websocket.Conn) {
			ticker := time.NewTicker(streamPingInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
						logrus.Error(err)
						return
					}
				case <-ctx.Done():
					return
				case <-stopPing:
					return
				}
			}
		}(conn)

		ctxDone := make(chan struct{})
		go func(c *websocket.Conn) {
			select {
			case <-ctx.Done():
				_ = c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = c.Close()
			case <-ctxDone:
			}
		}(conn)

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					close(stopPing)
					close(ctxDone)
					return nil
				}

				logrus.Errorf("price stream read failed: %v", err)
				break
			}

			if err := f.handleMessage(message); err != nil {
				logrus.Debugf("price stream message skipped: %v", err)
			}
		}

		close(stopPing)
		close(ctxDone)
		_ = conn.Close()

		wait := reconnectDelay(attempt, rng)
		attempt++
		logrus.WithFields(logrus.Fields{"retry_in": wait.String(), "attempt": attempt}).Warn("reconnecting price stream")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *StreamPriceFeed) handleMessage(message []byte) error {
	var envelope tickerEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return fmt.Errorf("decode ticker: %w", err)
	}
	if envelope.Data.Symbol == "" || envelope.Data.LastPrice == "" {
		return fmt.Errorf("not a ticker message: %s", envelope.Stream)
	}

	price, err := decimal.NewFromString(envelope.Data.LastPrice)
	if err != nil {
		return fmt.Errorf("invalid ticker price %q: %w", envelope.Data.LastPrice, err)
	}
	if !price.IsPositive() {
		return fmt.Errorf("non-positive ticker price %s", price)
	}

	timestamp := f.now()
	if envelope.Data.EventTime > 0 {
		timestamp = time.UnixMilli(envelope.Data.EventTime).UTC()
	}

	symbol := strings.ToUpper(envelope.Data.Symbol)

	f.mu.Lock()
	f.prices[symbol] = entity.PriceSnapshot{Symbol: symbol, Price: price, Timestamp: timestamp}
	f.mu.Unlock()

	return nil
}

func reconnectDelay(attempt int, rng *rand.Rand) time.Duration {
	backoff := float64(streamReconnectMinDelay) * math.Pow(streamReconnectFactor, float64(attempt))
	if backoff > float64(streamReconnectMaxDelay) {
		backoff = float64(streamReconnectMaxDelay)
	}

	base := time.Duration(backoff)
	jitterWindow := streamReconnectMaxDelay - streamReconnectMinDelay
	jitter := time.Duration(rng.Int63n(int64(jitterWindow) + 1))
	result := base + jitter
	if result > streamReconnectMaxDelay {
		return streamReconnectMaxDelay
	}

	return result
}
