package pricefeed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultRESTBaseURL = "https://fapi.binance.com"
	defaultCacheTTL    = time.Second
	defaultRESTTimeout = 5 * time.Second
)

type RESTConfig struct {
	BaseURL  string
	CacheTTL time.Duration
	Timeout  time.Duration
}

// RESTPriceFeed pulls the last traded price from the public ticker endpoint
// and keeps each answer for CacheTTL.
type RESTPriceFeed struct {
	baseURL    string
	ttl        time.Duration
	httpClient *http.Client
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedPrice
}

type cachedPrice struct {
	snapshot  entity.PriceSnapshot
	fetchedAt time.Time
}

func NewRESTPriceFeed(cfg RESTConfig) *RESTPriceFeed {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultRESTBaseURL
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRESTTimeout
	}

	return &RESTPriceFeed{
		baseURL:    strings.TrimRight(baseURL, "/"),
		ttl:        ttl,
		httpClient: &http.Client{Timeout: timeout},
		now:        func() time.Time { return time.Now().UTC() },
		cache:      make(map[string]cachedPrice),
	}
}

func (f *RESTPriceFeed) GetPrice(ctx context.Context, symbol string) (entity.PriceSnapshot, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))

	f.mu.RLock()
	cached, ok := f.cache[normalized]
	f.mu.RUnlock()
	if ok && f.now().Sub(cached.fetchedAt) < f.ttl {
		return cached.snapshot, nil
	}

	snapshot, err := f.fetch(ctx, normalized)
	if err != nil {
		logrus.WithError(err).WithField("symbol", normalized).Debug("price fetch failed")
		return entity.PriceSnapshot{}, fmt.Errorf("%w: %v", entity.ErrPriceUnavailable, err)
	}

	f.mu.Lock()
	f.cache[normalized] = cachedPrice{snapshot: snapshot, fetchedAt: f.now()}
	f.mu.Unlock()

	return snapshot, nil
}

func (f *RESTPriceFeed) fetch(ctx context.Context, symbol string) (entity.PriceSnapshot, error) {
	endpoint := f.baseURL + "/fapi/v1/ticker/price?symbol=" + url.QueryEscape(symbol)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return entity.PriceSnapshot{}, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return entity.PriceSnapshot{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return entity.PriceSnapshot{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return entity.PriceSnapshot{}, fmt.Errorf("ticker request failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var ticker struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
		Time   int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return entity.PriceSnapshot{}, fmt.Errorf("ticker parse failed: %w", err)
	}

	price, err := decimal.NewFromString(ticker.Price)
	if err != nil {
		return entity.PriceSnapshot{}, fmt.Errorf("invalid ticker price %q: %w", ticker.Price, err)
	}
	if !price.IsPositive() {
		return entity.PriceSnapshot{}, fmt.Errorf("non-positive ticker price %s", price)
	}

	timestamp := f.now()
	if ticker.Time > 0 {
		timestamp = time.UnixMilli(ticker.Time).UTC()
	}

	return entity.PriceSnapshot{Symbol: symbol, Price: price, Timestamp: timestamp}, nil
}
