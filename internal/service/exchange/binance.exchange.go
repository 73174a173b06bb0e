package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	binanceDefaultBaseURL    = "https://fapi.binance.com"
	binanceDefaultRecvWindow = int64(5000)
	binanceDefaultTimeout    = 15 * time.Second
	binanceRulesTTL          = time.Hour
	binanceMaxClientIDLength = 36

	binanceCodeTooManyRequests   = -1003
	binanceCodeUnknownOrder      = -2011
	binanceCodeNoSuchOrder       = -2013
	binanceCodeDuplicateClientID = -4116
)

var (
	binanceClientIDPattern = regexp.MustCompile(`^[.A-Z:/a-z0-9_-]{1,36}$`)

	errBinanceCredentialsMissing = errors.New("binance credentials are missing in config")
)

type BinanceConfig struct {
	APIKey     string
	APISecret  string
	BaseURL    string
	RecvWindow int64
	Timeout    time.Duration
}

// BinanceExchange talks to the Binance USD-M futures REST API.
type BinanceExchange struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	recvWindow int64
	httpClient *http.Client
	now        func() time.Time

	rulesMu       sync.RWMutex
	rules         map[string]entity.SymbolRules
	marginAssets  map[string]struct{}
	rulesLoadedAt time.Time
}

type binanceOrderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

type binanceErrorResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func NewBinanceExchange(cfg BinanceConfig) *BinanceExchange {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = binanceDefaultBaseURL
	}

	recvWindow := cfg.RecvWindow
	if recvWindow <= 0 || recvWindow > 60000 {
		recvWindow = binanceDefaultRecvWindow
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = binanceDefaultTimeout
	}

	return &BinanceExchange{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		apiSecret:  strings.TrimSpace(cfg.APISecret),
		baseURL:    strings.TrimRight(baseURL, "/"),
		recvWindow: recvWindow,
		httpClient: &http.Client{Timeout: timeout},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (e *BinanceExchange) Name() entity.ExchangeName {
	return entity.ExchangeBinanceFutures
}

func (e *BinanceExchange) Submit(ctx context.Context, order entity.Order) (*entity.OrderSnapshot, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	orderType, err := binanceOrderType(order.Kind)
	if err != nil {
		return nil, err
	}

	clientID, err := binanceClientID(order.ClientRequestID)
	if err != nil {
		return nil, err
	}

	quantity := order.Quantity
	price := order.Price
	stopPrice := order.StopPrice

	if rules, err := e.SymbolRules(ctx, order.Symbol); err != nil {
		logrus.WithError(err).WithField("symbol", order.Symbol).Warn("failed to fetch binance symbol rules")
	} else {
		quantity = order.Quantity.Truncate(rules.QuantityPlaces())
		if !quantity.IsPositive() {
			return nil, &entity.RejectedError{Reason: fmt.Sprintf("quantity becomes zero after normalization: quantity=%s step=%s", order.Quantity, rules.QuantityStep)}
		}
		if price.Valid {
			price.Decimal = price.Decimal.Truncate(rules.PricePlaces())
		}
		if stopPrice.Valid {
			stopPrice.Decimal = stopPrice.Decimal.Truncate(rules.PricePlaces())
		}
	}

	pairs := []string{
		"symbol=" + order.Symbol,
		"side=" + string(order.Side),
		"type=" + orderType,
		"quantity=" + quantity.String(),
		"newClientOrderId=" + url.QueryEscape(clientID),
		"newOrderRespType=RESULT",
	}

	if order.Kind != entity.OrderKindMarket {
		pairs = append(pairs,
			"price="+price.Decimal.String(),
			"timeInForce=GTC",
		)
	}
	if order.Kind.HasTrigger() {
		pairs = append(pairs, "stopPrice="+stopPrice.Decimal.String())
	}

	body, err := e.do(ctx, http.MethodPost, "/fapi/v1/order", pairs, true)
	if err != nil {
		var rejected *entity.RejectedError
		if errors.As(err, &rejected) && rejected.Code == binanceCodeDuplicateClientID {
			logrus.WithField("client_request_id", order.ClientRequestID).Warn("binance reports duplicate client order id, adopting existing order")
			return e.QueryStatus(ctx, entity.OrderRef{Symbol: order.Symbol, ClientRequestID: order.ClientRequestID})
		}
		return nil, err
	}

	snapshot, err := parseBinanceOrder(body, order.ClientRequestID)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"exchange":          entity.ExchangeBinanceFutures,
		"symbol":            order.Symbol,
		"type":              orderType,
		"side":              order.Side,
		"price":             price.Decimal.String(),
		"quantity":          quantity.String(),
		"client_request_id": order.ClientRequestID,
		"order_id":          snapshot.ExchangeOrderID,
		"status":            snapshot.Status,
	}).Info("order placed")

	return snapshot, nil
}

func (e *BinanceExchange) Cancel(ctx context.Context, ref entity.OrderRef) (*entity.OrderSnapshot, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	pairs, err := binanceRefPairs(ref)
	if err != nil {
		return nil, err
	}

	body, err := e.do(ctx, http.MethodDelete, "/fapi/v1/order", pairs, true)
	if err != nil {
		return nil, err
	}

	return parseBinanceOrder(body, ref.ClientRequestID)
}

func (e *BinanceExchange) QueryStatus(ctx context.Context, ref entity.OrderRef) (*entity.OrderSnapshot, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	pairs, err := binanceRefPairs(ref)
	if err != nil {
		return nil, err
	}

	body, err := e.do(ctx, http.MethodGet, "/fapi/v1/order", pairs, true)
	if err != nil {
		if errors.Is(err, entity.ErrAlreadyTerminal) {
			// -2011 on a query means the venue has no such order
			return nil, fmt.Errorf("%w: %v", entity.ErrOrderNotFound, err)
		}
		return nil, err
	}

	return parseBinanceOrder(body, ref.ClientRequestID)
}

func (e *BinanceExchange) SymbolRules(ctx context.Context, symbol string) (*entity.SymbolRules, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty symbol", entity.ErrSymbolNotFound)
	}

	e.rulesMu.RLock()
	rules, ok := e.rules[normalized]
	fresh := !e.rulesLoadedAt.IsZero() && e.now().Sub(e.rulesLoadedAt) < binanceRulesTTL
	e.rulesMu.RUnlock()

	if ok && fresh {
		return &rules, nil
	}

	if err := e.refreshSymbolRules(ctx); err != nil {
		if ok {
			logrus.WithError(err).WithField("symbol", normalized).Warn("using stale binance symbol rules")
			return &rules, nil
		}
		return nil, err
	}

	e.rulesMu.RLock()
	rules, ok = e.rules[normalized]
	e.rulesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrSymbolNotFound, normalized)
	}
	return &rules, nil
}

// AvailableBalance reports the free futures wallet balance. Only margin
// assets carry balance data; anything else is ErrBalanceUnavailable.
func (e *BinanceExchange) AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	normalized := strings.ToUpper(strings.TrimSpace(asset))

	e.rulesMu.RLock()
	loaded := !e.rulesLoadedAt.IsZero()
	e.rulesMu.RUnlock()
	if !loaded {
		if err := e.refreshSymbolRules(ctx); err != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", entity.ErrBalanceUnavailable, err)
		}
	}

	e.rulesMu.RLock()
	_, margin := e.marginAssets[normalized]
	e.rulesMu.RUnlock()
	if !margin {
		return decimal.Zero, entity.ErrBalanceUnavailable
	}

	body, err := e.do(ctx, http.MethodGet, "/fapi/v2/balance", nil, true)
	if err != nil {
		return decimal.Zero, err
	}

	var balances []struct {
		Asset            string `json:"asset"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &balances); err != nil {
		return decimal.Zero, fmt.Errorf("binance balance parse failed: %w", err)
	}

	for _, balance := range balances {
		if !strings.EqualFold(balance.Asset, normalized) {
			continue
		}
		available, err := decimalOrZero(balance.AvailableBalance)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid binance available balance: %w", err)
		}
		return available, nil
	}

	return decimal.Zero, entity.ErrBalanceUnavailable
}

func (e *BinanceExchange) refreshSymbolRules(ctx context.Context) error {
	body, err := e.do(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false)
	if err != nil {
		return err
	}

	var info struct {
		Symbols []struct {
			Symbol      string `json:"symbol"`
			Status      string `json:"status"`
			BaseAsset   string `json:"baseAsset"`
			QuoteAsset  string `json:"quoteAsset"`
			MarginAsset string `json:"marginAsset"`
			Filters     []struct {
				FilterType string `json:"filterType"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				TickSize   string `json:"tickSize"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}

	if err := json.Unmarshal(body, &info); err != nil {
		return fmt.Errorf("binance exchange info parse failed: %w", err)
	}

	rules := make(map[string]entity.SymbolRules, len(info.Symbols))
	marginAssets := make(map[string]struct{})

	for _, item := range info.Symbols {
		if item.Status != "TRADING" {
			continue
		}

		symbolRules := entity.SymbolRules{
			Symbol:     strings.ToUpper(item.Symbol),
			BaseAsset:  strings.ToUpper(item.BaseAsset),
			QuoteAsset: strings.ToUpper(item.QuoteAsset),
		}

		for _, filter := range item.Filters {
			switch filter.FilterType {
			case "LOT_SIZE":
				symbolRules.QuantityStep, _ = decimalOrZero(filter.StepSize)
				symbolRules.MinQuantity, _ = decimalOrZero(filter.MinQty)
			case "PRICE_FILTER":
				symbolRules.PriceTick, _ = decimalOrZero(filter.TickSize)
			case "MIN_NOTIONAL":
				symbolRules.MinNotional, _ = decimalOrZero(filter.Notional)
			}
		}

		rules[symbolRules.Symbol] = symbolRules
		if item.MarginAsset != "" {
			marginAssets[strings.ToUpper(item.MarginAsset)] = struct{}{}
		}
	}

	e.rulesMu.Lock()
	e.rules = rules
	e.marginAssets = marginAssets
	e.rulesLoadedAt = e.now()
	e.rulesMu.Unlock()

	logrus.WithField("symbols", len(rules)).Debug("binance symbol rules refreshed")

	return nil
}

func (e *BinanceExchange) do(ctx context.Context, method, path string, pairs []string, signed bool) ([]byte, error) {
	if signed {
		if e.apiKey == "" || e.apiSecret == "" {
			return nil, errBinanceCredentialsMissing
		}

		pairs = append(pairs,
			"timestamp="+strconv.FormatInt(e.now().UnixMilli(), 10),
			"recvWindow="+strconv.FormatInt(e.recvWindow, 10),
		)
		signature := hmacSHA256Hex(e.apiSecret, strings.Join(pairs, "&"))
		pairs = append(pairs, "signature="+signature)
	}

	payload := strings.Join(pairs, "&")
	endpoint := e.baseURL + path

	var body io.Reader
	if method == http.MethodPost {
		body = strings.NewReader(payload)
	} else if payload != "" {
		endpoint += "?" + payload
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}

	if signed {
		req.Header.Set("X-MBX-APIKEY", e.apiKey)
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", entity.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", entity.ErrUnreachable, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, binanceError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

func binanceError(status int, body []byte) error {
	var apiErr binanceErrorResponse
	_ = json.Unmarshal(body, &apiErr)

	msg := apiErr.Msg
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = "unknown error"
	}

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusTeapot || apiErr.Code == binanceCodeTooManyRequests:
		return fmt.Errorf("%w: status=%d code=%d message=%s", entity.ErrRateLimited, status, apiErr.Code, msg)
	case status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status=%d code=%d message=%s", entity.ErrUnreachable, status, apiErr.Code, msg)
	case apiErr.Code == binanceCodeUnknownOrder:
		return fmt.Errorf("%w: %s", entity.ErrAlreadyTerminal, msg)
	case apiErr.Code == binanceCodeNoSuchOrder:
		return fmt.Errorf("%w: %s", entity.ErrOrderNotFound, msg)
	default:
		return &entity.RejectedError{Code: apiErr.Code, Reason: msg}
	}
}

func parseBinanceOrder(body []byte, clientRequestID string) (*entity.OrderSnapshot, error) {
	var resp binanceOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("binance order parse failed: %w", err)
	}

	status, err := binanceOrderStatus(resp.Status)
	if err != nil {
		return nil, err
	}

	filled, err := decimalOrZero(resp.ExecutedQty)
	if err != nil {
		return nil, fmt.Errorf("invalid binance executed quantity: %w", err)
	}

	avgPrice, err := decimalOrZero(resp.AvgPrice)
	if err != nil {
		return nil, fmt.Errorf("invalid binance average price: %w", err)
	}

	if clientRequestID == "" {
		clientRequestID = resp.ClientOrderID
	}

	snapshot := &entity.OrderSnapshot{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientRequestID: clientRequestID,
		Symbol:          resp.Symbol,
		Status:          status,
		FilledQuantity:  filled,
	}
	if avgPrice.IsPositive() {
		snapshot.AvgFillPrice = decimal.NewNullDecimal(avgPrice)
	}
	if resp.UpdateTime > 0 {
		snapshot.UpdatedAt = time.UnixMilli(resp.UpdateTime).UTC()
	}
	if status == entity.OrderStatusRejected {
		snapshot.RejectReason = "rejected by venue"
	}

	return snapshot, nil
}

func binanceOrderStatus(raw string) (entity.OrderStatus, error) {
	switch raw {
	case "NEW":
		return entity.OrderStatusOpen, nil
	case "PARTIALLY_FILLED":
		return entity.OrderStatusPartiallyFilled, nil
	case "FILLED":
		return entity.OrderStatusFilled, nil
	case "CANCELED":
		return entity.OrderStatusCanceled, nil
	case "REJECTED":
		return entity.OrderStatusRejected, nil
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return entity.OrderStatusExpired, nil
	default:
		return "", fmt.Errorf("unsupported binance order status: %s", raw)
	}
}

func binanceOrderType(kind entity.OrderKind) (string, error) {
	switch kind {
	case entity.OrderKindMarket:
		return "MARKET", nil
	case entity.OrderKindLimit:
		return "LIMIT", nil
	case entity.OrderKindStopLimit:
		return "STOP", nil
	case entity.OrderKindTakeProfit:
		return "TAKE_PROFIT", nil
	default:
		return "", fmt.Errorf("unsupported order kind for binance: %s", kind)
	}
}

func binanceRefPairs(ref entity.OrderRef) ([]string, error) {
	symbol := strings.ToUpper(strings.TrimSpace(ref.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("binance order symbol is empty")
	}

	pairs := []string{"symbol=" + symbol}
	if id := strings.TrimSpace(ref.ExchangeOrderID); id != "" {
		return append(pairs, "orderId="+id), nil
	}

	clientID, err := binanceClientID(ref.ClientRequestID)
	if err != nil {
		return nil, fmt.Errorf("binance order reference missing order id: %w", err)
	}
	return append(pairs, "origClientOrderId="+url.QueryEscape(clientID)), nil
}

// binanceClientID maps a client request id onto the venue's client order id
// alphabet. Ids the venue cannot carry are replaced by a stable hash.
func binanceClientID(raw string) (string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return "", fmt.Errorf("binance clientOrderId is empty")
	}

	if len(normalized) <= binanceMaxClientIDLength && binanceClientIDPattern.MatchString(normalized) {
		return normalized, nil
	}

	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:32], nil
}

func hmacSHA256Hex(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func decimalOrZero(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(trimmed)
}
