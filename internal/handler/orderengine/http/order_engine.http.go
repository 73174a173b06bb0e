package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/guregu/null/v6"
	"github.com/krobus00/execution-engine/internal/config"
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/krobus00/execution-engine/internal/service/orderengine"
	"github.com/krobus00/execution-engine/internal/service/risk"
)

const basePath = "/execution-engine/v1"

var (
	errAPIKeyMissing  = errors.New("api key is required")
	errAPIKeyInvalid  = errors.New("invalid api key")
	errAPIKeyInactive = errors.New("api key is inactive")
	errAPIKeyExpired  = errors.New("api key is expired")
)

// Service is the slice of the engine exposed over HTTP.
type Service interface {
	PlaceOrder(ctx context.Context, req entity.PlaceOrderRequest) (*entity.PlaceOrderResult, error)
	PlaceOrderAsync(ctx context.Context, req entity.PlaceOrderRequest, expiredAt *int64) error
	CancelStrategy(ctx context.Context, strategyID string) (*entity.CancelReport, error)
	GetStrategy(ctx context.Context, strategyID string) (*entity.StrategyView, error)
	GetOpenOrders(ctx context.Context) []entity.StrategyOrders
	GetOrderHistory(ctx context.Context, filter entity.OrderHistoryFilter) []entity.Order
	SetKillSwitch(ctx context.Context, enabled bool) bool
	KillSwitch(ctx context.Context) bool
}

// PlaceOrderRequest carries the order request and, for async placement, an
// optional unix second deadline.
type PlaceOrderRequest struct {
	entity.PlaceOrderRequest
	ExpiredAt null.Int `json:"expiredAt"`
}

type PlaceOrderAsyncResponse struct {
	ClientRequestID string `json:"clientRequestId"`
	Status          string `json:"status"`
}

type KillSwitchRequest struct {
	Enabled null.Bool `json:"enabled"`
}

type KillSwitchResponse struct {
	Enabled bool `json:"enabled"`
}

type ErrorResponse struct {
	Error      string   `json:"error"`
	StrategyID string   `json:"strategyId,omitempty"`
	LegIDs     []string `json:"legIds,omitempty"`
}

type Handler struct {
	service Service
	apiKeys []config.APIKeyConfig
	now     func() time.Time
}

func NewOrderEngineHTTPHandler(service Service, apiKeys []config.APIKeyConfig) *Handler {
	return &Handler{
		service: service,
		apiKeys: apiKeys,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (h *Handler) Register(router *mux.Router) {
	api := router.PathPrefix(basePath).Subrouter()
	api.Use(h.apiKeyMiddleware)

	api.HandleFunc("/orders", h.PlaceOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/async", h.PlaceOrderAsync).Methods(http.MethodPost)
	api.HandleFunc("/orders/open", h.GetOpenOrders).Methods(http.MethodGet)
	api.HandleFunc("/orders/history", h.GetOrderHistory).Methods(http.MethodGet)
	api.HandleFunc("/strategies/{strategyId}", h.GetStrategy).Methods(http.MethodGet)
	api.HandleFunc("/strategies/{strategyId}", h.CancelStrategy).Methods(http.MethodDelete)
	api.HandleFunc("/kill-switch", h.GetKillSwitch).Methods(http.MethodGet)
	api.HandleFunc("/kill-switch", h.SetKillSwitch).Methods(http.MethodPut)
}

func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json body"})
		return
	}

	result, err := h.service.PlaceOrder(r.Context(), req.PlaceOrderRequest)
	if err != nil {
		resp := ErrorResponse{Error: err.Error()}
		if result != nil {
			resp.StrategyID = result.StrategyID
			resp.LegIDs = result.LegIDs
		}
		writeJSON(w, statusFromError(err), resp)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) GetKillSwitch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, KillSwitchResponse{Enabled: h.service.KillSwitch(r.Context())})
}

func (h *Handler) SetKillSwitch(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req KillSwitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json body"})
		return
	}
	if !req.Enabled.Valid {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "enabled is required"})
		return
	}

	enabled := h.service.SetKillSwitch(r.Context(), req.Enabled.Bool)
	writeJSON(w, http.StatusOK, KillSwitchResponse{Enabled: enabled})
}

func (h *Handler) PlaceOrderAsync(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid json body"})
		return
	}

	if strings.TrimSpace(req.ClientRequestID) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "clientRequestId is required"})
		return
	}

	err := h.service.PlaceOrderAsync(r.Context(), req.PlaceOrderRequest, req.ExpiredAt.Ptr())
	if err != nil {
		writeJSON(w, statusFromError(err), ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusAccepted, PlaceOrderAsyncResponse{
		ClientRequestID: strings.TrimSpace(req.ClientRequestID),
		Status:          "queued",
	})
}

func (h *Handler) CancelStrategy(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.CancelStrategy(r.Context(), mux.Vars(r)["strategyId"])
	if err != nil {
		writeJSON(w, statusFromError(err), ErrorResponse{Error: err.Error()})
		return
	}

	status := http.StatusOK
	if report.Failed() > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, report)
}

func (h *Handler) GetStrategy(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetStrategy(r.Context(), mux.Vars(r)["strategyId"])
	if err != nil {
		writeJSON(w, statusFromError(err), ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) GetOpenOrders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"strategies": h.service.GetOpenOrders(r.Context())})
}

func (h *Handler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := null.Int{}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = null.IntFrom(v)
	}

	filter := entity.OrderHistoryFilter{
		Symbol:       strings.ToUpper(strings.TrimSpace(query.Get("symbol"))),
		OrderKind:    entity.OrderKind(strings.ToUpper(strings.TrimSpace(query.Get("orderKind")))),
		StrategyKind: entity.StrategyKind(strings.ToUpper(strings.TrimSpace(query.Get("strategyKind")))),
		Limit:        int(limit.Int64),
	}

	writeJSON(w, http.StatusOK, map[string]any{"orders": h.service.GetOrderHistory(r.Context(), filter)})
}

func (h *Handler) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.validateAPIKey(r.Header.Get("X-API-Key")); err != nil {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func statusFromError(err error) int {
	switch {
	case errors.Is(err, risk.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, orderengine.ErrStrategyNotFound):
		return http.StatusNotFound
	case errors.Is(err, entity.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, entity.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, entity.ErrUnreachable), errors.Is(err, orderengine.ErrPublishOrderEventFailed):
		return http.StatusBadGateway
	case errors.Is(err, risk.ErrKillSwitch), errors.Is(err, orderengine.ErrEngineStopped), errors.Is(err, orderengine.ErrIdempotencyUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) validateAPIKey(rawAPIKey string) error {
	apiKey := strings.TrimSpace(rawAPIKey)
	if apiKey == "" {
		return errAPIKeyMissing
	}

	if len(h.apiKeys) == 0 {
		return errAPIKeyInvalid
	}

	now := h.now()
	for _, candidate := range h.apiKeys {
		storedKey := strings.TrimSpace(candidate.Key)
		if storedKey == "" {
			continue
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(storedKey)) != 1 {
			continue
		}

		if !candidate.Active {
			return errAPIKeyInactive
		}

		expiredAt, hasExpiry, err := parseExpiry(candidate.ExpiredAt)
		if err != nil {
			return errAPIKeyInvalid
		}
		if !hasExpiry {
			return nil
		}

		if !now.Before(expiredAt) {
			return errAPIKeyExpired
		}

		return nil
	}

	return errAPIKeyInvalid
}

func parseExpiry(value any) (time.Time, bool, error) {
	if value == nil {
		return time.Time{}, false, nil
	}

	switch v := value.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false, nil
		}
		return v.UTC(), true, nil
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return time.Time{}, false, nil
		}

		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed.UTC(), true, nil
		}

		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}

		return parsed.UTC().Add(24 * time.Hour), true, nil
	default:
		return time.Time{}, false, errors.New("unsupported expiry type")
	}
}
