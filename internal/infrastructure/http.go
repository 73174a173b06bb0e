package infrastructure

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/krobus00/execution-engine/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	defaultHTTPAddr          = ":8080"
	defaultReadTimeout       = 5 * time.Second
	defaultReadHeaderTimeout = 2 * time.Second
	defaultWriteTimeout      = 15 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxHeaderBytes    = 1 << 20
	defaultReadinessTimeout  = 2 * time.Second

	requestIDHeader = "X-Request-Id"
)

var httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "execution_engine",
	Name:      "http_request_duration_seconds",
	Help:      "Latency of HTTP requests by route and status.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method", "route", "status"})

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type HTTPServer struct {
	server          *http.Server
	shutdownTimeout time.Duration
}

type HTTPServerConfig struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int
	ReadinessChecks   map[string]ReadinessCheck
}

// DefaultHTTPServerConfig listens on the port configured under portKey.
func DefaultHTTPServerConfig(portKey string) HTTPServerConfig {
	return HTTPServerConfig{Addr: listenAddr(portKey, defaultHTTPAddr)}.withDefaults()
}

func (c HTTPServerConfig) withDefaults() HTTPServerConfig {
	orDuration := func(v, fallback time.Duration) time.Duration {
		if v <= 0 {
			return fallback
		}
		return v
	}

	if c.Addr == "" {
		c.Addr = defaultHTTPAddr
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	c.ReadTimeout = orDuration(c.ReadTimeout, defaultReadTimeout)
	c.ReadHeaderTimeout = orDuration(c.ReadHeaderTimeout, defaultReadHeaderTimeout)
	c.WriteTimeout = orDuration(c.WriteTimeout, defaultWriteTimeout)
	c.IdleTimeout = orDuration(c.IdleTimeout, defaultIdleTimeout)
	c.ShutdownTimeout = orDuration(c.ShutdownTimeout, defaultShutdownTimeout)
	return c
}

// NewHTTPServerWithConfig serves router with health, readiness and metrics
// routes added. Unmatched requests skip the middleware chain.
func NewHTTPServerWithConfig(cfg HTTPServerConfig, router *mux.Router) *HTTPServer {
	cfg = cfg.withDefaults()
	if router == nil {
		router = mux.NewRouter()
	}

	router.HandleFunc("/healthz", healthHandler).Methods(http.MethodGet)
	router.Handle("/readyz", readinessHandler(cfg.ReadinessChecks)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.Use(
		requestIDMiddleware,
		securityHeadersMiddleware,
		recoveryMiddleware,
		accessLogMiddleware,
	)

	return &HTTPServer{
		server: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			WriteTimeout:      cfg.WriteTimeout,
			IdleTimeout:       cfg.IdleTimeout,
			MaxHeaderBytes:    cfg.MaxHeaderBytes,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

func (h *HTTPServer) Start() error {
	logrus.WithField("addr", h.server.Addr).Info("http server starting")
	err := h.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (h *HTTPServer) Shutdown(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type readinessReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// readinessHandler runs every check and answers 503 when any fails.
func readinessHandler(checks map[string]ReadinessCheck) http.Handler {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), defaultReadinessTimeout)
		defer cancel()

		report := readinessReport{Status: "ready", Checks: make(map[string]string, len(names))}
		code := http.StatusOK
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				logrus.WithField("dependency", name).WithError(err).Warn("readiness check failed")
				report.Checks[name] = err.Error()
				report.Status = "not_ready"
				code = http.StatusServiceUnavailable
				continue
			}
			report.Checks[name] = "ok"
		}

		writeJSON(w, code, report)
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
			r.Header.Set(requestIDHeader, requestID)
		}

		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}

			logrus.WithFields(logrus.Fields{
				"route":      routeTemplate(r),
				"request_id": r.Header.Get(requestIDHeader),
				"panic":      recovered,
			}).Error("http handler panicked")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		}()

		next.ServeHTTP(w, r)
	})
}

// accessLogMiddleware logs every matched request and records its latency
// under the route template, which keeps the label set bounded.
func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(started)
		route := routeTemplate(r)
		httpRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(elapsed.Seconds())

		logrus.WithFields(logrus.Fields{
			"method":      r.Method,
			"route":       route,
			"path":        r.URL.Path,
			"request_id":  r.Header.Get(requestIDHeader),
			"remote_addr": clientIPFromRequest(r),
			"status":      rec.status,
			"duration_ms": elapsed.Milliseconds(),
		}).Debug("http request handled")
	})
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func clientIPFromRequest(r *http.Request) string {
	if forwarded, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(forwarded) != "" {
		return strings.TrimSpace(forwarded)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-Ip")); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr)); err == nil && host != "" {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

// listenAddr resolves the address for portKey from config.Env.Port. A bare
// port gets a leading colon; a host:port value is used as is.
func listenAddr(portKey, fallback string) string {
	if config.Env == nil {
		return fallback
	}

	port := strings.TrimSpace(config.Env.Port[portKey])
	switch {
	case port == "":
		return fallback
	case strings.Contains(port, ":"):
		return port
	default:
		return ":" + port
	}
}
