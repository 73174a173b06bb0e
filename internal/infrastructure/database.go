package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/krobus00/execution-engine/internal/config"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultDBMaxRetry     = 5
	defaultBackoffFactor  = 2.0
	defaultMinJitter      = 100 * time.Millisecond
	defaultMaxJitter      = 1 * time.Second
	defaultMaxIdleConns   = 10
	defaultMaxOpenConns   = 50
	defaultConnLifetime   = 1 * time.Hour
)

var postgresUp = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "execution_engine",
	Name:      "postgres_up",
	Help:      "1 when the last postgres health check succeeded.",
})

// NewPostgresConnection connects to postgres, retrying with jittered
// exponential backoff until cfg.MaxRetry retries are spent.
func NewPostgresConnection(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("database dsn is required")
	}

	connectTimeout := cfg.PingInterval
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}

	backoff := backoffConfig{
		MaxRetries: cfg.MaxRetry,
		Factor:     cfg.ReconnectFactor,
		MinJitter:  cfg.MinJitter,
		MaxJitter:  cfg.MaxJitter,
	}.withDefaults(defaultDBMaxRetry, defaultBackoffFactor, defaultMinJitter, defaultMaxJitter)

	attempt := 0
	var db *sqlx.DB
	err := retry.Do(ctx, backoff.retryBackoff(newRand()), func(ctx context.Context) error {
		attempt++

		attemptCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		conn, err := sqlx.ConnectContext(attemptCtx, "postgres", cfg.DSN)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"attempt":      attempt,
				"max_retry":    backoff.MaxRetries,
				"postgres_dsn": maskDSN(cfg.DSN),
			}).Warnf("postgres connection failed: %v", err)
			return retry.RetryableError(err)
		}

		db = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres after %d attempts: %w", attempt, err)
	}

	pool := newPoolSettings(cfg)
	pool.apply(db)
	postgresUp.Set(1)

	logrus.WithFields(logrus.Fields{
		"attempts":          attempt,
		"max_idle_conns":    pool.maxIdle,
		"max_active_conns":  pool.maxOpen,
		"max_conn_lifetime": pool.lifetime,
	}).Info("postgres connection established")

	return db, nil
}

type poolSettings struct {
	maxIdle  int
	maxOpen  int
	lifetime time.Duration
	idleTime time.Duration
}

func newPoolSettings(cfg config.DatabaseConfig) poolSettings {
	pool := poolSettings{
		maxIdle:  defaultMaxIdleConns,
		maxOpen:  defaultMaxOpenConns,
		lifetime: defaultConnLifetime,
		idleTime: cfg.PingInterval,
	}
	if cfg.MaxIdleConns > 0 {
		pool.maxIdle = cfg.MaxIdleConns
	}
	if cfg.MaxActiveConns > 0 {
		pool.maxOpen = cfg.MaxActiveConns
	}
	if cfg.MaxConnLifetime > 0 {
		pool.lifetime = cfg.MaxConnLifetime
	}
	if pool.maxIdle > pool.maxOpen {
		pool.maxIdle = pool.maxOpen
	}
	return pool
}

func (p poolSettings) apply(db *sqlx.DB) {
	db.SetMaxIdleConns(p.maxIdle)
	db.SetMaxOpenConns(p.maxOpen)
	db.SetConnMaxLifetime(p.lifetime)
	if p.idleTime > 0 {
		db.SetConnMaxIdleTime(p.idleTime)
	}
}

// StartPostgresHealthCheck pings db every interval and mirrors the result
// into the postgres_up gauge.
func StartPostgresHealthCheck(ctx context.Context, db *sqlx.DB, interval time.Duration) {
	if db == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, interval)
				err := db.PingContext(pingCtx)
				cancel()
				if err != nil {
					postgresUp.Set(0)
					logrus.WithError(err).Error("postgres health check failed")
					continue
				}
				postgresUp.Set(1)
			}
		}
	}()
}

func maskDSN(dsn string) string {
	idx := strings.LastIndex(dsn, "@")
	if idx == -1 {
		return dsn
	}

	prefix := dsn[:idx]
	credsIdx := strings.LastIndex(prefix, "://")
	if credsIdx == -1 {
		return "***" + dsn[idx:]
	}

	return prefix[:credsIdx+3] + "***" + dsn[idx:]
}
