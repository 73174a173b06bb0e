package infrastructure

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/krobus00/execution-engine/internal/config"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const (
	natsMaxRetries      = 10
	natsMinJitter       = 100 * time.Millisecond
	natsMaxJitter       = 2 * time.Second
	natsConnectTimeout  = 5 * time.Second
	natsDrainTimeout    = 10 * time.Second
	natsPingInterval    = 30 * time.Second
	natsPingOutstanding = 3
	jetStreamMaxPending = 256
	jetStreamMaxWait    = 5 * time.Second
)

var natsConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "execution_engine",
	Name:      "nats_connected",
	Help:      "1 while the named NATS client holds a live connection.",
}, []string{"client"})

// NewJetstream connects to NATS under clientName and opens a JetStream
// context. The connection keeps reconnecting in the background with the
// configured jittered backoff.
func NewJetstream(cfg config.NatsJetstreamConfig, clientName string) (*nats.Conn, nats.JetStreamContext, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, nil, errors.New("nats jetstream url is required")
	}

	backoff := backoffConfig{
		MaxRetries: cfg.MaxRetries,
		Factor:     cfg.ReconnectFactor,
		MinJitter:  cfg.MinJitter,
		MaxJitter:  cfg.MaxJitter,
	}.withDefaults(natsMaxRetries, defaultBackoffFactor, natsMinJitter, natsMaxJitter)

	nc, err := nats.Connect(cfg.URL, natsOptions(clientName, backoff)...)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", clientName, err)
	}

	js, err := nc.JetStream(nats.PublishAsyncMaxPending(jetStreamMaxPending), nats.MaxWait(jetStreamMaxWait))
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("open jetstream %s: %w", clientName, err)
	}

	if nc.IsConnected() {
		natsConnected.WithLabelValues(clientName).Set(1)
	}

	logrus.WithFields(logrus.Fields{
		"url":         cfg.URL,
		"client":      clientName,
		"max_retries": backoff.MaxRetries,
	}).Info("nats jetstream ready")

	return nc, js, nil
}

func natsOptions(clientName string, backoff backoffConfig) []nats.Option {
	rng := newRand()
	logger := logrus.WithField("client", clientName)
	connected := natsConnected.WithLabelValues(clientName)

	return []nats.Option{
		nats.Name(clientName),
		nats.Timeout(natsConnectTimeout),
		nats.DrainTimeout(natsDrainTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(backoff.MaxRetries),
		nats.PingInterval(natsPingInterval),
		nats.MaxPingsOutstanding(natsPingOutstanding),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			return jitteredDelay(attempts, backoff.Factor, backoff.MinJitter, backoff.MaxJitter, rng)
		}),
		nats.ConnectHandler(func(conn *nats.Conn) {
			connected.Set(1)
			logger.Infof("nats connected: %s", conn.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			connected.Set(0)
			logger.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			connected.Set(1)
			logger.Infof("nats reconnected: %s", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(conn *nats.Conn) {
			connected.Set(0)
			logger.WithError(conn.LastError()).Warn("nats connection closed")
		}),
	}
}

// CloseJetstream drains pending publishes and subscriptions before closing.
func CloseJetstream(nc *nats.Conn) error {
	if nc == nil {
		return nil
	}
	defer nc.Close()

	if err := nc.Drain(); err != nil {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
