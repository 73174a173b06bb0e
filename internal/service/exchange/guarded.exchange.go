package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultGuardMaxRetries  = uint64(3)
	defaultGuardBaseBackoff = 200 * time.Millisecond
	defaultGuardMaxBackoff  = 5 * time.Second
)

type GuardConfig struct {
	RequestsPerSecond float64
	Burst             int
	MaxRetries        uint64
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
}

// GuardedGateway wraps a venue gateway with a shared request budget and
// bounded retries for rate limited or unreachable responses. Requests wait
// for the budget in arrival order.
type GuardedGateway struct {
	next    entity.ExchangeGateway
	limiter *rate.Limiter
	cfg     GuardConfig
}

func NewGuardedGateway(next entity.ExchangeGateway, cfg GuardConfig) *GuardedGateway {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultGuardMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultGuardBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultGuardMaxBackoff
	}

	return &GuardedGateway{
		next:    next,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cfg:     cfg,
	}
}

func (g *GuardedGateway) Name() entity.ExchangeName {
	return g.next.Name()
}

// Submit places order. When an attempt ends with the venue unreachable the
// order may still have landed, so the next attempt looks it up by client
// request id before submitting again.
func (g *GuardedGateway) Submit(ctx context.Context, order entity.Order) (*entity.OrderSnapshot, error) {
	var (
		snapshot  *entity.OrderSnapshot
		uncertain bool
	)

	err := g.call(ctx, "submit", func(ctx context.Context) error {
		if uncertain {
			existing, err := g.next.QueryStatus(ctx, order.Ref())
			switch {
			case err == nil:
				logrus.WithField("client_request_id", order.ClientRequestID).Info("adopting order found after uncertain submit")
				snapshot = existing
				return nil
			case errors.Is(err, entity.ErrOrderNotFound):
			default:
				return err
			}

			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		result, err := g.next.Submit(ctx, order)
		if err != nil {
			uncertain = errors.Is(err, entity.ErrUnreachable)
			return err
		}
		snapshot = result
		return nil
	})

	return snapshot, err
}

func (g *GuardedGateway) Cancel(ctx context.Context, ref entity.OrderRef) (*entity.OrderSnapshot, error) {
	var snapshot *entity.OrderSnapshot
	err := g.call(ctx, "cancel", func(ctx context.Context) error {
		result, err := g.next.Cancel(ctx, ref)
		if err != nil {
			return err
		}
		snapshot = result
		return nil
	})
	return snapshot, err
}

func (g *GuardedGateway) QueryStatus(ctx context.Context, ref entity.OrderRef) (*entity.OrderSnapshot, error) {
	var snapshot *entity.OrderSnapshot
	err := g.call(ctx, "query", func(ctx context.Context) error {
		result, err := g.next.QueryStatus(ctx, ref)
		if err != nil {
			return err
		}
		snapshot = result
		return nil
	})
	return snapshot, err
}

func (g *GuardedGateway) SymbolRules(ctx context.Context, symbol string) (*entity.SymbolRules, error) {
	return g.next.SymbolRules(ctx, symbol)
}

func (g *GuardedGateway) AvailableBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return g.next.AvailableBalance(ctx, asset)
}

func (g *GuardedGateway) call(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	exchangeName := string(g.next.Name())
	start := time.Now()
	attempt := 0

	err := retry.Do(ctx, g.backoff(), func(ctx context.Context) error {
		if attempt > 0 {
			gatewayRetries.WithLabelValues(exchangeName, operation).Inc()
		}
		attempt++

		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if errors.Is(err, entity.ErrRateLimited) || errors.Is(err, entity.ErrUnreachable) {
			logrus.WithError(err).WithFields(logrus.Fields{
				"exchange":  exchangeName,
				"operation": operation,
				"attempt":   attempt,
			}).Warn("exchange call failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})

	gatewayRequestDuration.WithLabelValues(exchangeName, operation).Observe(time.Since(start).Seconds())
	gatewayRequests.WithLabelValues(exchangeName, operation, outcomeLabel(err)).Inc()

	return err
}

func (g *GuardedGateway) backoff() retry.Backoff {
	b := retry.NewExponential(g.cfg.BaseBackoff)
	b = retry.WithJitterPercent(20, b)
	b = retry.WithCappedDuration(g.cfg.MaxBackoff, b)
	return retry.WithMaxRetries(g.cfg.MaxRetries, b)
}
