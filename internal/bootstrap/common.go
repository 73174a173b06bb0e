package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/execution-engine/internal/config"
	"github.com/krobus00/execution-engine/internal/entity"
	"github.com/krobus00/execution-engine/internal/repository"
	"github.com/krobus00/execution-engine/internal/service/exchange"
	"github.com/krobus00/execution-engine/internal/service/notifier"
	"github.com/krobus00/execution-engine/internal/service/orderengine"
	"github.com/krobus00/execution-engine/internal/service/pricefeed"
	"github.com/krobus00/execution-engine/internal/service/registry"
	"github.com/krobus00/execution-engine/internal/service/risk"
	"github.com/krobus00/execution-engine/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	databaseExecutionEngine = "execution_engine"
	redisIdempotency        = "idempotency"
	exchangeBinance         = "binance"
	timeoutHandlerPlace     = "place_order"
	paperMatchInterval      = 500 * time.Millisecond
)

type operation func(ctx context.Context) error

// gracefulShutdown waits for termination syscalls and doing clean up operations after received it.
func gracefulShutdown(ctx context.Context, timeout time.Duration, ops map[string]operation) <-chan struct{} {
	wait := make(chan struct{})
	go func() {
		s := make(chan os.Signal, 1)

		signal.Notify(s, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		<-s

		logrus.Info("shutting down")

		// set timeout for the ops to be done to prevent system hang
		timeoutFunc := time.AfterFunc(timeout, func() {
			logrus.Error(fmt.Sprintf("timeout %d ms has been elapsed, force exit", timeout.Milliseconds()))
			os.Exit(0)
		})

		defer timeoutFunc.Stop()

		var wg sync.WaitGroup

		for key, op := range ops {
			wg.Add(1)
			go func() {
				defer wg.Done()

				logrus.Info(fmt.Sprintf("cleaning up: %s", key))
				if err := op(ctx); err != nil {
					logrus.Error(fmt.Sprintf("%s: clean up failed: %s", key, err.Error()))
					return
				}

				logrus.Info(fmt.Sprintf("%s was shutdown gracefully", key))
			}()
		}

		wg.Wait()

		close(wait)
	}()

	return wait
}

// startProfiler starts continuous profiling when enabled; the returned func
// stops it.
func startProfiler(appName string) func() {
	cfg := config.Env.Profiling
	if !cfg.Enabled {
		return func() {}
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: util.FirstNonEmpty(cfg.ApplicationName, appName),
		ServerAddress:   cfg.ServerAddress,
		Tags: map[string]string{
			"env":     config.Env.Env,
			"version": config.ServiceVersion,
		},
		Logger: logrus.StandardLogger(),
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		logrus.WithError(err).Warn("pyroscope start failed, profiling disabled")
		return func() {}
	}

	return func() {
		_ = profiler.Stop()
	}
}

// executionEngine is the wired core shared by the gateway and the sync worker.
type executionEngine struct {
	engine    *orderengine.OrderEngineService
	notifier  *notifier.AsyncNotifier
	priceFeed entity.PriceFeed
	stream    *pricefeed.StreamPriceFeed
	paper     *exchange.PaperExchange
	locker    *registry.RedisIdempotencyStore
}

// newExecutionEngine wires the venue, registry, guard and engine from
// config.Env. Background loops are started on ctx.
func newExecutionEngine(ctx context.Context, db *sqlx.DB, redisClient *redis.Client, js nats.JetStreamContext) *executionEngine {
	engineCfg := config.Env.Engine
	built := &executionEngine{}

	sinks := []notifier.Sink{notifier.LogSink{}}
	if engineCfg.Notifier.JetStream && js != nil {
		jsSink := notifier.NewJetStreamSink(js)
		initStreams(ctx, jsSink)
		sinks = append(sinks, jsSink)
	}
	built.notifier = notifier.NewAsyncNotifier(engineCfg.Notifier.BufferSize, sinks...)
	go built.notifier.Run(ctx)

	built.priceFeed, built.stream = newPriceFeed(engineCfg)
	gateway := newGateway(engineCfg, built)

	strategyRepo := repository.NewStrategyRepository(db)
	orderRepo := repository.NewOrderRepository(db)
	store := repository.NewRegistryStore(strategyRepo, orderRepo)

	reg := registry.New(registry.Options{
		HistoryLimit: engineCfg.HistoryLimit,
		Store:        store,
		Notifier:     built.notifier,
	})

	archivedLimit := engineCfg.ArchivedRestore
	if archivedLimit <= 0 {
		archivedLimit = engineCfg.HistoryLimit
	}
	strategies, orders, err := store.Load(ctx, archivedLimit)
	util.ContinueOrFatal(err)
	reg.Restore(strategies, orders)
	logrus.WithFields(logrus.Fields{
		"strategies": len(strategies),
		"orders":     len(orders),
	}).Info("registry restored")

	tradable := append([]string{}, engineCfg.TradableSymbols...)
	symbols, err := repository.NewTradableSymbolRepository(db).GetActiveSymbols(ctx, string(gateway.Name()))
	if err != nil {
		logrus.WithError(err).Warn("failed to load tradable symbols, using configured list only")
	}
	tradable = append(tradable, symbols...)

	guard := risk.NewGuard(risk.Config{
		TradableSymbols: tradable,
		QuoteAssets:     engineCfg.QuoteAssets,
		MaxNotional:     engineCfg.Risk.MaxNotional,
		KillSwitch:      engineCfg.Risk.KillSwitch,
	}, gateway, gateway, built.priceFeed)

	built.locker = registry.NewRedisIdempotencyStore(redisClient, engineCfg.IdempotencyTTL)

	built.engine = orderengine.NewOrderEngineService(orderengine.Options{
		Gateway:     gateway,
		Registry:    reg,
		Guard:       guard,
		Idempotency: built.locker,
		JetStream:   js,
		Async: orderengine.AsyncConfig{
			MaxRetries:     config.Env.NatsJetstream.MaxRetries,
			HandlerTimeout: config.Env.NatsJetstream.TimeoutHandler[timeoutHandlerPlace],
		},
		CancelConcurrency: engineCfg.CancelConcurrency,
	})

	if built.stream != nil {
		go func() {
			if err := built.stream.Run(ctx); err != nil {
				logrus.WithError(err).Error("price stream stopped")
			}
		}()
	}
	if built.paper != nil {
		go built.paper.Run(ctx, paperMatchInterval, built.engine.ApplyOrderUpdate)
	}

	return built
}

func initStreams(ctx context.Context, publishers ...entity.Publisher) {
	for _, publisher := range publishers {
		util.ContinueOrFatal(publisher.JetstreamEventInit(ctx))
	}
}

func newPriceFeed(engineCfg config.EngineConfig) (entity.PriceFeed, *pricefeed.StreamPriceFeed) {
	binanceCfg := config.Env.Exchanges[exchangeBinance]

	rest := pricefeed.NewRESTPriceFeed(pricefeed.RESTConfig{
		BaseURL:  binanceCfg.BaseURL,
		CacheTTL: engineCfg.PriceFeed.CacheTTL,
		Timeout:  engineCfg.PriceFeed.Timeout,
	})

	if !strings.EqualFold(engineCfg.PriceFeed.Mode, "stream") {
		return rest, nil
	}

	stream := pricefeed.NewStreamPriceFeed(pricefeed.StreamConfig{
		URL:          binanceCfg.StreamURL,
		Symbols:      engineCfg.TradableSymbols,
		MaxStaleness: engineCfg.PriceFeed.MaxStaleness,
		Fallback:     rest,
	})
	return stream, stream
}

func newGateway(engineCfg config.EngineConfig, built *executionEngine) entity.ExchangeGateway {
	exchange.RegisterExchange(entity.ExchangePaper, func() (entity.ExchangeGateway, error) {
		rules := make([]entity.SymbolRules, 0, len(engineCfg.Paper.Symbols))
		for _, symbol := range engineCfg.Paper.Symbols {
			rules = append(rules, entity.SymbolRules{
				Symbol:       symbol.Symbol,
				BaseAsset:    symbol.BaseAsset,
				QuoteAsset:   symbol.QuoteAsset,
				QuantityStep: symbol.QuantityStep,
				PriceTick:    symbol.PriceTick,
				MinQuantity:  symbol.MinQuantity,
				MinNotional:  symbol.MinNotional,
			})
		}
		built.paper = exchange.NewPaperExchange(exchange.PaperConfig{
			Rules:    rules,
			Balances: engineCfg.Paper.Balances,
		}, built.priceFeed)
		return built.paper, nil
	})

	exchange.RegisterExchange(entity.ExchangeBinanceFutures, func() (entity.ExchangeGateway, error) {
		binanceCfg := config.Env.Exchanges[exchangeBinance]
		if strings.TrimSpace(binanceCfg.APIKey) == "" || strings.TrimSpace(binanceCfg.APISecret) == "" {
			return nil, fmt.Errorf("exchanges.%s api_key and api_secret are required", exchangeBinance)
		}
		return exchange.NewBinanceExchange(exchange.BinanceConfig{
			APIKey:     binanceCfg.APIKey,
			APISecret:  binanceCfg.APISecret,
			BaseURL:    binanceCfg.BaseURL,
			RecvWindow: binanceCfg.RecvWindow,
			Timeout:    binanceCfg.Timeout,
		}), nil
	})

	name := entity.ExchangeName(strings.ToLower(util.FirstNonEmpty(engineCfg.Venue, string(entity.ExchangeBinanceFutures))))
	venue, err := exchange.Resolve(name)
	util.ContinueOrFatal(err)

	logrus.WithField("venue", venue.Name()).Info("exchange gateway ready")

	return exchange.NewGuardedGateway(venue, exchange.GuardConfig{
		RequestsPerSecond: engineCfg.RateLimit.RequestsPerSecond,
		Burst:             engineCfg.RateLimit.Burst,
		MaxRetries:        engineCfg.RateLimit.MaxRetries,
		BaseBackoff:       engineCfg.RateLimit.BaseBackoff,
		MaxBackoff:        engineCfg.RateLimit.MaxBackoff,
	})
}
