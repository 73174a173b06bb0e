package bootstrap

import (
	"context"

	"github.com/krobus00/execution-engine/internal/config"
	"github.com/krobus00/execution-engine/internal/infrastructure"
	"github.com/krobus00/execution-engine/internal/service/orderengine"
	"github.com/krobus00/execution-engine/internal/service/registry"
	"github.com/krobus00/execution-engine/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

// StartOrderStatusSyncWorker reconciles persisted non-terminal legs against
// the venue while no gateway is running; it refuses to start next to a live
// gateway heartbeat. With --once it runs a single pass.
func StartOrderStatusSyncWorker(cmd *cobra.Command, args []string) {
	once, _ := cmd.Flags().GetBool("once")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopProfiler := startProfiler("order-status-sync-worker")
	defer stopProfiler()

	dbCfg := config.Env.Database[databaseExecutionEngine]
	db, err := infrastructure.NewPostgresConnection(ctx, dbCfg)
	util.ContinueOrFatal(err)
	infrastructure.StartPostgresHealthCheck(ctx, db, dbCfg.PingInterval)

	redisClient, err := infrastructure.NewRedisClient(ctx, config.Env.Redis[redisIdempotency])
	util.ContinueOrFatal(err)

	// a running gateway still schedules TWAP and grid legs this worker would
	// otherwise resolve as abandoned
	presence := registry.NewRedisIdempotencyStore(redisClient, config.Env.Engine.IdempotencyTTL)
	util.ContinueOrFatal(orderengine.EnsureNoGateway(ctx, presence))

	// lifecycle events still reach the stream; no async queue is consumed here
	nc, js, err := infrastructure.NewJetstream(config.Env.NatsJetstream, "order-status-sync-worker")
	util.ContinueOrFatal(err)

	core := newExecutionEngine(ctx, db, redisClient, js)
	syncService := orderengine.NewOrderStatusSyncService(core.engine, core.locker, config.Env.Engine.SyncInterval).
		Standalone(core.locker)

	closeAll := func(ctx context.Context) error {
		err := core.engine.Shutdown(ctx)
		cancel()
		return multierr.Combine(err, infrastructure.CloseJetstream(nc), redisClient.Close(), db.Close())
	}

	if once {
		syncService.SyncPendingOrders(ctx)
		logrus.Info("order status sync pass finished")
		util.ContinueOrFatal(closeAll(context.Background()))
		return
	}

	go syncService.Run(ctx)

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, map[string]operation{
		"order status sync": closeAll,
	})

	<-wait
}
