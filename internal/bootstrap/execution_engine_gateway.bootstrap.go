package bootstrap

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/krobus00/execution-engine/internal/config"
	"github.com/krobus00/execution-engine/internal/entity"
	grpcHandler "github.com/krobus00/execution-engine/internal/handler/orderengine/grpc"
	httpHandler "github.com/krobus00/execution-engine/internal/handler/orderengine/http"
	"github.com/krobus00/execution-engine/internal/infrastructure"
	"github.com/krobus00/execution-engine/internal/service/orderengine"
	"github.com/krobus00/execution-engine/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func StartExecutionEngineGateway(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopProfiler := startProfiler("execution-engine-gateway")

	dbCfg := config.Env.Database[databaseExecutionEngine]
	db, err := infrastructure.NewPostgresConnection(ctx, dbCfg)
	util.ContinueOrFatal(err)
	infrastructure.StartPostgresHealthCheck(ctx, db, dbCfg.PingInterval)

	redisClient, err := infrastructure.NewRedisClient(ctx, config.Env.Redis[redisIdempotency])
	util.ContinueOrFatal(err)

	nc, js, err := infrastructure.NewJetstream(config.Env.NatsJetstream, "execution-engine-gateway")
	util.ContinueOrFatal(err)

	core := newExecutionEngine(ctx, db, redisClient, js)

	instanceID := uuid.NewString()
	go orderengine.RunGatewayHeartbeat(ctx, core.locker, instanceID, config.Env.Engine.SyncInterval)

	for _, subscriber := range []entity.Subscriber{core.engine} {
		util.ContinueOrFatal(subscriber.JetstreamEventSubscribe(ctx))
	}

	syncService := orderengine.NewOrderStatusSyncService(core.engine, core.locker, config.Env.Engine.SyncInterval)
	go syncService.Run(ctx)

	grpcServer := infrastructure.NewGRPCServer("execution_engine_gateway_grpc")
	grpcHandler.RegisterExecutionEngineServer(grpcServer.Server(), grpcHandler.NewOrderEngineGRPCServer(core.engine))

	go func() {
		if err := grpcServer.Start(); err != nil {
			logrus.Error(err)
		}
	}()

	router := mux.NewRouter()
	httpHandler.NewOrderEngineHTTPHandler(core.engine, config.Env.APIKeys).Register(router)

	httpConfig := infrastructure.DefaultHTTPServerConfig("execution_engine_gateway_http")
	httpConfig.ShutdownTimeout = config.Env.GracefulShutdownTimeout
	httpConfig.ReadinessChecks = map[string]infrastructure.ReadinessCheck{
		"postgres": db.PingContext,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
		"nats": func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return errors.New(nc.Status().String())
			}
			return nil
		},
	}
	httpServer := infrastructure.NewHTTPServerWithConfig(httpConfig, router)

	go func() {
		if err := httpServer.Start(); err != nil {
			logrus.Error(err)
		}
	}()

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, map[string]operation{
		// servers stop first so no request lands on a stopped engine
		"execution engine": func(ctx context.Context) error {
			err := multierr.Combine(
				httpServer.Shutdown(ctx),
				grpcServer.Shutdown(ctx),
				core.engine.Shutdown(ctx),
			)
			cancel()
			err = multierr.Append(err, core.locker.StopHeartbeat(context.WithoutCancel(ctx), orderengine.GatewayHeartbeatName, instanceID))
			return multierr.Combine(err, infrastructure.CloseJetstream(nc), redisClient.Close(), db.Close())
		},
		"profiler": func(context.Context) error {
			stopProfiler()
			return nil
		},
	})

	<-wait
}
