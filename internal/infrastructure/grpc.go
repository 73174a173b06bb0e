package infrastructure

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const defaultGRPCAddr = ":9090"

type GRPCServer struct {
	server          *grpc.Server
	health          *health.Server
	addr            string
	shutdownTimeout time.Duration
}

// NewGRPCServer builds a server listening on the port configured under
// portKey, with health and reflection services registered.
func NewGRPCServer(portKey string) *GRPCServer {
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			grpcRecoveryInterceptor,
			grpcAccessLogInterceptor,
		),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)

	return &GRPCServer{
		server:          server,
		health:          healthServer,
		addr:            listenAddr(portKey, defaultGRPCAddr),
		shutdownTimeout: defaultShutdownTimeout,
	}
}

// Server exposes the registrar for service registration.
func (g *GRPCServer) Server() *grpc.Server {
	return g.server
}

func (g *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", g.addr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", g.addr, err)
	}

	for name := range g.server.GetServiceInfo() {
		g.health.SetServingStatus(name, healthpb.HealthCheckResponse_SERVING)
	}
	g.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	logrus.WithField("addr", g.addr).Info("grpc server starting")
	return g.server.Serve(listener)
}

// Shutdown drains in-flight calls and forces a stop once ctx is done.
func (g *GRPCServer) Shutdown(ctx context.Context) error {
	g.health.Shutdown()

	if ctx == nil {
		innerCtx, cancel := context.WithTimeout(context.Background(), g.shutdownTimeout)
		defer cancel()
		ctx = innerCtx
	}

	done := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.server.Stop()
		return ctx.Err()
	}
}

func grpcRecoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logrus.WithFields(logrus.Fields{
				"method": info.FullMethod,
				"panic":  recovered,
			}).Error("panic recovered in grpc handler")
			err = status.Error(codes.Internal, "internal server error")
		}
	}()

	return handler(ctx, req)
}

func grpcAccessLogInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	started := time.Now()
	resp, err := handler(ctx, req)

	logrus.WithFields(logrus.Fields{
		"method":      info.FullMethod,
		"code":        status.Code(err).String(),
		"duration_ms": time.Since(started).Milliseconds(),
	}).Info("grpc request handled")

	return resp, err
}
