package server

import (
	"context"
	"fmt"
	"net"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kubilitics/kubilitics-optimizer/internal/logging"
)

// WorkflowServicePrefix prefixes the health service name of each scheduled
// workflow, e.g. "workflow/reorder-widgets".
const WorkflowServicePrefix = "workflow/"

// GRPCServer serves grpc.health.v1. The overall service ("") is SERVING while
// the process is up; each scheduled workflow has its own entry.
type GRPCServer struct {
	server   *grpc.Server
	health   *health.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewGRPCServer listens on addr and registers the health and reflection
// services.
func NewGRPCServer(addr string, logger *zap.Logger) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	grpc_prometheus.EnableHandlingTimeHistogram()
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
		grpc.ChainStreamInterceptor(grpc_prometheus.StreamServerInterceptor),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	grpc_prometheus.Register(srv)

	return &GRPCServer{
		server:   srv,
		health:   hs,
		listener: lis,
		logger:   logging.OrNop(logger).Named("grpc"),
	}, nil
}

// Addr is the bound listener address.
func (g *GRPCServer) Addr() net.Addr { return g.listener.Addr() }

// Start serves in the background.
func (g *GRPCServer) Start() {
	go func() {
		if err := g.server.Serve(g.listener); err != nil {
			g.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	g.logger.Info("gRPC server listening", zap.String("addr", g.listener.Addr().String()))
}

// SetScheduled implements workflow.StatusReporter.
func (g *GRPCServer) SetScheduled(workflowID string, scheduled bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if scheduled {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(WorkflowServicePrefix+workflowID, status)
}

// Shutdown marks every service NOT_SERVING and stops gracefully, forcing a
// stop when ctx expires.
func (g *GRPCServer) Shutdown(ctx context.Context) {
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		g.logger.Warn("gRPC graceful stop timed out, forcing stop")
		g.server.Stop()
	}
}
