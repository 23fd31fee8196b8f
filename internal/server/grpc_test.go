package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestGRPCHealth(t *testing.T) {
	g, err := NewGRPCServer("127.0.0.1:0", nil)
	require.NoError(t, err)
	g.Start()

	conn, err := grpc.NewClient(g.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	g.SetScheduled("nightly-costs", true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: WorkflowServicePrefix + "nightly-costs"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	g.SetScheduled("nightly-costs", false)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: WorkflowServicePrefix + "nightly-costs"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: WorkflowServicePrefix + "unknown"})
	assert.Error(t, err)

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	g.Shutdown(shutdownCtx)
}

func TestHTTPServerStartAndShutdown(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.srv.Start())
	assert.Error(t, ts.srv.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Shutdown(ctx))
	require.NoError(t, ts.srv.Shutdown(ctx))
}
