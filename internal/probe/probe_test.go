package probe

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ashureev/promptdev/internal/metrics"
)

const bufSize = 1024 * 1024

type flakyDB struct {
	down atomic.Bool
}

func (d *flakyDB) Ping(context.Context) error {
	if d.down.Load() {
		return errors.New("database is locked")
	}
	return nil
}

func setupProbe(t *testing.T, db Pinger, m *metrics.Metrics) (*Server, healthpb.HealthClient) {
	t.Helper()
	srv := New(db, time.Second, m, nil)
	lis := bufconn.Listen(bufSize)
	go func() { _ = srv.Serve(lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		srv.Stop()
		_ = lis.Close()
	})
	return srv, healthpb.NewHealthClient(conn)
}

func TestProbeReportsDatabaseStatus(t *testing.T) {
	db := &flakyDB{}
	m := metrics.New()
	srv, client := setupProbe(t, db, m)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus(), "not serving before the first check")

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, srv.Check(ctx))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	db.down.Store(true)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, srv.Check(ctx))
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	assert.Equal(t, float64(3), testutil.ToFloat64(
		m.GRPCRequestsTotal.WithLabelValues("/grpc.health.v1.Health/Check", "success")))
}

func TestProbeUnknownService(t *testing.T) {
	_, client := setupProbe(t, &flakyDB{}, nil)
	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "nope"})
	require.Error(t, err)
}
