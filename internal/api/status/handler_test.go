package status

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fleet-agent/internal/agent/agentinfo"
	"fleet-agent/pkg/metrics"
)

func newTestServer(t *testing.T, lastPing time.Time) (*server.Hertz, *Handler, *agentinfo.RuntimeInfo) {
	t.Helper()
	info := agentinfo.New(agentinfo.NewIdentifier("host-1", "agent-1"), t.TempDir())
	if !lastPing.IsZero() {
		info.RecordPing(lastPing)
	}
	h := NewHandler(info, "http", 10*time.Second)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }
	return NewRouter(h).Build(":0"), h, info
}

func get(s *server.Hertz, path string) *ut.ResponseRecorder {
	return ut.PerformRequest(s.Engine, "GET", path, &ut.Body{Body: bytes.NewReader(nil), Len: 0})
}

func TestIsConnectedToServer(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		lastPing time.Time
		want     int
	}{
		{"never pinged", time.Time{}, 503},
		{"recent ping", now.Add(-5 * time.Second), 200},
		{"two intervals ago", now.Add(-20 * time.Second), 200},
		{"stale ping", now.Add(-21 * time.Second), 503},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestServer(t, tt.lastPing)
			for _, path := range []string{"/health/v1/isConnectedToServer", "/health/latest/isConnectedToServer"} {
				w := get(s, path)
				assert.Equal(t, tt.want, w.Result().StatusCode(), path)
			}
		})
	}
}

func TestIsConnectedToServer_Body(t *testing.T) {
	s, _, _ := newTestServer(t, time.Date(2026, 1, 1, 11, 59, 59, 0, time.UTC))
	w := get(s, "/health/v1/isConnectedToServer")
	assert.Equal(t, "OK!", string(w.Result().Body()))
}

func TestStatus(t *testing.T) {
	s, _, info := newTestServer(t, time.Date(2026, 1, 1, 11, 59, 55, 0, time.UTC))
	info.Busy("build-3")
	info.SetCookie("cookie-1")

	w := get(s, "/status")
	require.Equal(t, 200, w.Result().StatusCode())

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Result().Body(), &body))
	assert.Equal(t, "http", body["transport"])
	assert.Equal(t, true, body["connectedToServer"])
	assert.Equal(t, "Building", body["runtimeStatus"])
	assert.Equal(t, "build-3", body["buildId"])
	identifier, ok := body["identifier"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent-1", identifier["uuid"])
}

func TestMetrics(t *testing.T) {
	metrics.AgentBusy.Set(0)
	s, _, _ := newTestServer(t, time.Time{})
	w := get(s, "/metrics")
	require.Equal(t, 200, w.Result().StatusCode())
	assert.Contains(t, string(w.Result().Body()), "fleet_agent_busy")
}

func TestGRPCHealth(t *testing.T) {
	connected := make(chan bool, 1)
	connected <- false
	current := false
	g, err := StartGRPC("127.0.0.1:0", func() bool {
		select {
		case v := <-connected:
			current = v
		default:
		}
		return current
	}, 5*time.Millisecond)
	require.NoError(t, err)
	defer g.Shutdown(context.Background())

	conn, err := grpc.NewClient(g.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())

	connected <- true
	assert.Eventually(t, func() bool { return check() == healthpb.HealthCheckResponse_SERVING }, 2*time.Second, 10*time.Millisecond)
}
