package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	logger := logrus.New()
	server := NewServer("19091", logger)
	require.NotNil(t, server)
	assert.Equal(t, ":19091", server.server.Addr)
}

func TestServerStartStop(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	server := NewServer("19090", logger)
	server.StartAsync()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, server.Stop(ctx))
}

func TestServerHealthEndpointDefault(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	server := NewServer("19089", logger)
	server.StartAsync()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(ctx)
	}()
	time.Sleep(200 * time.Millisecond)

	resp, err := http.Get("http://localhost:19089/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "ok", status.Status)
	assert.False(t, status.Authenticated)
}

type fakeHealthProvider struct{ status HealthStatus }

func (f fakeHealthProvider) Health(ctx context.Context) HealthStatus { return f.status }

func TestServerHealthEndpointWithProvider(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	server := NewServer("19088", logger)
	server.SetHealthProvider(fakeHealthProvider{status: HealthStatus{
		Status: "ok", Provider: "claude", Authenticated: true, Model: "claude-opus", QueueDepth: 3,
	}})
	server.StartAsync()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(ctx)
	}()
	time.Sleep(200 * time.Millisecond)

	resp, err := http.Get("http://localhost:19088/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(body, &status))
	assert.Equal(t, "claude", status.Provider)
	assert.True(t, status.Authenticated)
	assert.Equal(t, "claude-opus", status.Model)
	assert.Equal(t, int64(3), status.QueueDepth)
}

func TestServerMetricsEndpoint(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	RecordJobProcessed("raw", "completed", false)
	RecordReconcilerMatch("organization")

	server := NewServer("19087", logger)
	server.StartAsync()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Stop(ctx)
	}()
	time.Sleep(200 * time.Millisecond)

	resp, err := http.Get("http://localhost:19087/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	bodyStr := string(body)

	assert.Contains(t, bodyStr, "jobs_processed_total")
	assert.Contains(t, bodyStr, `reconciler_matches_total{record_type="organization"}`)
}

func TestServerStopTimeout(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	server := NewServer("19086", logger)
	server.StartAsync()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Nanosecond)
	defer cancel()
	_ = server.Stop(ctx)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	server.Stop(ctx2)
}

func TestServerContextCancellation(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	server := NewServer("19085", logger)
	server.StartAsync()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_ = server.Stop(ctx)
}
