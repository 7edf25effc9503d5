package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/click2call/internal/signaling/auth"
	"github.com/sebas/click2call/internal/signaling/config"
	"github.com/sebas/click2call/internal/signaling/events"
	"github.com/sebas/click2call/internal/signaling/widget"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Environment:     "test",
		BindAddr:        "127.0.0.1",
		Port:            freePort(t),
		AllowedOrigins:  []string{"*"},
		SignalingPath:   "/ws",
		PingInterval:    time.Second,
		PongTimeout:     3 * time.Second,
		WriteTimeout:    time.Second,
		SendBuffer:      8,
		MaxMessageBytes: 4096,
		WidgetsPath:     filepath.Join(t.TempDir(), "missing.json"),
		EventsBackend:   "none",
	}
}

func writeWidgets(t *testing.T, path string, ids ...string) {
	t.Helper()
	body := `{"version":"1","widgets":[`
	for i, id := range ids {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"id":%q,"type":"call2app"}`, id)
	}
	body += "]}"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestNewServerWithoutWidgetsFile(t *testing.T) {
	a, err := NewServer(baseConfig(t), "test", nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.files)
	assert.NoError(t, a.ReloadWidgets())
}

func TestNewServerRejectsBadWidgetsFile(t *testing.T) {
	cfg := baseConfig(t)
	require.NoError(t, os.WriteFile(cfg.WidgetsPath, []byte("{"), 0o600))

	_, err := NewServer(cfg, "test", nil)
	assert.Error(t, err)
}

func TestReloadWidgets(t *testing.T) {
	cfg := baseConfig(t)
	cfg.WidgetCacheTTL = time.Minute
	writeWidgets(t, cfg.WidgetsPath, "w1")

	a, err := NewServer(cfg, "test", nil)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	_, err = a.cache.Get(ctx, "w1")
	require.NoError(t, err)
	_, err = a.cache.Get(ctx, "w2")
	assert.ErrorIs(t, err, widget.ErrNotFound)

	writeWidgets(t, cfg.WidgetsPath, "w2")
	require.NoError(t, a.ReloadWidgets())

	_, err = a.cache.Get(ctx, "w2")
	assert.NoError(t, err)
	_, err = a.cache.Get(ctx, "w1")
	assert.ErrorIs(t, err, widget.ErrNotFound, "cached entry must be dropped on reload")
}

func TestBuildAuth(t *testing.T) {
	cfg := baseConfig(t)
	a := &Click2Call{config: cfg, logger: slog.Default()}

	authn, err := a.buildAuth()
	require.NoError(t, err)
	assert.IsType(t, auth.AllowAll{}, authn)

	cfg.JWTSecret = "secret"
	cfg.APIKeys = "k1=widget-a"
	authn, err = a.buildAuth()
	require.NoError(t, err)
	chain, ok := authn.(auth.Chain)
	require.True(t, ok)
	assert.Len(t, chain, 2)

	id, err := authn.Authenticate(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "widget-a", id.Subject)

	cfg.APIKeys = "broken"
	_, err = a.buildAuth()
	assert.Error(t, err)
}

func TestBuildPublisher(t *testing.T) {
	cfg := baseConfig(t)
	a := &Click2Call{config: cfg, logger: slog.Default()}

	p, err := a.buildPublisher()
	require.NoError(t, err)
	assert.IsType(t, events.NoopPublisher{}, p)

	cfg.EventsBackend = "log"
	p, err = a.buildPublisher()
	require.NoError(t, err)
	assert.IsType(t, &events.LoggingPublisher{}, p)

	cfg.EventsBackend = "redis"
	_, err = a.buildPublisher()
	assert.Error(t, err)
}

func TestRunServesAndShutsDown(t *testing.T) {
	cfg := baseConfig(t)
	cfg.GRPCHealthPort = freePort(t)

	a, err := NewServer(cfg, "test", nil)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	healthURL := fmt.Sprintf("http://%s/health", cfg.Addr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(fmt.Sprintf("127.0.0.1:%d", cfg.GRPCHealthPort),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	require.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: healthService})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout):
		t.Fatal("Run did not return after cancel")
	}
}
