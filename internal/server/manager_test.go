package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func okHandler(body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	})
}

func TestDefaultConfig_Values(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 120*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 1<<20, cfg.MaxHeaderBytes)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestNewManager_NotRunningUntilStarted(t *testing.T) {
	m := NewManager("api", http.NewServeMux(), DefaultConfig(), nil)

	require.NotNil(t, m)
	assert.False(t, m.IsRunning())
	assert.Equal(t, ":8080", m.Addr())
}

func TestManager_StartAndShutdown(t *testing.T) {
	m := NewManager("api", okHandler("ok"), testConfig(), zaptest.NewLogger(t))

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.NotEqual(t, "127.0.0.1:0", m.Addr(), "Addr should report the bound port")

	resp, err := http.Get("http://" + m.Addr() + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	require.NoError(t, m.Shutdown(context.Background()))
	assert.False(t, m.IsRunning())

	// idempotent
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_DoubleStart(t *testing.T) {
	m := NewManager("api", http.NewServeMux(), testConfig(), zap.NewNop())
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")
}

func TestManager_StartAfterShutdown(t *testing.T) {
	m := NewManager("api", http.NewServeMux(), testConfig(), zap.NewNop())
	require.NoError(t, m.Start())
	require.NoError(t, m.Shutdown(context.Background()))

	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestManager_ListenFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig()
	cfg.Addr = l.Addr().String()
	m := NewManager("api", http.NewServeMux(), cfg, zap.NewNop())

	err = m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
	assert.False(t, m.IsRunning())
}

func TestManager_ErrorsEmptyWhileHealthy(t *testing.T) {
	m := NewManager("api", http.NewServeMux(), testConfig(), zap.NewNop())
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	select {
	case err := <-m.Errors():
		t.Fatalf("unexpected server error: %v", err)
	default:
	}
}

func TestServe_RunsAllUntilCancelled(t *testing.T) {
	api := NewManager("api", okHandler("api"), testConfig(), zap.NewNop())
	metrics := NewManager("metrics", okHandler("metrics"), testConfig(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, api, metrics) }()

	require.Eventually(t, func() bool { return api.IsRunning() && metrics.IsRunning() },
		2*time.Second, 10*time.Millisecond)

	for addr, want := range map[string]string{api.Addr(): "api", metrics.Addr(): "metrics"} {
		resp, err := http.Get("http://" + addr + "/")
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, want, string(body))
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.False(t, api.IsRunning())
	assert.False(t, metrics.IsRunning())
}

func TestServe_StartFailureShutsDownStarted(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	good := NewManager("api", http.NewServeMux(), testConfig(), zap.NewNop())
	badCfg := testConfig()
	badCfg.Addr = l.Addr().String()
	bad := NewManager("metrics", http.NewServeMux(), badCfg, zap.NewNop())

	err = Serve(context.Background(), good, bad)
	require.Error(t, err)
	assert.False(t, good.IsRunning())
}
