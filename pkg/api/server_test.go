package api

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/ordersaga/ordersaga/config"
	"github.com/ordersaga/ordersaga/pkg/api/handlers"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverConfig(port int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = port
	cfg.Server.CORS.Enabled = false
	cfg.Server.HTTP.MaxHeaderBytes = 1 << 16
	return cfg
}

func inspectionHandlers() *Handlers {
	return &Handlers{
		Sagas:     handlers.NewSagaHandler(saga.NewMemoryStore()),
		Health:    handlers.NewHealthHandler(nil),
		WebSocket: handlers.NewWebSocketHandler(logger.NewNop(), handlers.WebSocketConfig{}),
	}
}

func TestNewHTTPServer(t *testing.T) {
	server := NewHTTPServer(serverConfig(8080), logger.NewNop(), inspectionHandlers())

	require.NotNil(t, server.router)
	assert.Equal(t, 1<<16, server.server.MaxHeaderBytes)
	assert.Equal(t, server.server.ReadTimeout, server.server.ReadHeaderTimeout)
	if server.Addr() != "127.0.0.1:8080" {
		t.Fatalf("Addr() = %q, want 127.0.0.1:8080", server.Addr())
	}
}

func TestHTTPServer_ServeAndShutdown(t *testing.T) {
	server := NewHTTPServer(serverConfig(0), logger.NewNop(), inspectionHandlers())
	require.NoError(t, server.Listen())

	errs := make(chan error, 1)
	go func() { errs <- server.Serve() }()

	resp, err := http.Get("http://" + server.Addr() + "/api/v1/sagas")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve() did not return after shutdown")
	}
}

func TestHTTPServer_ListenReportsTakenPort(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	port := taken.Addr().(*net.TCPAddr).Port
	server := NewHTTPServer(serverConfig(port), logger.NewNop(), inspectionHandlers())
	if err := server.Listen(); err == nil {
		t.Fatal("expected Listen to fail on a taken port")
	}
}

func TestHTTPServer_ShutdownWithoutServe(t *testing.T) {
	server := NewHTTPServer(serverConfig(0), logger.NewNop(), inspectionHandlers())
	require.NoError(t, server.Listen())
	addr := server.Addr()

	require.NoError(t, server.Shutdown(context.Background()))

	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err, "listener must be released")
	ln.Close()
}
