package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/ordersaga/ordersaga/config"
	"github.com/ordersaga/ordersaga/pkg/logger"
)

// Server defines the interface for HTTP server lifecycle management.
type Server interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// HTTPServer serves the order API, the saga inspection routes and the
// websocket feed on one listener.
type HTTPServer struct {
	config *config.Config
	server *http.Server
	router chi.Router
	logger logger.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewHTTPServer builds the router and server. Websocket clients are
// hijacked connections that Shutdown does not track, so they are closed
// from the shutdown hook.
func NewHTTPServer(cfg *config.Config, log logger.Logger, handlers *Handlers) *HTTPServer {
	router := NewRouter(cfg, log, handlers)

	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           router,
		ReadTimeout:       cfg.Server.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.HTTP.ReadTimeout,
		WriteTimeout:      cfg.Server.HTTP.WriteTimeout,
		IdleTimeout:       cfg.Server.HTTP.IdleTimeout,
	}
	if cfg.Server.HTTP.MaxHeaderBytes > 0 {
		srv.MaxHeaderBytes = cfg.Server.HTTP.MaxHeaderBytes
	}
	if handlers.WebSocket != nil {
		srv.RegisterOnShutdown(handlers.WebSocket.Close)
	}

	return &HTTPServer{
		config: cfg,
		server: srv,
		router: router,
		logger: log,
	}
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Addr returns the bound address once listening, else the configured one.
func (s *HTTPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// Listen binds the configured address. Calling it before Serve surfaces a
// taken port to the caller instead of to a background goroutine.
func (s *HTTPServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	return nil
}

// Serve blocks until the server is shut down. It listens first if Listen was
// not called.
func (s *HTTPServer) Serve() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	s.logger.Info("serving order api",
		"addr", ln.Addr().String(),
		"read_timeout", s.config.Server.HTTP.ReadTimeout,
		"write_timeout", s.config.Server.HTTP.WriteTimeout,
	)
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("http server failed", "error", err)
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Start listens and serves.
func (s *HTTPServer) Start() error {
	return s.Serve()
}

// Shutdown stops accepting orders and waits for in-flight requests until ctx
// expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("http server shutdown failed", "error", err)
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.mu.Lock()
	if s.listener != nil {
		// Serve closes it too; this covers a Listen that was never served.
		_ = s.listener.Close()
	}
	s.mu.Unlock()
	s.logger.Info("http server stopped")
	return nil
}
