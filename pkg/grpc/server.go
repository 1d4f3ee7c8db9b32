package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/ordersaga/ordersaga/pkg/grpc/interceptors"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// Server serves grpc.health.v1.Health for one node and keeps the reported
// statuses in step with the node's dependency checks.
type Server struct {
	config *Config
	health *HealthServer
	log    logger.Logger

	mu       sync.RWMutex
	grpcSrv  *grpc.Server
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
}

// New validates cfg and prepares a server. Nothing listens until Start.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Server{
		config: cfg,
		health: NewHealthServer(),
		log:    logger.Global().With("component", "grpc_server"),
	}, nil
}

// Start listens, then reports checks until Stop or until ctx is done. With no
// checks only the overall status is served.
func (s *Server) Start(ctx context.Context, checks map[string]Check) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcSrv != nil {
		return errors.New("server already running")
	}

	opts, err := s.serverOptions()
	if err != nil {
		return err
	}
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Address, err)
	}

	srv := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(srv, s.health.GetServer())
	if s.config.EnableReflection {
		reflection.Register(srv)
	}
	s.health.SetServingStatusAll(grpc_health_v1.HealthCheckResponse_SERVING)

	reportCtx, cancel := context.WithCancel(ctx)
	s.grpcSrv, s.listener, s.cancel, s.done = srv, listener, cancel, make(chan struct{})
	go func() {
		defer close(s.done)
		if len(checks) > 0 {
			NewHealthReporter(s.health, checks, s.config.HealthInterval).Run(reportCtx)
		}
	}()
	go func() {
		if err := srv.Serve(listener); err != nil {
			s.log.Error("grpc server stopped", "error", err)
		}
	}()

	s.log.Info("grpc health endpoint listening",
		"address", listener.Addr().String(),
		"tls", s.config.TLS != nil && s.config.TLS.Enabled,
		"checks", len(checks),
	)
	return nil
}

// Stop marks every service NOT_SERVING, then drains open calls. When ctx
// expires first the remaining connections are closed.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcSrv == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()

	var err error
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcSrv.Stop()
		err = errors.New("graceful shutdown timeout, forced stop")
	}
	s.grpcSrv = nil
	return err
}

// Health returns the health server the endpoint publishes.
func (s *Server) Health() *HealthServer {
	return s.health
}

// Address returns the bound address once started, else the configured one.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

func (s *Server) serverOptions() ([]grpc.ServerOption, error) {
	var opts []grpc.ServerOption

	if s.config.TLS != nil && s.config.TLS.Enabled {
		creds, err := transportCredentials(s.config.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
	}
	if s.config.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(s.config.MaxConcurrentStreams))
	}

	ka := s.config.Keepalive
	opts = append(opts,
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     ka.MaxIdle,
			MaxConnectionAge:      ka.MaxAge,
			MaxConnectionAgeGrace: ka.MaxAgeGrace,
			Time:                  ka.Time,
			Timeout:               ka.Timeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             ka.MinTime,
			PermitWithoutStream: ka.PermitWithoutStream,
		}),
	)
	return append(opts, interceptors.ServerOptions(s.config.EnableTracing)...), nil
}

func transportCredentials(cfg *TLSConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.ClientAuth {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("parse CA certificate: no certificates found")
		}
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		tlsCfg.ClientCAs = pool
	}
	return credentials.NewTLS(tlsCfg), nil
}
