package config

import (
	"net"
	"strconv"

	grpcpkg "github.com/ordersaga/ordersaga/pkg/grpc"
)

// ToGRPCConfig builds the health endpoint settings. tracing follows the
// top-level tracing switch.
func (g *GRPCConfig) ToGRPCConfig(host string, tracing bool) *grpcpkg.Config {
	cfg := &grpcpkg.Config{
		Address:              net.JoinHostPort(host, strconv.Itoa(g.Port)),
		MaxConcurrentStreams: g.MaxConcurrentStreams,
		HealthInterval:       g.HealthInterval,
		EnableReflection:     g.EnableReflection,
		EnableTracing:        tracing,
		Keepalive: grpcpkg.KeepaliveConfig{
			MaxIdle:             g.Keepalive.MaxIdle,
			MaxAge:              g.Keepalive.MaxAge,
			MaxAgeGrace:         g.Keepalive.MaxAgeGrace,
			Time:                g.Keepalive.Time,
			Timeout:             g.Keepalive.Timeout,
			MinTime:             g.Keepalive.MinTime,
			PermitWithoutStream: g.Keepalive.PermitWithoutStream,
		},
	}
	if g.TLS.Enabled {
		cfg.TLS = &grpcpkg.TLSConfig{
			Enabled:    true,
			CertFile:   g.TLS.CertFile,
			KeyFile:    g.TLS.KeyFile,
			CAFile:     g.TLS.CAFile,
			ClientAuth: g.TLS.ClientAuth,
		}
	}
	return cfg
}
