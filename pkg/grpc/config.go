package grpc

import (
	"errors"
	"fmt"
	"time"
)

// Config describes the gRPC health endpoint of a node. Besides the overall
// status it reports one service per dependency, for example ordersaga.bus and
// ordersaga.store.
type Config struct {
	Address string
	TLS     *TLSConfig

	// MaxConcurrentStreams caps open streams per connection. Watch calls from
	// orchestrators hold a stream each.
	MaxConcurrentStreams uint32
	Keepalive            KeepaliveConfig

	// HealthInterval is how often dependency checks are re-run.
	HealthInterval time.Duration

	EnableReflection bool
	EnableTracing    bool
}

// TLSConfig enables TLS, or mTLS when ClientAuth is set.
type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth bool
}

// KeepaliveConfig maps onto keepalive.ServerParameters and
// keepalive.EnforcementPolicy.
type KeepaliveConfig struct {
	MaxIdle             time.Duration
	MaxAge              time.Duration
	MaxAgeGrace         time.Duration
	Time                time.Duration
	Timeout             time.Duration
	MinTime             time.Duration
	PermitWithoutStream bool
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() *Config {
	return &Config{
		Address:              ":9090",
		MaxConcurrentStreams: 1000,
		HealthInterval:       5 * time.Second,
		Keepalive: KeepaliveConfig{
			MaxIdle:     5 * time.Minute,
			MaxAge:      time.Hour,
			MaxAgeGrace: time.Minute,
			Time:        time.Minute,
			Timeout:     20 * time.Second,
			MinTime:     30 * time.Second,
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("address cannot be empty")
	}
	if c.HealthInterval < 0 {
		return errors.New("health interval cannot be negative")
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("invalid TLS config: %w", err)
		}
	}
	if err := c.Keepalive.Validate(); err != nil {
		return fmt.Errorf("invalid keepalive config: %w", err)
	}
	return nil
}

// Validate checks that the key material needed for the chosen mode is named.
func (t *TLSConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.CertFile == "" || t.KeyFile == "" {
		return errors.New("cert file and key file are required when TLS is enabled")
	}
	if t.ClientAuth && t.CAFile == "" {
		return errors.New("CA file is required when client auth is enabled")
	}
	return nil
}

// Validate rejects negative durations and a ping timeout that outlasts the
// ping interval.
func (k *KeepaliveConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"max idle":      k.MaxIdle,
		"max age":       k.MaxAge,
		"max age grace": k.MaxAgeGrace,
		"time":          k.Time,
		"timeout":       k.Timeout,
		"min time":      k.MinTime,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}
	if k.Time > 0 && k.Timeout >= k.Time {
		return errors.New("timeout must be less than ping interval")
	}
	return nil
}
