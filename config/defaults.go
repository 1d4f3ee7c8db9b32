package config

import "time"

// DefaultConfig returns a Config with sensible defaults. It runs every
// component in one process on in-memory backends.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "ordersaga",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			GRPC: GRPCConfig{
				Enabled:              false,
				Port:                 9090,
				MaxConcurrentStreams: 1000,
				HealthInterval:       5 * time.Second,
				Keepalive: GRPCKeepaliveConfig{
					MaxIdle:     5 * time.Minute,
					MaxAge:      time.Hour,
					MaxAgeGrace: time.Minute,
					Time:        time.Minute,
					Timeout:     20 * time.Second,
					MinTime:     30 * time.Second,
				},
			},
			HTTP: HTTPConfig{
				ReadTimeout:             30 * time.Second,
				WriteTimeout:            30 * time.Second,
				IdleTimeout:             120 * time.Second,
				RequestTimeout:          10 * time.Second,
				ShutdownTimeout:         15 * time.Second,
				MaxHeaderBytes:          1 << 20, // 1MB
				MaxWebSocketConnections: 100,
			},
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID", "X-Correlation-ID"},
				ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
				MaxAge:         300,
			},
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 200,
				Burst:             400,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1073741824, // 1GB
				NumVersionsToKeep: 1,
				GCInterval:        10 * time.Minute,
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    20,
				MaxIdleConns:    5,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			Password:  "",
			DB:        0,
			KeyPrefix: "ordersaga",
		},
		Broker: BrokerConfig{
			Type:          "memory",
			ChannelPrefix: "ordersaga",
			Partitions:    8,
			Kafka: KafkaConfig{
				BatchTimeout: 10 * time.Millisecond,
			},
			RedisStreams: RedisStreamsConfig{
				MaxLen:    100000,
				Block:     time.Second,
				BatchSize: 16,
			},
			Retry: RetryConfig{
				MaxRetries:     3,
				InitialBackoff: 50 * time.Millisecond,
				MaxBackoff:     2 * time.Second,
				BackoffFactor:  2,
			},
		},
		Saga: SagaConfig{
			Enabled:        true,
			Mode:           "parallel",
			EventStore:     "memory",
			EventTTL:       24 * time.Hour,
			SweepInterval:  5 * time.Second,
			StallTimeout:   30 * time.Second,
			PaymentTimeout: 15 * time.Minute,
			SweepBatchSize: 100,
		},
		Participants: ParticipantsConfig{
			Inventory: true,
			Coupon:    true,
			Points:    true,
			Payment:   "manual",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
