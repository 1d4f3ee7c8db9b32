package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/jmoiron/sqlx"
	"github.com/ordersaga/ordersaga/config"
	"github.com/ordersaga/ordersaga/pkg/aggregator"
	"github.com/ordersaga/ordersaga/pkg/api"
	"github.com/ordersaga/ordersaga/pkg/api/events"
	"github.com/ordersaga/ordersaga/pkg/api/handlers"
	"github.com/ordersaga/ordersaga/pkg/coordinator"
	"github.com/ordersaga/ordersaga/pkg/eventbus"
	grpcpkg "github.com/ordersaga/ordersaga/pkg/grpc"
	"github.com/ordersaga/ordersaga/pkg/ledger"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/metrics"
	"github.com/ordersaga/ordersaga/pkg/participant"
	"github.com/ordersaga/ordersaga/pkg/protocol"
	"github.com/ordersaga/ordersaga/pkg/saga"
	"github.com/ordersaga/ordersaga/pkg/storage"
	"github.com/ordersaga/ordersaga/pkg/storage/badger"
	"github.com/ordersaga/ordersaga/pkg/storage/postgres"
	"github.com/ordersaga/ordersaga/pkg/telemetry/tracing"
	"github.com/ordersaga/ordersaga/pkg/version"
	"github.com/redis/go-redis/v9"
)

// starter is a participant service or the payment simulator.
type starter interface {
	Start(ctx context.Context, bus participant.Subscriber) error
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// App holds every component of one ordersaga node.
type App struct {
	cfg    *config.Config
	log    logger.Logger
	nodeID string

	metrics     *metrics.Manager
	transport   eventbus.Transport
	publisher   *eventbus.Publisher
	sagaStore   saga.Store
	coordinator *coordinator.Coordinator
	sweeper     *coordinator.Sweeper
	services    []starter
	broadcaster *events.Broadcaster
	websocket   *handlers.WebSocketHandler
	health      *handlers.HealthHandler
	httpServer  *api.HTTPServer
	grpcServer  *grpcpkg.Server
	checks      map[string]handlers.Check

	badgerDB *badgerdb.DB

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    chan error
	closers []closer
}

// NewApp builds the node from cfg. Nothing runs until Start.
func NewApp(ctx context.Context, cfg *config.Config, log logger.Logger) (_ *App, err error) {
	a := &App{
		cfg:    cfg,
		log:    log,
		nodeID: nodeID(cfg),
		errs:   make(chan error, 4),
	}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Node{
		Service:      cfg.App.Name,
		Version:      version.Version,
		InstanceID:   nodeID(cfg),
		Environment:  cfg.App.Environment,
		Coordinator:  cfg.Saga.Enabled,
		Participants: participantRoles(cfg.Participants),
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose("tracing", shutdownTracing)

	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	a.metrics = metrics.NewManager(metricsCfg)

	ledgers, storeCheck, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	var redisClient redis.UniversalClient
	if cfg.Broker.Type == "redis" || (cfg.Saga.Enabled && cfg.Saga.EventStore == "redis") {
		redisClient, err = a.openRedis(ctx)
		if err != nil {
			return nil, err
		}
	}

	if err := a.openBus(redisClient); err != nil {
		return nil, err
	}
	producer := protocol.NewProducer(a.publisher, protocol.Channels{Prefix: cfg.Broker.ChannelPrefix})

	if err := a.buildParticipants(ctx, producer, ledgers); err != nil {
		return nil, err
	}

	a.broadcaster = events.NewBroadcaster()
	a.onClose("broadcaster", func(context.Context) error {
		a.broadcaster.Close()
		if dropped := a.broadcaster.Dropped(); dropped > 0 {
			a.log.Warn("order feed fell behind", "dropped_events", dropped)
		}
		return nil
	})

	if cfg.Saga.Enabled {
		if err := a.buildCoordinator(producer, redisClient); err != nil {
			return nil, err
		}
	}

	a.checks = map[string]handlers.Check{
		"bus":   a.publisher.Healthy,
		"store": storeCheck,
	}
	a.buildHTTP()
	if cfg.Server.GRPC.Enabled {
		a.grpcServer, err = grpcpkg.New(cfg.Server.GRPC.ToGRPCConfig(cfg.Server.Host, cfg.Tracing.Enabled))
		if err != nil {
			return nil, fmt.Errorf("create grpc server: %w", err)
		}
	}
	return a, nil
}

// openStorage opens the configured backend and returns one ledger store per
// participant namespace, plus a health check for the backend.
func (a *App) openStorage(ctx context.Context) (map[saga.Step]ledger.Store, handlers.Check, error) {
	backend, err := storage.ParseBackend(a.cfg.Storage.Type)
	if err != nil {
		return nil, nil, err
	}
	ledgers := make(map[saga.Step]ledger.Store, len(ledgerNamespaces))

	switch backend {
	case storage.BackendBadger:
		bc := a.cfg.Storage.Badger
		db, err := badger.Open(badger.Config{
			Path:              bc.Path,
			SyncWrites:        bc.SyncWrites,
			ValueLogFileSize:  bc.ValueLogFileSize,
			NumVersionsToKeep: bc.NumVersionsToKeep,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open badger: %w", err)
		}
		a.badgerDB = db
		a.onClose("badger", func(context.Context) error { return db.Close() })
		if a.sagaStore, err = saga.NewBadgerStore(db); err != nil {
			return nil, nil, err
		}
		for step, ns := range ledgerNamespaces {
			if ledgers[step], err = ledger.NewBadgerStore(db, ns); err != nil {
				return nil, nil, err
			}
		}
		a.log.Info("badger storage opened", "path", bc.Path)
		return ledgers, func(context.Context) error {
			if db.IsClosed() {
				return errors.New("badger closed")
			}
			return nil
		}, nil

	case storage.BackendPostgres:
		pc := a.cfg.Storage.Postgres
		db, err := postgres.Open(ctx, postgres.Config{
			DSN:             pc.DSN,
			MaxOpenConns:    pc.MaxOpenConns,
			MaxIdleConns:    pc.MaxIdleConns,
			ConnMaxLifetime: pc.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		a.onClose("postgres", func(context.Context) error { return db.Close() })
		if a.sagaStore, err = saga.NewPostgresStoreWithSchema(ctx, db); err != nil {
			return nil, nil, fmt.Errorf("init saga schema: %w", err)
		}
		if err := postgresLedgers(ctx, db, ledgers); err != nil {
			return nil, nil, err
		}
		a.log.Info("postgres storage opened")
		return ledgers, db.PingContext, nil

	default:
		a.sagaStore = saga.NewMemoryStore()
		for step := range ledgerNamespaces {
			ledgers[step] = ledger.NewMemoryStore()
		}
		a.log.Info("memory storage initialized")
		return ledgers, func(context.Context) error { return nil }, nil
	}
}

var ledgerNamespaces = map[saga.Step]string{
	saga.StepInventory: "inventory",
	saga.StepCoupon:    "coupon",
	saga.StepPoints:    "points",
}

func postgresLedgers(ctx context.Context, db *sqlx.DB, ledgers map[saga.Step]ledger.Store) error {
	for step, ns := range ledgerNamespaces {
		store, err := ledger.NewPostgresStore(db, ns)
		if err != nil {
			return err
		}
		if err := store.InitSchema(ctx); err != nil {
			return fmt.Errorf("init %s ledger schema: %w", ns, err)
		}
		ledgers[step] = store
	}
	return nil
}

func (a *App) openRedis(ctx context.Context) (redis.UniversalClient, error) {
	rc := a.cfg.Redis
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Address,
		Password: rc.Password,
		DB:       rc.DB,
	})
	a.onClose("redis", func(context.Context) error { return client.Close() })

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", rc.Address, err)
	}
	a.log.Info("redis connected", "address", rc.Address)
	return client, nil
}

func (a *App) openBus(redisClient redis.UniversalClient) error {
	bc := a.cfg.Broker
	retry := eventbus.RetryConfig{
		MaxRetries:     bc.Retry.MaxRetries,
		InitialBackoff: bc.Retry.InitialBackoff,
		MaxBackoff:     bc.Retry.MaxBackoff,
		BackoffFactor:  bc.Retry.BackoffFactor,
	}
	if retry.InitialBackoff <= 0 {
		retry = eventbus.DefaultRetryConfig()
	}

	var err error
	switch bc.Type {
	case "kafka":
		a.transport, err = eventbus.NewKafkaBus(eventbus.KafkaConfig{
			Brokers:      bc.Kafka.Brokers,
			BatchTimeout: bc.Kafka.BatchTimeout,
			Retry:        retry,
		})
	case "redis":
		a.transport, err = eventbus.NewRedisStreamBus(redisClient, eventbus.RedisStreamConfig{
			Partitions: bc.Partitions,
			Consumer:   a.nodeID,
			MaxLen:     bc.RedisStreams.MaxLen,
			Block:      bc.RedisStreams.Block,
			BatchSize:  bc.RedisStreams.BatchSize,
			Retry:      retry,
		})
	default:
		a.transport = eventbus.NewMemoryBus(bc.Partitions)
	}
	if err != nil {
		return fmt.Errorf("create %s transport: %w", bc.Type, err)
	}
	a.onClose("transport", func(context.Context) error { return a.transport.Close() })

	a.publisher, err = eventbus.NewPublisher(a.nodeID, a.transport, retry, a.metrics)
	if err != nil {
		return err
	}
	a.log.Info("message bus ready", "type", bc.Type, "node_id", a.nodeID)
	return nil
}

func (a *App) buildParticipants(ctx context.Context, producer *protocol.Producer, ledgers map[saga.Step]ledger.Store) error {
	pc := a.cfg.Participants

	var seed *participant.Seed
	if pc.SeedFile != "" {
		var err error
		if seed, err = participant.LoadSeed(pc.SeedFile); err != nil {
			return err
		}
	}

	hosted := []struct {
		enabled bool
		domain  participant.Domain
		apply   func(*participant.Seed, context.Context, ledger.Store) (int, error)
	}{
		{pc.Inventory, participant.Inventory{}, (*participant.Seed).ApplyInventory},
		{pc.Coupon, participant.Coupons{}, (*participant.Seed).ApplyCoupons},
		{pc.Points, participant.Wallets{}, (*participant.Seed).ApplyWallets},
	}
	for _, h := range hosted {
		if !h.enabled {
			continue
		}
		step := h.domain.Step()
		store := ledgers[step]
		if seed != nil {
			n, err := h.apply(seed, ctx, store)
			if err != nil {
				return fmt.Errorf("seed %s: %w", step, err)
			}
			a.log.Info("participant seeded", "step", string(step), "records", n)
		}
		svc, err := participant.NewService(participant.NewExecutor(h.domain, store, a.metrics), producer)
		if err != nil {
			return err
		}
		a.services = append(a.services, svc)
	}

	if pc.Payment == "auto" {
		a.services = append(a.services, participant.NewPaymentSimulator(producer, participant.ApproveAll))
	}
	return nil
}

func (a *App) buildCoordinator(producer *protocol.Producer, redisClient redis.UniversalClient) error {
	sc := a.cfg.Saga
	mode, err := coordinator.ParseMode(sc.Mode)
	if err != nil {
		return err
	}

	var replies aggregator.Store = aggregator.NewMemoryStore()
	if sc.EventStore == "redis" {
		if replies, err = aggregator.NewRedisStore(redisClient, a.cfg.Redis.KeyPrefix); err != nil {
			return err
		}
	}

	a.coordinator = coordinator.New(a.sagaStore,
		aggregator.New(replies, sc.EventTTL, a.metrics),
		producer,
		coordinator.WithMode(mode),
		coordinator.WithRecorder(a.metrics),
		coordinator.WithListener(a.broadcaster.Listener()),
	)
	a.sweeper = coordinator.NewSweeper(a.coordinator, sc.StallTimeout, sc.SweepBatchSize)
	a.sweeper.SetPaymentTimeout(sc.PaymentTimeout)
	return nil
}

func (a *App) buildHTTP() {
	sc := a.cfg.Server
	a.websocket = handlers.NewWebSocketHandler(a.log, handlers.WebSocketConfig{
		AllowedOrigins: sc.CORS.AllowedOrigins,
		MaxConnections: sc.HTTP.MaxWebSocketConnections,
		Orders:         a.sagaStore,
	})
	a.health = handlers.NewHealthHandler(a.checks)

	h := &api.Handlers{
		Sagas:     handlers.NewSagaHandler(a.sagaStore),
		Health:    a.health,
		WebSocket: a.websocket,
	}
	if a.coordinator != nil {
		h.Orders = handlers.NewOrderHandler(a.coordinator, a.sagaStore, a.log)
	}
	if a.metrics.Enabled() {
		h.Metrics = a.metrics
	}
	a.httpServer = api.NewHTTPServer(a.cfg, a.log, h)
}

// Start subscribes every component to the bus and starts the servers. Fatal
// server errors are reported on Errors.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	for _, svc := range a.services {
		if err := svc.Start(ctx, a.publisher); err != nil {
			return fmt.Errorf("start participant: %w", err)
		}
	}
	if a.coordinator != nil {
		if err := a.coordinator.Start(ctx, a.publisher); err != nil {
			return fmt.Errorf("start coordinator: %w", err)
		}
		if a.cfg.Saga.SweepInterval > 0 {
			if err := a.sweeper.Start(ctx, a.cfg.Saga.SweepInterval); err != nil {
				return fmt.Errorf("start sweeper: %w", err)
			}
		}
		a.log.Info("coordinator started", "mode", string(a.coordinator.Mode()))
	}

	feed, unsubscribe := a.broadcaster.Subscribe(256)
	a.goRun(func() {
		defer unsubscribe()
		a.websocket.Forward(ctx, feed)
	})

	if a.badgerDB != nil && a.cfg.Storage.Badger.GCInterval > 0 {
		a.goRun(func() { badger.RunGC(ctx, a.badgerDB, a.cfg.Storage.Badger.GCInterval, a.log) })
	}

	if a.metrics.Enabled() {
		a.goRun(func() {
			a.log.Info("starting metrics server", "port", a.cfg.Metrics.Port, "path", a.cfg.Metrics.Path)
			if err := a.metrics.StartServer(ctx, a.cfg.Metrics.Port, a.cfg.Metrics.Path); err != nil {
				a.log.Error("metrics server error", "error", err)
			}
		})
	}

	if a.grpcServer != nil {
		err := a.grpcServer.Start(ctx, map[string]grpcpkg.Check{
			"ordersaga.bus":   grpcpkg.Check(a.checks["bus"]),
			"ordersaga.store": grpcpkg.Check(a.checks["store"]),
		})
		if err != nil {
			return err
		}
	}

	if err := a.httpServer.Listen(); err != nil {
		return err
	}
	go func() {
		if err := a.httpServer.Serve(); err != nil {
			a.errs <- err
		}
	}()

	a.health.SetReady(true)
	return nil
}

// Errors reports fatal server errors.
func (a *App) Errors() <-chan error { return a.errs }

// Sweeper returns the sweeper, or nil when the coordinator is disabled.
func (a *App) Sweeper() *coordinator.Sweeper { return a.sweeper }

// Shutdown stops intake first, then the background work, then closes the
// bus and the stores in reverse order of creation.
func (a *App) Shutdown(ctx context.Context) {
	a.health.SetReady(false)

	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.log.Error("error shutting down http server", "error", err)
	}
	if a.grpcServer != nil {
		if err := a.grpcServer.Stop(ctx); err != nil {
			a.log.Error("error shutting down grpc server", "error", err)
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.close(ctx)
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.log.Error("error closing component", "component", c.name, "error", err)
		}
	}
	a.closers = nil
}

// nodeID is the configured node id, else the hostname.
func participantRoles(p config.ParticipantsConfig) []string {
	var roles []string
	for _, role := range []struct {
		name string
		on   bool
	}{
		{"inventory", p.Inventory},
		{"coupon", p.Coupon},
		{"points", p.Points},
		{"payment", p.Payment == "auto"},
	} {
		if role.on {
			roles = append(roles, role.name)
		}
	}
	return roles
}

func nodeID(cfg *config.Config) string {
	if cfg.App.NodeID != "" {
		return cfg.App.NodeID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return cfg.App.Name
}
