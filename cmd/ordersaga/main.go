package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ordersaga/ordersaga/config"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file (default $"+config.ConfigFileEnv+")")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	// CLI overrides
	appName    = flag.String("app-name", "", "Override app name")
	serverPort = flag.Int("port", 0, "Override server port")
	logLevel   = flag.String("log-level", "", "Override log level")
	debugMode  = flag.Bool("debug", false, "Enable debug mode")
)

const shutdownTimeout = 30 * time.Second

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	log := logger.New(logConfig(cfg))
	logger.SetGlobal(log)

	build := version.Info()
	log.Info("starting ordersaga",
		"version", build.Version,
		"build_time", build.BuildTime,
		"git_commit", build.GitCommit,
		"app", cfg.App.Name,
		"environment", cfg.App.Environment,
	)
	log.Debug("configuration loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	app, err := NewApp(ctx, cfg, log)
	if err != nil {
		log.Error("failed to build node", "error", err)
		os.Exit(1)
	}
	if err := app.Start(ctx); err != nil {
		log.Error("failed to start node", "error", err)
		shutdown(app, log)
		os.Exit(1)
	}

	if source := loader.Source(); source != "" {
		watchConfig(ctx, source, cfg, app, log)
	}

	log.Info("ordersaga is running",
		"http_port", cfg.Server.Port,
		"grpc_enabled", cfg.Server.GRPC.Enabled,
		"metrics_port", cfg.Metrics.Port,
		"coordinator", cfg.Saga.Enabled,
	)

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-app.Errors():
		log.Error("server error", "error", err)
	case <-ctx.Done():
		log.Info("context cancelled")
	}

	shutdown(app, log)
	log.Info("ordersaga stopped gracefully")
}

func shutdown(app *App, log logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	log.Info("shutting down")
	app.Shutdown(ctx)
}

func logConfig(cfg *config.Config) *logger.Config {
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug || *debugMode {
		logCfg.Level = logger.DebugLevel
	}
	return logCfg
}

// watchConfig applies the log level and the sweeper timing when the config
// file changes. Anything else is reported as needing a restart.
func watchConfig(ctx context.Context, path string, current *config.Config, app *App, log logger.Logger) {
	watcher, err := config.NewWatcher(path, config.NewLoader(), config.WithOverrides(buildOverrides()))
	if err != nil {
		log.Warn("config hot reload disabled", "error", err)
		return
	}
	applied := config.ExtractHotReloadable(current)
	watcher.OnChange(func(next *config.Config) {
		reloaded := config.ExtractHotReloadable(next)
		if !applied.Changed(reloaded) {
			return
		}
		if applied.RequiresRestart(reloaded) {
			log.Warn("config change requires a restart to take effect")
		}
		if reloaded.LogLevel != applied.LogLevel && !current.App.Debug {
			log.SetLevel(logger.ParseLevel(reloaded.LogLevel))
		}
		if sweeper := app.Sweeper(); sweeper != nil &&
			(reloaded.SweepInterval != applied.SweepInterval ||
				reloaded.StallTimeout != applied.StallTimeout ||
				reloaded.PaymentTimeout != applied.PaymentTimeout) {
			sweeper.Reconfigure(reloaded.SweepInterval, reloaded.StallTimeout, reloaded.PaymentTimeout)
		}
		log.Info("configuration reloaded",
			"log_level", reloaded.LogLevel,
			"sweep_interval", reloaded.SweepInterval,
			"stall_timeout", reloaded.StallTimeout,
			"payment_timeout", reloaded.PaymentTimeout,
		)
		applied = reloaded
	})
	go func() {
		defer watcher.Stop()
		if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Error("config watcher stopped", "error", err)
		}
	}()
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *appName != "" {
		overrides["app.name"] = *appName
	}
	if *serverPort != 0 {
		overrides["server.port"] = *serverPort
	}
	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
	}

	return overrides
}

func printVersion() {
	build := version.Info()
	fmt.Printf("ordersaga %s - order fulfillment saga coordinator\n", build.Short())
	fmt.Printf("Build Time: %s\n", build.BuildTime)
	fmt.Printf("Go Version: %s\n", build.GoVersion)
}

func printHelp() {
	fmt.Printf("ordersaga - coordinates order fulfillment across inventory, coupon, points and payment services\n\n")
	fmt.Printf("Usage: ordersaga [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  ordersaga                                 # Run with default config\n")
	fmt.Printf("  ordersaga -config config.yaml             # Use specific config file\n")
	fmt.Printf("  ordersaga -port 9090 -log-level debug     # Override specific options\n")
	fmt.Printf("  ordersaga -version                        # Print version info\n")
}
