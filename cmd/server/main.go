// trainstream server
// Streams training runs per UI surface and serves their progress.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	httpapi "github.com/saltfish/trainstream/internal/api/http"
	"github.com/saltfish/trainstream/internal/config"
	"github.com/saltfish/trainstream/internal/db"
	"github.com/saltfish/trainstream/internal/db/repository"
	"github.com/saltfish/trainstream/internal/events"
	"github.com/saltfish/trainstream/internal/metrics"
	"github.com/saltfish/trainstream/internal/scheduler"
	"github.com/saltfish/trainstream/internal/stream"
)

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting trainstream",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("environment", cfg.Env),
		zap.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Application error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("trainstream stopped")
}

// run initializes and runs all application components.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// 1. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.New(registry)

	// 2. Training service client and stream driver
	client, err := stream.NewClient(cfg.TrainingService, logger.Named("client"))
	if err != nil {
		return fmt.Errorf("failed to create training service client: %w", err)
	}
	driver := stream.NewDriver(stream.DriverConfig{
		ChunkSize:      cfg.TrainingService.ChunkSize,
		MaxRecordBytes: cfg.TrainingService.MaxRecordBytes,
	}, recorder, logger.Named("driver"))

	// 3. Optional run history (PostgreSQL)
	var (
		pool *db.Pool
		runs repository.RunRepository
	)
	if cfg.Database.Enabled {
		logger.Info("Connecting to PostgreSQL...")
		pool, err = db.NewPool(ctx, &cfg.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()

		if err := db.Migrate(ctx, pool, logger); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		runs = repository.NewRepositories(pool).Runs
	} else {
		logger.Info("Database not configured, run history disabled")
	}

	// 4. Event publisher (RabbitMQ)
	var publisher events.Publisher
	if cfg.RabbitMQ.Enabled {
		logger.Info("Connecting to RabbitMQ...")
		p, err := events.NewRabbitMQPublisher(&cfg.RabbitMQ, logger)
		if err != nil {
			logger.Warn("Failed to connect to RabbitMQ, using no-op publisher", zap.Error(err))
			publisher = events.NewNoOpPublisher()
		} else {
			publisher = p
			logger.Info("Connected to RabbitMQ")
		}
	} else {
		logger.Info("RabbitMQ not configured, using no-op publisher")
		publisher = events.NewNoOpPublisher()
	}
	defer publisher.Close()

	// 5. Run sessions, one per surface
	hub := httpapi.NewHub(logger.Named("ws"))
	observers := []scheduler.RunObserver{
		scheduler.MetricsObserver(recorder),
		hub.Observer(),
		events.LifecycleObserver(publisher, logger),
	}
	if runs != nil {
		observers = append(observers, repository.HistoryObserver(runs, logger))
	}
	sessions := scheduler.NewRegistry(cfg.SurfaceNames(), driver, client, logger, observers...)

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	// 6. Scheduled runs
	cron := scheduler.NewCronScheduler(sessions, logger)
	if n := cron.Load(cfg.Schedules); n > 0 {
		if err := cron.Start(); err != nil {
			return fmt.Errorf("failed to start cron scheduler: %w", err)
		}
		defer cron.Stop()
	}

	// 7. Remote run requests (RabbitMQ)
	if cfg.RabbitMQ.Enabled {
		subscriber, err := events.NewRabbitMQSubscriber(&cfg.RabbitMQ, events.RunRequestQueue, logger)
		if err != nil {
			logger.Warn("Failed to create RabbitMQ subscriber, remote run requests disabled", zap.Error(err))
		} else {
			defer subscriber.Close()
			handler := events.RunRequestHandler(sessions, 30*time.Second, logger)
			if err := subscriber.Subscribe(ctx, []string{events.RoutingKeyRunRequested}, handler); err != nil {
				logger.Warn("Failed to subscribe to run requests", zap.Error(err))
			}
		}
	}

	// 8. HTTP server
	httpAddr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	httpapi.Version = Version
	server := httpapi.NewServer(httpAddr, sessions, hub, logger.Named("http"))
	if runs != nil {
		server.SetHistory(runs, pool)
	}
	server.SetScheduleLister(cron)
	if cfg.Metrics.Enabled {
		server.SetMetrics(cfg.Metrics.Path, registry)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("trainstream initialized and running",
		zap.String("http_address", httpAddr),
		zap.Strings("surfaces", sessions.Surfaces()),
		zap.String("training_service", cfg.TrainingService.BaseURL),
	)

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error("HTTP server error", zap.Error(err))
	}

	logger.Info("Shutting down trainstream...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", zap.Error(err))
	}

	// Sessions stop before the hub and publisher close.
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping run sessions", zap.Error(err))
	}
	hub.Shutdown()

	return nil
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Logging.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapCfg.Level = level

	if cfg.Logging.OutputPath != "" {
		zapCfg.OutputPaths = []string{cfg.Logging.OutputPath}
	}

	return zapCfg.Build()
}
