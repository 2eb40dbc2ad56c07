package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/taskfleet/dispatch/internal/auth"
	"github.com/taskfleet/dispatch/internal/config"
	consul_client "github.com/taskfleet/dispatch/internal/consul"
	"github.com/taskfleet/dispatch/internal/events"
	"github.com/taskfleet/dispatch/internal/handlers"
	nats_client "github.com/taskfleet/dispatch/internal/nats"
	"github.com/taskfleet/dispatch/internal/output"
	"github.com/taskfleet/dispatch/internal/queue"
	"github.com/taskfleet/dispatch/internal/registry"
	"github.com/taskfleet/dispatch/internal/retryer"
	"github.com/taskfleet/dispatch/internal/scheduler"
	"github.com/taskfleet/dispatch/internal/server"
	"github.com/taskfleet/dispatch/internal/store"
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadConfig("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err) // Use standard log before Zap is up
	}

	// --- Logger ---
	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync() // Flush logs before exiting

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Consul Client & Registration ---
	consulClient, err := consul_client.Connect(cfg.ConsulAddress, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Consul agent", zap.Error(err))
	}
	serviceID := config.GenerateServiceID(cfg.ServiceIDPrefix)
	if err := consul_client.RegisterService(consulClient, cfg, serviceID, logger); err != nil {
		logger.Fatal("Failed to register service with Consul", zap.Error(err))
	}
	logger.Info("Successfully registered service with Consul",
		zap.String("service_name", cfg.ServiceName),
		zap.String("service_id", serviceID),
	)

	// --- Stores ---
	taskQueue, resultStore, botRegistry, dbPool := setupStores(ctx, cfg, logger)
	if dbPool != nil {
		defer dbPool.Close()
	}

	// --- Output Store ---
	var outputStore output.Store
	if cfg.Minio.Endpoint != "" {
		outputStore, err = output.NewMinioStore(ctx, cfg.Minio, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MinIO", zap.Error(err))
		}
		logger.Info("MinIO output store initialized", zap.String("bucket", cfg.Minio.Bucket))
	} else {
		outputStore = output.NewInMemoryStore()
		logger.Info("In-memory output store initialized")
	}

	// --- Event Recorder ---
	var recorder events.Recorder = events.NopRecorder{}
	if cfg.NatsAddress != "" {
		nc, err := nats_client.Connect(cfg.NatsAddress, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()
		recorder = events.NewNATSRecorder(nc, cfg.EventSubjectPrefix, logger)
		logger.Info("NATS event recorder initialized", zap.String("subject_prefix", cfg.EventSubjectPrefix))
	}

	// --- Scheduler & Sweeper ---
	sched := scheduler.New(taskQueue, resultStore, botRegistry, outputStore, recorder, auth.AllowAll(), logger)
	sweeper := scheduler.NewSweeper(sched, cfg.SweepInterval, logger)
	go sweeper.Run(ctx)

	// --- Setup Router and Server ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(server.NewStructuredLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	// Health check endpoint (required by Consul registration)
	r.Get(cfg.HealthCheckPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Dispatch service is healthy")
	})

	botHandler := handlers.NewBotHandler(sched, cfg.JwtSecret, cfg.ServerVersion, cfg.ExpectedBotVersion, logger)
	clientHandler := handlers.NewClientHandler(sched, logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/bot", botHandler.RegisterRoutes)
		clientHandler.RegisterRoutes(r)
	})
	logger.Info("API routes mounted under /api/v1")

	srv := server.NewServer(cfg.Port, r, logger)

	// --- Start Server Goroutine ---
	go func() {
		logger.Info("Starting dispatch service", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Could not listen on port", zap.String("port", cfg.Port), zap.Error(err))
		}
	}()

	// --- Graceful Shutdown & Consul Deregistration ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	logger.Info("Deregistering service from Consul", zap.String("service_id", serviceID))
	if err := consulClient.Agent().ServiceDeregister(serviceID); err != nil {
		logger.Error("Failed to deregister service from Consul", zap.String("service_id", serviceID), zap.Error(err))
	}

	cancel() // Stop the sweeper.

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exited properly")
}

// setupStores builds the queue, result store, and bot registry. A non-empty
// DatabaseURL selects PostgreSQL; otherwise everything runs in memory.
func setupStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (queue.TaskQueue, store.ResultStore, registry.BotRegistry, *pgxpool.Pool) {
	if cfg.DatabaseURL == "" {
		logger.Info("In-memory stores initialized")
		return queue.NewInMemoryTaskQueue(), store.NewInMemoryResultStore(), registry.NewInMemoryBotRegistry(), nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to create database pool", zap.Error(err))
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("Failed to ping database", zap.Error(err))
	}

	taskQueue := queue.NewPostgresTaskQueue(pool, logger)
	resultStore := store.NewPostgresResultStore(pool, logger)
	botRegistry := registry.NewPostgresBotRegistry(pool, logger)

	// Schema setup retries transient startup failures, e.g. the database
	// container still coming up.
	retryCfg := retryer.DefaultRetryConfig()
	retryCfg.MaxAttempts = 5
	for name, init := range map[string]func(context.Context) error{
		"initialize task queue":   taskQueue.Initialize,
		"initialize result store": resultStore.Initialize,
		"initialize bot registry": botRegistry.Initialize,
	} {
		if err := retryer.WithRetry(ctx, logger, retryCfg, name, func() error { return init(ctx) }); err != nil {
			logger.Fatal("Failed to initialize database schema", zap.String("step", name), zap.Error(err))
		}
	}

	logger.Info("PostgreSQL stores initialized")
	return taskQueue, resultStore, botRegistry, pool
}

func setupLogger(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.Set(levelString); err != nil {
		logLevel = zapcore.InfoLevel // Default to info if parsing fails
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(logLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}
