package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Kingdread/Eltrur/pkg/api"
	"github.com/Kingdread/Eltrur/pkg/config"
	"github.com/Kingdread/Eltrur/pkg/ingest"
	"github.com/Kingdread/Eltrur/pkg/metrics"
	"github.com/Kingdread/Eltrur/pkg/queue"
	"github.com/Kingdread/Eltrur/pkg/queue/rabbitmq"
	"github.com/Kingdread/Eltrur/pkg/storage"
	"github.com/Kingdread/Eltrur/pkg/storage/persistent"
	"github.com/Kingdread/Eltrur/pkg/storage/sqlite"
	"github.com/joho/godotenv"
)

func main() {

	// --- Logger Setup ---
	// Level is adjusted once the configuration is loaded
	var logLevel slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &logLevel}))
	slog.SetDefault(logger) // Set as default logger for convenience

	// --- Load .env file (for local development only) ---
	// Only attempt to load a .env file if APP_ENV is not 'production'.
	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load(); err != nil {
			logger.Info("Could not load .env file, relying on environment variables", slog.String("error", err.Error()))
		} else {
			logger.Info("Loaded configuration from .env file for local development")
		}
	}

	// --- Configuration Loading ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	switch cfg.LogLevel {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	}

	logger.Info("Starting Eltrur report server...",
		slog.String("log_level", cfg.LogLevel),
		slog.String("storage_driver", cfg.StorageDriver),
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Shutdown complete.")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// --- Context for graceful shutdown ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop() // Call stop on exit to release resources

	// --- Dependency Injection ---
	repo, err := openRepository(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize %s repository: %w", cfg.StorageDriver, err)
	}
	defer repo.Close() // Ensure connections are closed

	var publisher queue.Publisher = queue.Noop{}
	if cfg.RabbitMQ_URL != "" {
		p, err := rabbitmq.NewPublisher(cfg.RabbitMQ_URL, cfg.RabbitMQ_Exchange, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ publisher: %w", err)
		}
		publisher = p
	} else {
		logger.Info("RABBITMQ_URL not set, job events are disabled")
	}
	defer publisher.Close()

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New("eltrur")
	}

	pipeline := ingest.New(repo, publisher, m, cfg.UploadKey, logger)
	apiHandler := api.NewAPI(pipeline, repo, logger, cfg)

	// --- Router Setup ---
	router := api.SetupRouter(apiHandler, cfg, m)
	logger.Info("API router configured")

	// --- HTTP Server Setup ---
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.RequestTimeout + (5 * time.Second), // Slightly longer than handler timeout
		WriteTimeout: cfg.RequestTimeout + (5 * time.Second),
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx }, // Use app context
	}

	// --- Start Server Goroutine ---
	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLSEnabled() {
			logger.Info("Server starting on address", "protocol", "https", "address", server.Addr)
			err = server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			logger.Info("Server starting on address", "protocol", "http", "address", server.Addr)
			err = server.ListenAndServe()
		}
		if errors.Is(err, syscall.EADDRINUSE) {
			logger.Error("Port is already in use. Is another instance of the server already running?", slog.String("address", server.Addr))
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop() // Trigger shutdown
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("Shutdown signal received, starting graceful shutdown...")

	// --- Graceful Shutdown ---
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second) // Timeout for shutdown
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server graceful shutdown failed", slog.String("error", err.Error()))
	} else {
		logger.Info("Server gracefully stopped")
	}

	select {
	case err := <-serveErr:
		return err
	default:
		return nil
	}
}

// openRepository connects the storage backend selected by STORAGE_DRIVER.
func openRepository(cfg *config.Config, logger *slog.Logger) (storage.Repository, error) {
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		// PostgreSQL rows + MinIO screenshots
		return persistent.NewStore(
			cfg.Postgres_DSN,
			cfg.MinIO_Endpoint,
			cfg.MinIO_AccessKey,
			cfg.MinIO_SecretKey,
			cfg.MinIO_BucketName,
			cfg.MinIO_UseSSL,
			logger,
		)
	case config.DriverSQLite:
		return sqlite.Open(cfg.SQLitePath, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}
