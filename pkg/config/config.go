package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds application configuration values.
type Config struct {
	Port              string
	UploadKey         string // Shared secret every upload must present
	StorageDriver     string // "sqlite" or "postgres"
	SQLitePath        string
	Postgres_DSN      string
	MinIO_Endpoint    string
	MinIO_AccessKey   string
	MinIO_SecretKey   string
	MinIO_UseSSL      bool
	MinIO_BucketName  string
	RabbitMQ_URL      string // Empty disables job events
	RabbitMQ_Exchange string
	LogLevel          string // e.g., "debug", "info", "warn", "error"
	RequestTimeout    time.Duration
	MaxUploadBytes    int64
	MetricsEnabled    bool
	CertFile          string
	KeyFile           string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Helper to get env var with default
	getenv := func(key, fallback string) string {
		if value, exists := os.LookupEnv(key); exists {
			return value
		}
		return fallback
	}

	var errs []error

	// Helper to get bool env var
	getenvBool := func(key string, fallback bool) bool {
		if valueStr, exists := os.LookupEnv(key); exists {
			value, err := strconv.ParseBool(valueStr)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return fallback
			}
			return value
		}
		return fallback
	}

	// Helper to get duration env var
	getenvDuration := func(key string, fallback time.Duration) time.Duration {
		if valueStr, exists := os.LookupEnv(key); exists {
			value, err := time.ParseDuration(valueStr)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return fallback
			}
			return value
		}
		return fallback
	}

	getenvInt64 := func(key string, fallback int64) int64 {
		if valueStr, exists := os.LookupEnv(key); exists {
			value, err := strconv.ParseInt(valueStr, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return fallback
			}
			return value
		}
		return fallback
	}

	cfg := &Config{
		Port:              getenv("PORT", "8080"),
		UploadKey:         getenv("UPLOAD_KEY", ""), // Required, must be set in .env
		StorageDriver:     strings.ToLower(getenv("STORAGE_DRIVER", DriverSQLite)),
		SQLitePath:        getenv("SQLITE_PATH", "eltrur.db"),
		Postgres_DSN:      getenv("POSTGRES_DSN", "postgres://localhost:5432/eltrur?sslmode=disable"), // Fallback without credentials
		MinIO_Endpoint:    getenv("MINIO_ENDPOINT", "localhost:9000"),
		MinIO_AccessKey:   getenv("MINIO_ACCESS_KEY", ""),
		MinIO_SecretKey:   getenv("MINIO_SECRET_KEY", ""),
		MinIO_UseSSL:      getenvBool("MINIO_USE_SSL", false),
		MinIO_BucketName:  getenv("MINIO_BUCKET_NAME", "eltrur-screenshots"),
		RabbitMQ_URL:      getenv("RABBITMQ_URL", ""),
		RabbitMQ_Exchange: getenv("RABBITMQ_EXCHANGE", "eltrur.jobs"),
		LogLevel:          getenv("LOG_LEVEL", "info"),
		RequestTimeout:    getenvDuration("REQUEST_TIMEOUT", 60*time.Second),
		MaxUploadBytes:    getenvInt64("MAX_UPLOAD_BYTES", 64<<20),
		MetricsEnabled:    getenvBool("METRICS_ENABLED", true),
		CertFile:          getenv("CERT_FILE", ""),
		KeyFile:           getenv("KEY_FILE", ""),
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	if c.UploadKey == "" {
		errs = append(errs, errors.New("UPLOAD_KEY must be set"))
	}
	switch c.StorageDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH must be set for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Postgres_DSN == "" {
			errs = append(errs, errors.New("POSTGRES_DSN must be set for the postgres driver"))
		}
		if c.MinIO_Endpoint == "" || c.MinIO_BucketName == "" {
			errs = append(errs, errors.New("MINIO_ENDPOINT and MINIO_BUCKET_NAME must be set for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		errs = append(errs, errors.New("CERT_FILE and KEY_FILE must be set together"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// TLSEnabled reports whether the server should serve HTTPS.
func (c *Config) TLSEnabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}
