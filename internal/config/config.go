package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/maneesh/labimport/internal/tracing"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServicePort     string `mapstructure:"SERVICE_PORT" validate:"required"`
	ServiceName     string `mapstructure:"SERVICE_NAME" validate:"required"`
	DataDir         string `mapstructure:"DATA_DIR" validate:"required"`
	MaxChunkSizeMB  int    `mapstructure:"MAX_CHUNK_SIZE_MB" validate:"gt=0"`
	MaxUploadSizeMB int    `mapstructure:"MAX_UPLOAD_SIZE_MB" validate:"gt=0"`

	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"gt=0"`

	// Storage selection: mysql or memory
	StoreDriver string `mapstructure:"STORE_DRIVER" validate:"oneof=mysql memory"`
	AutoMigrate bool   `mapstructure:"AUTO_MIGRATE"`

	// TiDB / MySQL configuration
	TiDBHost     string `mapstructure:"TIDB_HOST"`
	TiDBPort     string `mapstructure:"TIDB_PORT"`
	TiDBUser     string `mapstructure:"TIDB_USER"`
	TiDBPassword string `mapstructure:"TIDB_PASSWORD"`
	TiDBDatabase string `mapstructure:"TIDB_DATABASE"`

	// Redis configuration
	RedisHost     string `mapstructure:"REDIS_HOST"`
	RedisPort     string `mapstructure:"REDIS_PORT"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// MinIO configuration (report archive)
	MinIOEnabled    bool   `mapstructure:"MINIO_ENABLED"`
	MinIOEndpoint   string `mapstructure:"MINIO_ENDPOINT"`
	MinIOAccessKey  string `mapstructure:"MINIO_ACCESS_KEY"`
	MinIOSecretKey  string `mapstructure:"MINIO_SECRET_KEY"`
	MinIOBucketName string `mapstructure:"MINIO_BUCKET_NAME"`
	MinIOUseSSL     bool   `mapstructure:"MINIO_USE_SSL"`

	// Upload sessions
	UploadSessionTTL time.Duration `mapstructure:"UPLOAD_SESSION_TTL" validate:"gt=0"`
	SweepInterval    time.Duration `mapstructure:"SWEEP_INTERVAL" validate:"gt=0"`

	// Import processing
	ImportBatchSize int `mapstructure:"IMPORT_BATCH_SIZE" validate:"gt=0,lte=10000"`

	// Task queue
	QueuePrefix       string        `mapstructure:"QUEUE_PREFIX" validate:"required"`
	QueueMaxAttempts  int           `mapstructure:"QUEUE_MAX_ATTEMPTS" validate:"gt=0"`
	QueueBackoffBase  time.Duration `mapstructure:"QUEUE_BACKOFF_BASE" validate:"gt=0"`
	QueueLease        time.Duration `mapstructure:"QUEUE_LEASE" validate:"gt=0"`
	QueuePollInterval time.Duration `mapstructure:"QUEUE_POLL_INTERVAL" validate:"gt=0"`
	MergeDelay        time.Duration `mapstructure:"MERGE_DELAY"`
	WorkerConcurrency int           `mapstructure:"WORKER_CONCURRENCY" validate:"gt=0"`

	// E-mail notifications
	EmailEnabled bool   `mapstructure:"EMAIL_ENABLED"`
	EmailFrom    string `mapstructure:"EMAIL_FROM"`
	AWSRegion    string `mapstructure:"AWS_REGION"`

	// Quotas (0 disables the limit)
	QuotaDailyImports int64 `mapstructure:"QUOTA_DAILY_IMPORTS" validate:"gte=0"`
	QuotaDailyReports int64 `mapstructure:"QUOTA_DAILY_REPORTS" validate:"gte=0"`

	// Observability
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	LogFormat      string `mapstructure:"LOG_FORMAT" validate:"oneof=json console"`
	MetricsEnabled bool   `mapstructure:"METRICS_ENABLED"`
	TracingEnabled bool   `mapstructure:"TRACING_ENABLED"`
	JaegerEndpoint string `mapstructure:"JAEGER_ENDPOINT"`

	// TRACING_INSECURE disables TLS to the collector
	TracingInsecure bool    `mapstructure:"TRACING_INSECURE"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE" validate:"gte=0,lte=1"`
}

var defaults = map[string]any{
	"SERVICE_PORT":       "8080",
	"SERVICE_NAME":       "labimport-service",
	"DATA_DIR":           "./data",
	"MAX_CHUNK_SIZE_MB":  50,
	"MAX_UPLOAD_SIZE_MB": 10,
	"SHUTDOWN_TIMEOUT":   10 * time.Second,

	"STORE_DRIVER": "mysql",
	"AUTO_MIGRATE": false,

	"TIDB_HOST":     "localhost",
	"TIDB_PORT":     "4000",
	"TIDB_USER":     "root",
	"TIDB_PASSWORD": "",
	"TIDB_DATABASE": "labimport",

	"REDIS_HOST":     "localhost",
	"REDIS_PORT":     "6379",
	"REDIS_PASSWORD": "",
	"REDIS_DB":       0,

	"MINIO_ENABLED":     false,
	"MINIO_ENDPOINT":    "localhost:9000",
	"MINIO_ACCESS_KEY":  "minioadmin",
	"MINIO_SECRET_KEY":  "minioadmin",
	"MINIO_BUCKET_NAME": "labimport",
	"MINIO_USE_SSL":     false,

	"UPLOAD_SESSION_TTL": 24 * time.Hour,
	"SWEEP_INTERVAL":     15 * time.Minute,

	"IMPORT_BATCH_SIZE": 1000,

	"QUEUE_PREFIX":        "labimport",
	"QUEUE_MAX_ATTEMPTS":  3,
	"QUEUE_BACKOFF_BASE":  2 * time.Second,
	"QUEUE_LEASE":         5 * time.Minute,
	"QUEUE_POLL_INTERVAL": 500 * time.Millisecond,
	"MERGE_DELAY":         time.Second,
	"WORKER_CONCURRENCY":  4,

	"EMAIL_ENABLED": false,
	"EMAIL_FROM":    "no-reply@labimport.local",
	"AWS_REGION":    "us-east-1",

	"QUOTA_DAILY_IMPORTS": 0,
	"QUOTA_DAILY_REPORTS": 0,

	"LOG_LEVEL":       "info",
	"LOG_FORMAT":      "json",
	"METRICS_ENABLED": true,
	"TRACING_ENABLED": false,
	"JAEGER_ENDPOINT": "localhost:4318",

	"TRACING_INSECURE":  true,
	"TRACE_SAMPLE_RATE": 1.0,
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// GetDSN returns the TiDB connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.TiDBUser,
		c.TiDBPassword,
		c.TiDBHost,
		c.TiDBPort,
		c.TiDBDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// GetMaxChunkSizeBytes returns the largest accepted chunk in bytes
func (c *Config) GetMaxChunkSizeBytes() int64 {
	return int64(c.MaxChunkSizeMB) * 1024 * 1024
}

// GetMaxUploadSizeBytes returns the largest accepted single-request upload in bytes
func (c *Config) GetMaxUploadSizeBytes() int64 {
	return int64(c.MaxUploadSizeMB) * 1024 * 1024
}

// ChunksDir holds one directory of chunk files per upload session
func (c *Config) ChunksDir() string {
	return filepath.Join(c.DataDir, "chunks")
}

// UploadsDir holds merged and directly uploaded files
func (c *Config) UploadsDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

// Tracing returns the tracer provider settings for the named process
func (c *Config) Tracing(serviceName string) tracing.Config {
	return tracing.Config{
		Enabled:     c.TracingEnabled,
		ServiceName: serviceName,
		Endpoint:    c.JaegerEndpoint,
		Insecure:    c.TracingInsecure,
		SampleRate:  c.TraceSampleRate,
	}
}

// ReportsDir holds generated report spreadsheets
func (c *Config) ReportsDir() string {
	return filepath.Join(c.DataDir, "reports")
}
