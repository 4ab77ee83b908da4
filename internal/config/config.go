package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the drip engine binaries.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Tracking TrackingConfig `yaml:"tracking"`
	SES      SESConfig      `yaml:"ses"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int      `yaml:"port" env:"PORT"`
	Host           string   `yaml:"host" env:"SERVER_HOST"`
	TrackingPort   int      `yaml:"tracking_port" env:"TRACKING_PORT"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	APIToken       string   `yaml:"api_token" env:"API_TOKEN"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	return c.Host
}

// Addr returns the API listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.Port)
}

// TrackingAddr returns the tracking listen address.
func (c ServerConfig) TrackingAddr() string {
	return fmt.Sprintf("%s:%d", c.GetHost(), c.TrackingPort)
}

// DatabaseConfig holds the PostgreSQL connection settings. An empty URL runs
// the binaries on the in-memory store.
type DatabaseConfig struct {
	URL             string        `yaml:"url" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrationsDir   string        `yaml:"migrations_dir" env:"MIGRATIONS_DIR"`
}

// RedisConfig holds the Redis connection settings. An empty URL disables the
// queue so every due request is executed inline.
type RedisConfig struct {
	URL string `yaml:"url" env:"REDIS_URL"`
}

// QueueConfig controls the delayed task queue, the worker pool and the
// pending sweeper.
type QueueConfig struct {
	Key            string        `yaml:"key" env:"QUEUE_KEY"`
	Workers        int           `yaml:"workers" env:"QUEUE_WORKERS"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"QUEUE_POLL_INTERVAL"`
	ClaimBatch     int           `yaml:"claim_batch" env:"QUEUE_CLAIM_BATCH"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout" env:"QUEUE_ENQUEUE_TIMEOUT"`
	PreferSync     bool          `yaml:"prefer_sync" env:"QUEUE_PREFER_SYNC"`
	SweepInterval  time.Duration `yaml:"sweep_interval" env:"QUEUE_SWEEP_INTERVAL"`
	StaleAge       time.Duration `yaml:"stale_age" env:"QUEUE_STALE_AGE"`
}

// DeliveryConfig controls a single delivery attempt.
type DeliveryConfig struct {
	TransportTimeout     time.Duration `yaml:"transport_timeout" env:"DELIVERY_TRANSPORT_TIMEOUT"`
	ExecTimeout          time.Duration `yaml:"exec_timeout" env:"DELIVERY_EXEC_TIMEOUT"`
	LockTTL              time.Duration `yaml:"lock_ttl" env:"DELIVERY_LOCK_TTL"`
	LedgerAfterTransport bool          `yaml:"ledger_after_transport" env:"DELIVERY_LEDGER_AFTER_TRANSPORT"`
	SystemSender         string        `yaml:"system_sender" env:"DELIVERY_SYSTEM_SENDER"`
	PromoHTML            string        `yaml:"promo_html" env:"DELIVERY_PROMO_HTML"`
	// DryRun logs messages instead of handing them to SES.
	DryRun bool `yaml:"dry_run" env:"DELIVERY_DRY_RUN"`
}

// TrackingConfig holds the public tracking endpoint settings.
type TrackingConfig struct {
	BaseURL      string `yaml:"base_url" env:"TRACKING_BASE_URL"`
	WebhookToken string `yaml:"webhook_token" env:"SES_WEBHOOK_TOKEN"`
}

// SESConfig holds AWS SES configuration
type SESConfig struct {
	Region           string `yaml:"region" env:"AWS_SES_REGION"`
	AccessKey        string `yaml:"access_key" env:"AWS_SES_ACCESS_KEY"`
	SecretKey        string `yaml:"secret_key" env:"AWS_SES_SECRET_KEY"`
	ConfigurationSet string `yaml:"configuration_set" env:"AWS_SES_CONFIGURATION_SET"`
}

// LogConfig controls the process-wide logger.
type LogConfig struct {
	Level string `yaml:"level" env:"LOG_LEVEL"`
	// ShowPII turns redaction of addresses in log fields off.
	ShowPII bool `yaml:"show_pii" env:"LOG_SHOW_PII"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS. A missing
// config file is not an error; the binaries can run from env alone.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	// Override with environment variables if present
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.TrackingPort == 0 {
		c.Server.TrackingPort = 8081
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if c.Database.MigrationsDir == "" {
		c.Database.MigrationsDir = "migrations"
	}

	if c.Queue.Key == "" {
		c.Queue.Key = "drip:sendqueue"
	}
	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 5 * time.Second
	}
	if c.Queue.ClaimBatch == 0 {
		c.Queue.ClaimBatch = 50
	}
	if c.Queue.EnqueueTimeout == 0 {
		c.Queue.EnqueueTimeout = 2 * time.Second
	}
	if c.Queue.SweepInterval == 0 {
		c.Queue.SweepInterval = time.Minute
	}
	if c.Queue.StaleAge == 0 {
		c.Queue.StaleAge = 5 * time.Minute
	}

	if c.Delivery.TransportTimeout == 0 {
		c.Delivery.TransportTimeout = 30 * time.Second
	}
	if c.Delivery.ExecTimeout == 0 {
		c.Delivery.ExecTimeout = 60 * time.Second
	}
	if c.Delivery.LockTTL == 0 {
		c.Delivery.LockTTL = 2 * time.Minute
	}

	if c.Tracking.BaseURL == "" {
		c.Tracking.BaseURL = fmt.Sprintf("http://localhost:%d", c.Server.TrackingPort)
	}

	if c.SES.Region == "" {
		c.SES.Region = "us-east-1"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports settings that would leave a binary unable to deliver.
func (c *Config) Validate() error {
	if c.Delivery.SystemSender == "" {
		return fmt.Errorf("delivery.system_sender is required")
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	return nil
}
