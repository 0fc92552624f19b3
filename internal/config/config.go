package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	Ledger      LedgerConfig
	Outbox      OutboxConfig
	Idempotency IdempotencyConfig
	Log         LogConfig
	Telemetry   TelemetryConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LockTimeout     time.Duration
	ApplySchema     bool
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	SecretKey string
}

type LedgerConfig struct {
	BalanceCacheTTL  time.Duration
	TransientRetries int
	HistoryLimit     int
	ServiceName      string
}

type OutboxConfig struct {
	WorkerID        string
	PollInterval    time.Duration
	BatchSize       int
	LeaseTTL        time.Duration
	DeliveryTimeout time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
	RetryMaxDelay   time.Duration
	Concurrency     int
	WebhookURL      string
	WebhookRPS      float64
	DedupeTTL       time.Duration
}

type IdempotencyConfig struct {
	TTL time.Duration
}

type LogConfig struct {
	Level       string
	Development bool
}

type TelemetryConfig struct {
	ServiceName  string
	OTLPEndpoint string
}

var envBindings = map[string]string{
	"server.port":              "PORT",
	"server.allowed_origins":   "ALLOWED_ORIGINS",
	"database.host":            "DATABASE_HOST",
	"database.port":            "DATABASE_PORT",
	"database.user":            "DATABASE_USER",
	"database.password":        "DATABASE_PASSWORD",
	"database.name":            "DATABASE_NAME",
	"database.ssl_mode":        "DATABASE_SSL_MODE",
	"database.lock_timeout":    "DATABASE_LOCK_TIMEOUT",
	"database.apply_schema":    "DATABASE_APPLY_SCHEMA",
	"redis.host":               "REDIS_HOST",
	"redis.port":               "REDIS_PORT",
	"redis.password":           "REDIS_PASSWORD",
	"redis.db":                 "REDIS_DB",
	"jwt.secret_key":           "JWT_SECRET_KEY",
	"ledger.balance_cache_ttl": "LEDGER_BALANCE_CACHE_TTL",
	"ledger.transient_retries": "LEDGER_TRANSIENT_RETRIES",
	"ledger.history_limit":     "LEDGER_HISTORY_LIMIT",
	"outbox.worker_id":         "OUTBOX_WORKER_ID",
	"outbox.poll_interval":     "OUTBOX_POLL_INTERVAL",
	"outbox.batch_size":        "OUTBOX_BATCH_SIZE",
	"outbox.lease_ttl":         "OUTBOX_LEASE_TTL",
	"outbox.delivery_timeout":  "OUTBOX_DELIVERY_TIMEOUT",
	"outbox.max_attempts":      "OUTBOX_MAX_ATTEMPTS",
	"outbox.retry_backoff":     "OUTBOX_RETRY_BACKOFF",
	"outbox.retry_max_delay":   "OUTBOX_RETRY_MAX_DELAY",
	"outbox.concurrency":       "OUTBOX_CONCURRENCY",
	"outbox.webhook_url":       "OUTBOX_WEBHOOK_URL",
	"outbox.webhook_rps":       "OUTBOX_WEBHOOK_RPS",
	"outbox.dedupe_ttl":        "OUTBOX_DEDUPE_TTL",
	"idempotency.ttl":          "IDEMPOTENCY_TTL",
	"log.level":                "LOG_LEVEL",
	"log.development":          "LOG_DEVELOPMENT",
	"telemetry.service_name":   "OTEL_SERVICE_NAME",
	"telemetry.otlp_endpoint":  "OTEL_EXPORTER_OTLP_ENDPOINT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"https://*", "http://*"})

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "propledger")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.lock_timeout", 5*time.Second)
	v.SetDefault("database.apply_schema", false)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("ledger.balance_cache_ttl", 30*time.Second)
	v.SetDefault("ledger.transient_retries", 2)
	v.SetDefault("ledger.history_limit", 100)
	v.SetDefault("ledger.service_name", "propledger")

	v.SetDefault("outbox.worker_id", "")
	v.SetDefault("outbox.poll_interval", 2*time.Second)
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.lease_ttl", 30*time.Second)
	v.SetDefault("outbox.delivery_timeout", 10*time.Second)
	v.SetDefault("outbox.max_attempts", 8)
	v.SetDefault("outbox.retry_backoff", time.Second)
	v.SetDefault("outbox.retry_max_delay", 5*time.Minute)
	v.SetDefault("outbox.concurrency", 8)
	v.SetDefault("outbox.webhook_url", "")
	v.SetDefault("outbox.webhook_rps", 20.0)
	v.SetDefault("outbox.dedupe_ttl", 24*time.Hour)

	v.SetDefault("idempotency.ttl", 24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("telemetry.service_name", "propledger")
	v.SetDefault("telemetry.otlp_endpoint", "")
}

// Load reads configuration from an optional env file and the environment.
// A missing file is not an error; environment variables override it.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("env")
	}
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}
	if file != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !isMissingFile(err) {
				return nil, fmt.Errorf("read config %s: %w", file, err)
			}
		}
		// env files use the variable names, not the nested keys
		for key, env := range envBindings {
			if fileKey := strings.ToLower(env); v.InConfig(fileKey) {
				v.SetDefault(key, v.Get(fileKey))
			}
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            v.GetString("server.port"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			RequestTimeout:  v.GetDuration("server.request_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			AllowedOrigins:  v.GetStringSlice("server.allowed_origins"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetString("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			Name:            v.GetString("database.name"),
			SSLMode:         v.GetString("database.ssl_mode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
			LockTimeout:     v.GetDuration("database.lock_timeout"),
			ApplySchema:     v.GetBool("database.apply_schema"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			SecretKey: v.GetString("jwt.secret_key"),
		},
		Ledger: LedgerConfig{
			BalanceCacheTTL:  v.GetDuration("ledger.balance_cache_ttl"),
			TransientRetries: v.GetInt("ledger.transient_retries"),
			HistoryLimit:     v.GetInt("ledger.history_limit"),
			ServiceName:      v.GetString("ledger.service_name"),
		},
		Outbox: OutboxConfig{
			WorkerID:        v.GetString("outbox.worker_id"),
			PollInterval:    v.GetDuration("outbox.poll_interval"),
			BatchSize:       v.GetInt("outbox.batch_size"),
			LeaseTTL:        v.GetDuration("outbox.lease_ttl"),
			DeliveryTimeout: v.GetDuration("outbox.delivery_timeout"),
			MaxAttempts:     v.GetInt("outbox.max_attempts"),
			RetryBackoff:    v.GetDuration("outbox.retry_backoff"),
			RetryMaxDelay:   v.GetDuration("outbox.retry_max_delay"),
			Concurrency:     v.GetInt("outbox.concurrency"),
			WebhookURL:      v.GetString("outbox.webhook_url"),
			WebhookRPS:      v.GetFloat64("outbox.webhook_rps"),
			DedupeTTL:       v.GetDuration("outbox.dedupe_ttl"),
		},
		Idempotency: IdempotencyConfig{
			TTL: v.GetDuration("idempotency.ttl"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  v.GetString("telemetry.service_name"),
			OTLPEndpoint: v.GetString("telemetry.otlp_endpoint"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the ledger cannot run with.
func (c *Config) Validate() error {
	if c.Database.LockTimeout <= 0 {
		return errors.New("database.lock_timeout must be positive")
	}
	if c.Outbox.BatchSize <= 0 {
		return errors.New("outbox.batch_size must be positive")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return errors.New("outbox.max_attempts must be positive")
	}
	if c.Outbox.LeaseTTL <= c.Outbox.DeliveryTimeout {
		return errors.New("outbox.lease_ttl must exceed outbox.delivery_timeout")
	}
	if c.Outbox.Concurrency <= 0 {
		return errors.New("outbox.concurrency must be positive")
	}
	if c.Ledger.TransientRetries < 0 {
		return errors.New("ledger.transient_retries must not be negative")
	}
	return nil
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
