// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Analyzer AnalyzerConfig `mapstructure:"analyzer"`
	Headless HeadlessConfig `mapstructure:"headless"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// QueueConfig governs admission and wait estimation.
type QueueConfig struct {
	Capacity                 int `mapstructure:"capacity"`
	DefaultProcessingSeconds int `mapstructure:"default_processing_seconds"`
	MaxBudgetSeconds         int `mapstructure:"max_budget_seconds"`
}

// WorkerConfig governs the execution engine.
type WorkerConfig struct {
	Concurrency          int `mapstructure:"concurrency"`
	CancelPollSeconds    int `mapstructure:"cancel_poll_seconds"`
	SafetyMarginSeconds  int `mapstructure:"safety_margin_seconds"`
	DefaultBudgetSeconds int `mapstructure:"default_budget_seconds"`
	HeartbeatMillis      int `mapstructure:"heartbeat_ms"`
}

// RetryConfig configures failure retry behavior.
type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// AnalyzerConfig configures page fetching and scoring.
type AnalyzerConfig struct {
	UserAgent           string  `mapstructure:"user_agent"`
	FetchTimeoutSeconds int     `mapstructure:"fetch_timeout_seconds"`
	RateLimitRPS        float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst      int     `mapstructure:"rate_limit_burst"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig sets where page snapshots land.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational job store.
type DBConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StatsConfig controls the metrics aggregation loop.
type StatsConfig struct {
	IntervalSeconds   int `mapstructure:"interval_seconds"`
	CompletionsWindow int `mapstructure:"completions_window"`
}

// ProgressConfig tunes progress event delivery.
type ProgressConfig struct {
	ThrottleMillis int `mapstructure:"throttle_ms"`
	BufferSize     int `mapstructure:"buffer_size"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEGAUGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("queue.default_processing_seconds", 120)
	v.SetDefault("queue.max_budget_seconds", 3600)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.cancel_poll_seconds", 10)
	v.SetDefault("worker.safety_margin_seconds", 5)
	v.SetDefault("worker.default_budget_seconds", 300)
	v.SetDefault("worker.heartbeat_ms", 1000)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_max_ms", 30000)
	v.SetDefault("analyzer.user_agent", "sitegauge-bot/0.1")
	v.SetDefault("analyzer.fetch_timeout_seconds", 30)
	v.SetDefault("analyzer.rate_limit_rps", 2)
	v.SetDefault("analyzer.rate_limit_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.driver", "memory")
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("stats.interval_seconds", 10)
	v.SetDefault("stats.completions_window", 100)
	v.SetDefault("progress.throttle_ms", 1000)
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if c.Worker.DefaultBudgetSeconds <= 0 {
		return fmt.Errorf("worker.default_budget_seconds must be > 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.DB.Driver == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when db.driver is postgres")
	}
	if c.Storage.Driver == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.driver is gcs")
	}
	return nil
}

// DefaultBudget returns the per-job execution budget as a duration.
func (c Config) DefaultBudget() time.Duration {
	return time.Duration(c.Worker.DefaultBudgetSeconds) * time.Second
}

// RequestTimeout returns the HTTP request timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}
