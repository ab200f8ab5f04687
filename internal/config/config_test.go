package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout_seconds: 30
auth:
  enabled: true
  api_key: secret
queue:
  capacity: 500
  default_processing_seconds: 90
  max_budget_seconds: 1800
worker:
  concurrency: 8
  cancel_poll_seconds: 5
  safety_margin_seconds: 3
  default_budget_seconds: 240
retry:
  max_attempts: 5
  backoff_initial_ms: 100
  backoff_max_ms: 5000
analyzer:
  user_agent: gauge-agent
  fetch_timeout_seconds: 20
headless:
  enabled: true
  max_parallel: 2
  nav_timeout_seconds: 30
storage:
  driver: gcs
  gcs_bucket: bucket
  prefix: pages
db:
  driver: postgres
  dsn: postgres://localhost/sitegauge
stats:
  interval_seconds: 5
  completions_window: 50
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Worker.Concurrency != 8 || cfg.Queue.Capacity != 500 {
		t.Fatalf("expected worker/queue overrides to apply")
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Fatalf("expected retry override to apply, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Storage.Driver != "gcs" || cfg.Storage.GCSBucket != "bucket" {
		t.Fatalf("expected storage overrides to apply: %+v", cfg.Storage)
	}
	if cfg.DB.Driver != "postgres" || cfg.DB.DSN == "" {
		t.Fatalf("expected db overrides to apply: %+v", cfg.DB)
	}
	if got := cfg.DefaultBudget(); got != 240*time.Second {
		t.Fatalf("expected default budget 240s, got %v", got)
	}
	if got := cfg.RequestTimeout(); got != 30*time.Second {
		t.Fatalf("expected request timeout 30s, got %v", got)
	}
	// Defaults still fill unset keys.
	if cfg.Progress.ThrottleMillis != 1000 {
		t.Fatalf("expected progress throttle default, got %d", cfg.Progress.ThrottleMillis)
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Fatalf("expected default concurrency 4, got %d", cfg.Worker.Concurrency)
	}
	if cfg.DB.Driver != "memory" || cfg.Storage.Driver != "memory" {
		t.Fatalf("expected memory drivers by default")
	}
	if cfg.Stats.IntervalSeconds != 10 {
		t.Fatalf("expected default stats interval 10s, got %d", cfg.Stats.IntervalSeconds)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Queue:  QueueConfig{Capacity: 100},
		Worker: WorkerConfig{Concurrency: 1, DefaultBudgetSeconds: 300},
		Retry:  RetryConfig{MaxAttempts: 1},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Worker.Concurrency = 0
				return c
			}(),
			want: "worker.concurrency",
		},
		{
			name: "invalid queue capacity",
			cfg: func() Config {
				c := base
				c.Queue.Capacity = 0
				return c
			}(),
			want: "queue.capacity",
		},
		{
			name: "invalid budget",
			cfg: func() Config {
				c := base
				c.Worker.DefaultBudgetSeconds = 0
				return c
			}(),
			want: "worker.default_budget_seconds",
		},
		{
			name: "headless missing max parallel",
			cfg: func() Config {
				c := base
				c.Headless.Enabled = true
				c.Headless.MaxParallel = 0
				return c
			}(),
			want: "headless.max_parallel",
		},
		{
			name: "auth missing api key",
			cfg: func() Config {
				c := base
				c.Auth.Enabled = true
				return c
			}(),
			want: "auth.api_key",
		},
		{
			name: "postgres missing dsn",
			cfg: func() Config {
				c := base
				c.DB.Driver = "postgres"
				return c
			}(),
			want: "db.dsn",
		},
		{
			name: "gcs missing bucket",
			cfg: func() Config {
				c := base
				c.Storage.Driver = "gcs"
				return c
			}(),
			want: "storage.gcs_bucket",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
