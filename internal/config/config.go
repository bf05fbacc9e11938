package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the full runtime configuration. Values come from defaults, then
// an optional YAML file, then PIPETRACK_* environment variables.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Trigger  TriggerConfig  `koanf:"trigger"`
	Webhook  WebhookConfig  `koanf:"webhook"`
	CI       CIConfig       `koanf:"ci"`
	Analyzer AnalyzerConfig `koanf:"analyzer"`
	Log      LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	RateLimit       int           `koanf:"rate_limit"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	Path            string        `koanf:"path"`
	MaxRuns         int           `koanf:"max_runs"`
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

type TriggerConfig struct {
	RepoDir      string        `koanf:"repo_dir"`
	SentinelPath string        `koanf:"sentinel_path"`
	PollInterval time.Duration `koanf:"poll_interval"`
	Debounce     time.Duration `koanf:"debounce"`
}

type WebhookConfig struct {
	Secret          string        `koanf:"secret"`
	MaxRetries      int           `koanf:"max_retries"`
	StallTimeout    time.Duration `koanf:"stall_timeout"`
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	MaxPayloadBytes int64         `koanf:"max_payload_bytes"`
}

type CIConfig struct {
	Enabled        bool          `koanf:"enabled"`
	BaseURL        string        `koanf:"base_url"`
	Token          string        `koanf:"token"`
	Owner          string        `koanf:"owner"`
	Repo           string        `koanf:"repo"`
	Workflow       string        `koanf:"workflow"`
	Ref            string        `koanf:"ref"`
	PollInterval   time.Duration `koanf:"poll_interval"`
	MonitorTimeout time.Duration `koanf:"monitor_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type AnalyzerConfig struct {
	WorkflowThreshold time.Duration `koanf:"workflow_threshold"`
	QueueThreshold    time.Duration `koanf:"queue_threshold"`
	JobThreshold      time.Duration `koanf:"job_threshold"`
	SetupThreshold    time.Duration `koanf:"setup_threshold"`
	BuildThreshold    time.Duration `koanf:"build_threshold"`
	TestThreshold     time.Duration `koanf:"test_threshold"`
	DeployThreshold   time.Duration `koanf:"deploy_threshold"`
	HistorySize       int           `koanf:"history_size"`
	MetricsWindow     time.Duration `koanf:"metrics_window"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

// Defaults returns the baseline configuration before file and env overlays.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       120,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path:            "pipetrack.db",
			MaxRuns:         1000,
			CleanupInterval: time.Hour,
		},
		Trigger: TriggerConfig{
			RepoDir:      ".",
			SentinelPath: "",
			PollInterval: 10 * time.Second,
			Debounce:     500 * time.Millisecond,
		},
		Webhook: WebhookConfig{
			MaxRetries:      3,
			StallTimeout:    5 * time.Minute,
			SweepInterval:   30 * time.Second,
			MaxPayloadBytes: 1 << 20,
		},
		CI: CIConfig{
			Enabled:        true,
			BaseURL:        "https://api.github.com",
			Ref:            "main",
			PollInterval:   10 * time.Second,
			MonitorTimeout: 30 * time.Minute,
			RequestTimeout: 15 * time.Second,
		},
		Analyzer: AnalyzerConfig{
			WorkflowThreshold: 10 * time.Minute,
			QueueThreshold:    2 * time.Minute,
			JobThreshold:      5 * time.Minute,
			SetupThreshold:    2 * time.Minute,
			BuildThreshold:    5 * time.Minute,
			TestThreshold:     5 * time.Minute,
			DeployThreshold:   3 * time.Minute,
			HistorySize:       100,
			MetricsWindow:     24 * time.Hour,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and PIPETRACK_* environment variables, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Defaults()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// PIPETRACK_CI_POLL_INTERVAL -> ci.poll_interval: the first underscore
	// separates the section, the rest stays a single key.
	if err := k.Load(env.Provider("PIPETRACK_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "PIPETRACK_"))
		parts := strings.SplitN(s, "_", 2)
		return strings.Join(parts, ".")
	}), nil); err != nil {
		return cfg, fmt.Errorf("load env: %w", err)
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Webhook.Secret == "" {
		return errors.New("webhook secret is required (PIPETRACK_WEBHOOK_SECRET)")
	}
	if c.CI.Enabled {
		if c.CI.Token == "" {
			return errors.New("ci token is required when ci polling is enabled (PIPETRACK_CI_TOKEN)")
		}
		if c.CI.Owner == "" || c.CI.Repo == "" {
			return errors.New("ci owner and repo are required when ci polling is enabled")
		}
	}
	if c.Store.MaxRuns <= 0 {
		return errors.New("store max_runs must be positive")
	}
	if c.Webhook.MaxRetries < 0 {
		return errors.New("webhook max_retries must not be negative")
	}
	return nil
}
