// Package config loads and validates application configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Store         StoreConfig         `yaml:"store"`
	Sweep         SweepConfig         `yaml:"sweep"`
	Jobs          JobsConfig          `yaml:"jobs"`
	Lock          LockConfig          `yaml:"lock"`
	Mailer        MailerConfig        `yaml:"mailer"`
	Links         LinksConfig         `yaml:"links"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes the ops HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefinitionsConfig describes where to find workflow definition YAML files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// StoreConfig describes persistence settings shared by the workflow,
// notification, and job stores.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SweepConfig describes the recurring overdue-notification sweep.
type SweepConfig struct {
	Interval             time.Duration `yaml:"interval"`
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
	// SendHour is the local hour of day deferred sends are normalized to.
	SendHour int `yaml:"send_hour"`
}

// JobsConfig describes the deferred job runner.
type JobsConfig struct {
	RunnerInterval time.Duration `yaml:"runner_interval"`
	ClaimLimit     int           `yaml:"claim_limit"`
}

// LockConfig describes the cross-process lease that serializes sweep and
// runner ticks.
type LockConfig struct {
	// Driver is "memory" or "redis".
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// MailerConfig describes the email delivery API collaborator.
type MailerConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	FromAddress string        `yaml:"from_address"`
	ReplyTo     string        `yaml:"reply_to"`
}

// LinksConfig describes signed deep links embedded in emails.
type LinksConfig struct {
	BaseURL       string        `yaml:"base_url"`
	SigningKeyEnv string        `yaml:"signing_key_env"`
	TTL           time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"definitions"},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "REFERRALFLOW_STORE_DSN",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Sweep: SweepConfig{
			Interval:             time.Hour,
			MaxConcurrentBatches: 4,
			SendHour:             10,
		},
		Jobs: JobsConfig{
			RunnerInterval: time.Minute,
			ClaimLimit:     100,
		},
		Lock: LockConfig{
			Driver:  "memory",
			AddrEnv: "REFERRALFLOW_REDIS_ADDR",
			TTL:     10 * time.Minute,
		},
		Mailer: MailerConfig{
			Timeout:     20 * time.Second,
			FromAddress: "referrals@example.org",
		},
		Links: LinksConfig{
			SigningKeyEnv: "REFERRALFLOW_LINK_SIGNING_KEY",
			TTL:           30 * 24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories is required")
	}
	if c.Store.Driver != "memory" && c.Store.Driver != "postgres" {
		errs = append(errs, "store.driver must be memory or postgres")
	}
	if c.Lock.Driver != "memory" && c.Lock.Driver != "redis" {
		errs = append(errs, "lock.driver must be memory or redis")
	}
	if c.Sweep.Interval <= 0 {
		errs = append(errs, "sweep.interval must be positive")
	}
	if c.Sweep.SendHour < 0 || c.Sweep.SendHour > 23 {
		errs = append(errs, "sweep.send_hour must be between 0 and 23")
	}
	if c.Jobs.RunnerInterval <= 0 {
		errs = append(errs, "jobs.runner_interval must be positive")
	}
	if c.Mailer.BaseURL == "" {
		errs = append(errs, "mailer.base_url is required")
	}
	if c.Links.BaseURL == "" {
		errs = append(errs, "links.base_url is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads REFERRALFLOW_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REFERRALFLOW_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("REFERRALFLOW_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("REFERRALFLOW_LOCK_DRIVER"); v != "" {
		cfg.Lock.Driver = v
	}
	if v := os.Getenv("REFERRALFLOW_MAILER_BASE_URL"); v != "" {
		cfg.Mailer.BaseURL = v
	}
	if v := os.Getenv("REFERRALFLOW_LINKS_BASE_URL"); v != "" {
		cfg.Links.BaseURL = v
	}
	if v := os.Getenv("REFERRALFLOW_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
