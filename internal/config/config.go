// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Signals       SignalsConfig       `yaml:"signals"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Evaluator     EvaluatorConfig     `yaml:"evaluator"`
	Priority      PriorityConfig      `yaml:"priority"`
	Notifier      NotifierConfig      `yaml:"notifier"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverLog      = "log"
	DriverNone     = "none"
)

// StoreConfig describes workflow and portfolio persistence.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// SignalsConfig describes where account signal snapshots come from.
type SignalsConfig struct {
	// Source is memory, file or postgres.
	Source string `yaml:"source"`
	// File is a YAML fixture of snapshots, used when Source is file.
	File string `yaml:"file"`
}

// CatalogConfig describes where workflow definitions and stage templates
// are loaded from.
type CatalogConfig struct {
	Directories     []string `yaml:"directories"`
	IncludeDefaults bool     `yaml:"include_defaults"`
}

// SchedulerConfig describes the batch cycle.
type SchedulerConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	AccountTimeout time.Duration `yaml:"account_timeout"`
	// CycleInterval runs a cycle periodically when serving. Zero disables it.
	CycleInterval time.Duration `yaml:"cycle_interval"`
}

// EvaluatorConfig describes the wake evaluator.
type EvaluatorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	PageSize      int           `yaml:"page_size"`
	MaxDuration   time.Duration `yaml:"max_duration"`
	RetryAttempts uint64        `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// PriorityConfig holds the ranking weights.
type PriorityConfig struct {
	ARRWeight           float64 `yaml:"arr_weight"`
	UrgencyWeight       float64 `yaml:"urgency_weight"`
	HealthDeclineWeight float64 `yaml:"health_decline_weight"`
	UsageDeclineWeight  float64 `yaml:"usage_decline_weight"`
	StrategicWeight     float64 `yaml:"strategic_weight"`
}

// NotifierConfig describes where step events are delivered.
type NotifierConfig struct {
	// Driver is log, redis or none.
	Driver        string        `yaml:"driver"`
	AddrEnv       string        `yaml:"addr_env"`
	DB            int           `yaml:"db"`
	Stream        string        `yaml:"stream"`
	MaxLen        int64         `yaml:"max_len"`
	RetryAttempts uint64        `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
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
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Actor-Id", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Store: StoreConfig{
			Driver:          DriverMemory,
			DSNEnv:          "STEWARD_DATABASE_URL",
			MaxConns:        10,
			MinConns:        1,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Signals: SignalsConfig{
			Source: DriverMemory,
		},
		Catalog: CatalogConfig{
			IncludeDefaults: true,
		},
		Scheduler: SchedulerConfig{
			Concurrency:    8,
			AccountTimeout: 10 * time.Second,
		},
		Evaluator: EvaluatorConfig{
			Interval:      time.Minute,
			PageSize:      200,
			MaxDuration:   20 * time.Second,
			RetryAttempts: 3,
			RetryDelay:    50 * time.Millisecond,
		},
		Priority: PriorityConfig{
			ARRWeight:           1.5,
			UrgencyWeight:       1.0,
			HealthDeclineWeight: 1.5,
			UsageDeclineWeight:  1.2,
			StrategicWeight:     2.0,
		},
		Notifier: NotifierConfig{
			Driver:        DriverLog,
			AddrEnv:       "STEWARD_REDIS_ADDR",
			Stream:        "steward:step-events",
			MaxLen:        100000,
			RetryAttempts: 3,
			RetryDelay:    100 * time.Millisecond,
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
// and validates the result. An empty path starts from Defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
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

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory or postgres", c.Store.Driver))
	}

	switch c.Signals.Source {
	case DriverMemory:
	case DriverFile:
		if c.Signals.File == "" {
			errs = append(errs, "signals.file is required for the file source")
		}
	case DriverPostgres:
		if c.Store.Driver != DriverPostgres {
			errs = append(errs, "signals.source postgres requires store.driver postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("signals.source %q must be memory, file or postgres", c.Signals.Source))
	}

	if !c.Catalog.IncludeDefaults && len(c.Catalog.Directories) == 0 {
		errs = append(errs, "catalog needs include_defaults or at least one directory")
	}

	if c.Scheduler.Concurrency < 1 {
		errs = append(errs, "scheduler.concurrency must be at least 1")
	}
	if c.Scheduler.AccountTimeout <= 0 {
		errs = append(errs, "scheduler.account_timeout must be positive")
	}
	if c.Evaluator.PageSize < 1 {
		errs = append(errs, "evaluator.page_size must be at least 1")
	}
	if c.Evaluator.Interval <= 0 {
		errs = append(errs, "evaluator.interval must be positive")
	}

	switch c.Notifier.Driver {
	case DriverLog, DriverNone:
	case DriverRedis:
		if c.Notifier.AddrEnv == "" || c.Notifier.Stream == "" {
			errs = append(errs, "notifier.addr_env and notifier.stream are required for the redis driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("notifier.driver %q must be log, redis or none", c.Notifier.Driver))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STEWARD_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STEWARD_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STEWARD_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STEWARD_SIGNALS_SOURCE"); v != "" {
		cfg.Signals.Source = v
	}
	if v := os.Getenv("STEWARD_SIGNALS_FILE"); v != "" {
		cfg.Signals.File = v
	}
	if v := os.Getenv("STEWARD_SCHEDULER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.Concurrency = n
		}
	}
	if v := os.Getenv("STEWARD_NOTIFIER_DRIVER"); v != "" {
		cfg.Notifier.Driver = v
	}
	if v := os.Getenv("STEWARD_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
