// Package config loads and validates application configuration from YAML files
// and environment variables.
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
	Identity      IdentityConfig      `yaml:"identity"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Storage       StorageConfig       `yaml:"storage"`
	Engine        EngineConfig        `yaml:"engine"`
	Tasks         TasksConfig         `yaml:"tasks"`
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

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig describes where to find definition YAML files.
type DefinitionsConfig struct {
	Directories     []string `yaml:"directories"`
	StrictChecksums bool     `yaml:"strict_checksums"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig describes the Postgres connection pool. The DSN itself is
// read from the environment variable named by DSNEnv so credentials never
// sit in the config file.
type PostgresConfig struct {
	DSNEnv          string        `yaml:"dsn_env"`
	MaxConns        int           `yaml:"max_conns"`
	MinConns        int           `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EngineConfig describes execution-engine settings.
type EngineConfig struct {
	// MaxNodesPerRun bounds a single flow run.
	MaxNodesPerRun int `yaml:"max_nodes_per_run"`
	// StrictHandlers makes an unregistered handler for a built-in flow
	// node type a run failure instead of a no-op.
	StrictHandlers bool `yaml:"strict_handlers"`
}

// TasksConfig describes approval-task settings.
type TasksConfig struct {
	// DefaultDue is added to now when a created task carries no due date.
	// Zero means tasks without a due date never become overdue.
	DefaultDue time.Duration `yaml:"default_due"`
	// EscalationTarget is the assignee overdue tasks escalate to.
	EscalationTarget string `yaml:"escalation_target"`
	// SweepInterval is how often the escalation sweeper scans for overdue
	// tasks. Zero disables the sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Exporter          string  `yaml:"exporter"`
	Endpoint          string  `yaml:"endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	ForceSampleErrors bool    `yaml:"force_sample_errors"`
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
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"tenant_id":  "tenant_id",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Definitions: DefinitionsConfig{
			Directories:     []string{"/definitions"},
			StrictChecksums: true,
		},
		Storage: StorageConfig{
			Driver: "memory",
			Postgres: PostgresConfig{
				DSNEnv:          "FLOWCORE_POSTGRES_DSN",
				MaxConns:        25,
				MinConns:        5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Engine: EngineConfig{
			MaxNodesPerRun: 500,
		},
		Tasks: TasksConfig{
			SweepInterval: 60 * time.Second,
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
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSNEnv == "" {
			errs = append(errs, "storage.postgres.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.driver %q is not supported (memory, postgres)", c.Storage.Driver))
	}
	if c.Engine.MaxNodesPerRun < 1 {
		errs = append(errs, "engine.max_nodes_per_run must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads FLOWCORE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOWCORE_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FLOWCORE_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("FLOWCORE_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("FLOWCORE_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("FLOWCORE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("FLOWCORE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
