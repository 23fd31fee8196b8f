// Package config provides configuration management for kubilitics-optimizer.
//
// Configuration Sources (priority order, high to low):
//  1. Environment variables (OPTIMIZER_* prefix, "." replaced by "_")
//  2. YAML config file (default: /etc/kubilitics/optimizer.yaml)
//  3. Built-in defaults
//
// A .env file in the working directory is loaded into the process
// environment by cmd/optimizer before the config manager runs.
//
// Main Configuration Sections:
//
//  1. Server      - http_port, grpc_port, host, shutdown_timeout_seconds, rate_limit_per_minute
//  2. Database    - type (sqlite|postgres), sqlite_path, postgres_url, max_conns
//  3. Logging     - level, format, file and rotation settings
//  4. Audit       - enabled, path
//  5. Anomaly     - detector defaults and coordinator fan-out
//  6. Forecast    - default horizon and RNG seed
//  7. Workflow    - definitions file, scheduler timezone, default time limit
//  8. Events      - history size, redis mirror, websocket streaming
//  9. Telemetry   - OTLP endpoint for traces
package config

import "context"

// Config contains all configuration fields.
type Config struct {
	// Server configuration
	Server struct {
		Host                   string
		HTTPPort               int
		GRPCPort               int
		ShutdownTimeoutSeconds int
		// AllowedOrigins is a list of origins permitted to open WebSocket
		// connections. Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
		// RateLimitPerMinute bounds write requests per client. Zero disables
		// the limiter.
		RateLimitPerMinute int
	}

	// Database configuration
	Database struct {
		Type        string
		SQLitePath  string
		PostgresURL string
		MaxConns    int
	}

	// Logging configuration
	Logging struct {
		Level      string
		Format     string
		File       string // empty means stderr
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// Audit trail configuration
	Audit struct {
		Enabled bool
		Path    string
	}

	// Anomaly detection configuration
	Anomaly struct {
		DefaultSensitivity       float64
		DefaultWindowSize        int
		DetectionLookbackMinutes int
		MaxParallel              int
		IsolationTrees           int
		IsolationSubsample       int
		SequenceLength           int
	}

	// Forecast configuration
	Forecast struct {
		DefaultHorizonDays int
		Seed               int64 // 0 means time-seeded
	}

	// Workflow engine configuration
	Workflow struct {
		DefinitionsPath         string
		Timezone                string
		DefaultTimeLimitSeconds int
	}

	// Event fan-out configuration
	Events struct {
		HistorySize      int
		RedisAddr        string // empty disables the redis mirror
		RedisPassword    string
		RedisDB          int
		RedisChannel     string
		WebSocketEnabled bool
	}

	// Tracing configuration
	Telemetry struct {
		OTLPEndpoint string // empty disables tracing
		Insecure     bool
		ServiceName  string
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/kubilitics/optimizer.yaml")
}
