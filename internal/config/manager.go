package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "OPTIMIZER"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	mu         sync.RWMutex
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// The config file is optional; defaults and env vars are enough to run.
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		select {
		case m.watchChan <- *m.Get(ctx):
		default:
			// Channel full, skip this update
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil && !isNotFound(err) {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.http_port", defaults.Server.HTTPPort)
	m.viper.SetDefault("server.grpc_port", defaults.Server.GRPCPort)
	m.viper.SetDefault("server.shutdown_timeout_seconds", defaults.Server.ShutdownTimeoutSeconds)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.rate_limit_per_minute", defaults.Server.RateLimitPerMinute)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", defaults.Database.PostgresURL)
	m.viper.SetDefault("database.max_conns", defaults.Database.MaxConns)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file", defaults.Logging.File)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Audit defaults
	m.viper.SetDefault("audit.enabled", defaults.Audit.Enabled)
	m.viper.SetDefault("audit.path", defaults.Audit.Path)

	// Anomaly defaults
	m.viper.SetDefault("anomaly.default_sensitivity", defaults.Anomaly.DefaultSensitivity)
	m.viper.SetDefault("anomaly.default_window_size", defaults.Anomaly.DefaultWindowSize)
	m.viper.SetDefault("anomaly.detection_lookback_minutes", defaults.Anomaly.DetectionLookbackMinutes)
	m.viper.SetDefault("anomaly.max_parallel", defaults.Anomaly.MaxParallel)
	m.viper.SetDefault("anomaly.isolation_trees", defaults.Anomaly.IsolationTrees)
	m.viper.SetDefault("anomaly.isolation_subsample", defaults.Anomaly.IsolationSubsample)
	m.viper.SetDefault("anomaly.sequence_length", defaults.Anomaly.SequenceLength)

	// Forecast defaults
	m.viper.SetDefault("forecast.default_horizon_days", defaults.Forecast.DefaultHorizonDays)
	m.viper.SetDefault("forecast.seed", defaults.Forecast.Seed)

	// Workflow defaults
	m.viper.SetDefault("workflow.definitions_path", defaults.Workflow.DefinitionsPath)
	m.viper.SetDefault("workflow.timezone", defaults.Workflow.Timezone)
	m.viper.SetDefault("workflow.default_time_limit_seconds", defaults.Workflow.DefaultTimeLimitSeconds)

	// Events defaults
	m.viper.SetDefault("events.history_size", defaults.Events.HistorySize)
	m.viper.SetDefault("events.redis_addr", defaults.Events.RedisAddr)
	m.viper.SetDefault("events.redis_password", defaults.Events.RedisPassword)
	m.viper.SetDefault("events.redis_db", defaults.Events.RedisDB)
	m.viper.SetDefault("events.redis_channel", defaults.Events.RedisChannel)
	m.viper.SetDefault("events.websocket_enabled", defaults.Events.WebSocketEnabled)

	// Telemetry defaults
	m.viper.SetDefault("telemetry.otlp_endpoint", defaults.Telemetry.OTLPEndpoint)
	m.viper.SetDefault("telemetry.insecure", defaults.Telemetry.Insecure)
	m.viper.SetDefault("telemetry.service_name", defaults.Telemetry.ServiceName)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.HTTPPort = m.viper.GetInt("server.http_port")
	cfg.Server.GRPCPort = m.viper.GetInt("server.grpc_port")
	cfg.Server.ShutdownTimeoutSeconds = m.viper.GetInt("server.shutdown_timeout_seconds")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.RateLimitPerMinute = m.viper.GetInt("server.rate_limit_per_minute")

	// Database
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = m.viper.GetString("database.postgres_url")
	cfg.Database.MaxConns = m.viper.GetInt("database.max_conns")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.File = m.viper.GetString("logging.file")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	// Audit
	cfg.Audit.Enabled = m.viper.GetBool("audit.enabled")
	cfg.Audit.Path = m.viper.GetString("audit.path")

	// Anomaly
	cfg.Anomaly.DefaultSensitivity = m.viper.GetFloat64("anomaly.default_sensitivity")
	cfg.Anomaly.DefaultWindowSize = m.viper.GetInt("anomaly.default_window_size")
	cfg.Anomaly.DetectionLookbackMinutes = m.viper.GetInt("anomaly.detection_lookback_minutes")
	cfg.Anomaly.MaxParallel = m.viper.GetInt("anomaly.max_parallel")
	cfg.Anomaly.IsolationTrees = m.viper.GetInt("anomaly.isolation_trees")
	cfg.Anomaly.IsolationSubsample = m.viper.GetInt("anomaly.isolation_subsample")
	cfg.Anomaly.SequenceLength = m.viper.GetInt("anomaly.sequence_length")

	// Forecast
	cfg.Forecast.DefaultHorizonDays = m.viper.GetInt("forecast.default_horizon_days")
	cfg.Forecast.Seed = m.viper.GetInt64("forecast.seed")

	// Workflow
	cfg.Workflow.DefinitionsPath = m.viper.GetString("workflow.definitions_path")
	cfg.Workflow.Timezone = m.viper.GetString("workflow.timezone")
	cfg.Workflow.DefaultTimeLimitSeconds = m.viper.GetInt("workflow.default_time_limit_seconds")

	// Events
	cfg.Events.HistorySize = m.viper.GetInt("events.history_size")
	cfg.Events.RedisAddr = m.viper.GetString("events.redis_addr")
	cfg.Events.RedisPassword = m.viper.GetString("events.redis_password")
	cfg.Events.RedisDB = m.viper.GetInt("events.redis_db")
	cfg.Events.RedisChannel = m.viper.GetString("events.redis_channel")
	cfg.Events.WebSocketEnabled = m.viper.GetBool("events.websocket_enabled")

	// Telemetry
	cfg.Telemetry.OTLPEndpoint = m.viper.GetString("telemetry.otlp_endpoint")
	cfg.Telemetry.Insecure = m.viper.GetBool("telemetry.insecure")
	cfg.Telemetry.ServiceName = m.viper.GetString("telemetry.service_name")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}
