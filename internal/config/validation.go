package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.http_port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.HTTPPort),
		})
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.grpc_port",
			Message: fmt.Sprintf("port must be between 0 (disabled) and 65535, got %d", c.Server.GRPCPort),
		})
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.HTTPPort {
		errs = append(errs, &ValidationError{
			Field:   "server.grpc_port",
			Message: "grpc_port must differ from http_port",
		})
	}
	if c.Server.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "server.shutdown_timeout_seconds",
			Message: fmt.Sprintf("shutdown timeout must be at least 1 second, got %d", c.Server.ShutdownTimeoutSeconds),
		})
	}
	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, &ValidationError{
			Field:   "server.rate_limit_per_minute",
			Message: "rate limit must not be negative",
		})
	}

	// Validate database configuration
	validDatabaseTypes := map[string]bool{
		"sqlite":   true,
		"postgres": true,
	}
	if !validDatabaseTypes[c.Database.Type] {
		errs = append(errs, &ValidationError{
			Field:   "database.type",
			Message: fmt.Sprintf("invalid database type '%s', must be one of: sqlite, postgres", c.Database.Type),
		})
	}

	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.sqlite_path",
				Message: "sqlite_path is required when database type is sqlite",
			})
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "database.postgres_url",
				Message: "postgres_url is required when database type is postgres",
			})
		}
		if c.Database.MaxConns < 1 {
			errs = append(errs, &ValidationError{
				Field:   "database.max_conns",
				Message: fmt.Sprintf("max_conns must be at least 1, got %d", c.Database.MaxConns),
			})
		}
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, console", c.Logging.Format),
		})
	}

	if c.Audit.Enabled && c.Audit.Path == "" {
		errs = append(errs, &ValidationError{
			Field:   "audit.path",
			Message: "path is required when audit is enabled",
		})
	}

	// Validate anomaly configuration
	if c.Anomaly.DefaultSensitivity < 0 || c.Anomaly.DefaultSensitivity > 1 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.default_sensitivity",
			Message: fmt.Sprintf("sensitivity must be between 0 and 1, got %.2f", c.Anomaly.DefaultSensitivity),
		})
	}
	if c.Anomaly.DefaultWindowSize < 10 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.default_window_size",
			Message: fmt.Sprintf("window size must be at least 10, got %d", c.Anomaly.DefaultWindowSize),
		})
	}
	if c.Anomaly.DetectionLookbackMinutes < 1 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.detection_lookback_minutes",
			Message: fmt.Sprintf("lookback must be at least 1 minute, got %d", c.Anomaly.DetectionLookbackMinutes),
		})
	}
	if c.Anomaly.MaxParallel < 1 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.max_parallel",
			Message: fmt.Sprintf("max_parallel must be at least 1, got %d", c.Anomaly.MaxParallel),
		})
	}
	if c.Anomaly.IsolationTrees < 1 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.isolation_trees",
			Message: fmt.Sprintf("isolation_trees must be at least 1, got %d", c.Anomaly.IsolationTrees),
		})
	}
	if c.Anomaly.IsolationSubsample < 2 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.isolation_subsample",
			Message: fmt.Sprintf("isolation_subsample must be at least 2, got %d", c.Anomaly.IsolationSubsample),
		})
	}
	if c.Anomaly.SequenceLength < 3 {
		errs = append(errs, &ValidationError{
			Field:   "anomaly.sequence_length",
			Message: fmt.Sprintf("sequence_length must be at least 3, got %d", c.Anomaly.SequenceLength),
		})
	}

	// Validate forecast configuration
	if c.Forecast.DefaultHorizonDays < 1 || c.Forecast.DefaultHorizonDays > 365 {
		errs = append(errs, &ValidationError{
			Field:   "forecast.default_horizon_days",
			Message: fmt.Sprintf("horizon must be between 1 and 365 days, got %d", c.Forecast.DefaultHorizonDays),
		})
	}

	// Validate workflow configuration
	if _, err := time.LoadLocation(c.Workflow.Timezone); err != nil {
		errs = append(errs, &ValidationError{
			Field:   "workflow.timezone",
			Message: fmt.Sprintf("unknown timezone '%s': %v", c.Workflow.Timezone, err),
		})
	}
	if c.Workflow.DefaultTimeLimitSeconds < 0 {
		errs = append(errs, &ValidationError{
			Field:   "workflow.default_time_limit_seconds",
			Message: fmt.Sprintf("default time limit cannot be negative, got %d", c.Workflow.DefaultTimeLimitSeconds),
		})
	}

	// Validate events configuration
	if c.Events.HistorySize < 1 {
		errs = append(errs, &ValidationError{
			Field:   "events.history_size",
			Message: fmt.Sprintf("history_size must be at least 1, got %d", c.Events.HistorySize),
		})
	}
	if c.Events.RedisAddr != "" && c.Events.RedisChannel == "" {
		errs = append(errs, &ValidationError{
			Field:   "events.redis_channel",
			Message: "redis_channel is required when redis_addr is set",
		})
	}

	if c.Telemetry.OTLPEndpoint != "" && c.Telemetry.ServiceName == "" {
		errs = append(errs, &ValidationError{
			Field:   "telemetry.service_name",
			Message: "service_name is required when otlp_endpoint is set",
		})
	}

	return errs
}
