package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.HTTPPort = 8090
	cfg.Server.GRPCPort = 50061
	cfg.Server.ShutdownTimeoutSeconds = 15
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.RateLimitPerMinute = 600

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/kubilitics/optimizer.db"
	cfg.Database.PostgresURL = ""
	cfg.Database.MaxConns = 10

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.File = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Audit defaults
	cfg.Audit.Enabled = true
	cfg.Audit.Path = "/var/log/kubilitics/optimizer-audit.log"

	// Anomaly defaults
	cfg.Anomaly.DefaultSensitivity = 0.5
	cfg.Anomaly.DefaultWindowSize = 100
	cfg.Anomaly.DetectionLookbackMinutes = 60
	cfg.Anomaly.MaxParallel = 4
	cfg.Anomaly.IsolationTrees = 100
	cfg.Anomaly.IsolationSubsample = 256
	cfg.Anomaly.SequenceLength = 10

	// Forecast defaults
	cfg.Forecast.DefaultHorizonDays = 30
	cfg.Forecast.Seed = 0

	// Workflow defaults
	cfg.Workflow.DefinitionsPath = ""
	cfg.Workflow.Timezone = "UTC"
	cfg.Workflow.DefaultTimeLimitSeconds = 300

	// Events defaults
	cfg.Events.HistorySize = 500
	cfg.Events.RedisAddr = ""
	cfg.Events.RedisDB = 0
	cfg.Events.RedisChannel = "kubilitics:optimizer:events"
	cfg.Events.WebSocketEnabled = true

	// Telemetry defaults
	cfg.Telemetry.OTLPEndpoint = ""
	cfg.Telemetry.Insecure = true
	cfg.Telemetry.ServiceName = "kubilitics-optimizer"

	return cfg
}
