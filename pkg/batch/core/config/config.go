// Package config provides the configuration structures for batchcursor.
package config

// EmbeddedConfig holds the content of the configuration file, typically passed from main.go.
type EmbeddedConfig []byte

// Default templates used when none are configured.
const (
	DefaultSQLQuery = `select id as id
from source_table
where id > :id
order by id
limit :batchSize`

	DefaultSQLCommand = `insert into destination_table
select * from source_table
where id in (:ids)`
)

// BatchConfig describes the batch loop.
type BatchConfig struct {
	// DBRef names the entry under "database" the gateway connects to.
	DBRef string `yaml:"db_ref"`
	// BatchSize is the maximum number of ids fetched per cycle.
	BatchSize int `yaml:"batch_size"`
	// StartID is the cursor used when no checkpoint exists.
	StartID int64 `yaml:"start_id"`
	// SQLQuery selects the next batch. Placeholders: :id, :batchSize.
	SQLQuery string `yaml:"sql_query"`
	// SQLCommand mutates one batch. Placeholder: :ids.
	SQLCommand string `yaml:"sql_command"`
	// IDColumn is the column of SQLQuery holding the identifier.
	IDColumn string `yaml:"id_column"`
	// CheckpointPath is a file path or a gs://bucket/object URL.
	CheckpointPath string `yaml:"checkpoint_path"`
}

// RetryConfig holds the reconnection policy.
type RetryConfig struct {
	MaxReconnectionAttempts int `yaml:"max_reconnection_attempts"` // Consecutive attempts before giving up.
	ReconnectTimeoutSeconds int `yaml:"reconnect_timeout_seconds"` // Fixed wait before each attempt.
	// TransientErrors lists the failures treated as a lost connection: registered error names,
	// Go type names, message fragments or MySQL error numbers.
	TransientErrors []string `yaml:"transient_errors"`
}

// CheckpointConfig holds options for remote checkpoint stores.
type CheckpointConfig struct {
	CredentialsFile string `yaml:"credentials_file"` // Service account key for gs:// paths.
	Endpoint        string `yaml:"endpoint"`         // GCS endpoint override, e.g. an emulator.
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the logging level: TRACE, DEBUG, INFO, WARN, ERROR, FATAL or SILENT.
	Level string `yaml:"level"`
}

// SystemConfig holds system-wide settings.
type SystemConfig struct {
	Logging LoggingConfig `yaml:"logging"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Path          string `yaml:"path"`
}

// TracingConfig controls OpenTelemetry span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	// Exporter is "grpc" or "http" (OTLP).
	Exporter    string `yaml:"exporter"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// BatchCursorConfig holds everything under the "batchcursor" top-level key.
type BatchCursorConfig struct {
	Batch      BatchConfig      `yaml:"batch"`
	Retry      RetryConfig      `yaml:"retry"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	System     SystemConfig     `yaml:"system"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	// Database holds named connection settings, decoded with dbconfig.Decode.
	Database map[string]interface{} `yaml:"database"`
}

// Config is the root structure for the entire application configuration.
type Config struct {
	BatchCursor BatchCursorConfig `yaml:"batchcursor"`
	// EmbeddedConfig holds configuration loaded from an embedded source, not from YAML.
	EmbeddedConfig EmbeddedConfig `yaml:"-"`
}

// NewConfig returns a new instance of Config with default values.
func NewConfig() *Config {
	return &Config{
		BatchCursor: BatchCursorConfig{
			Batch: BatchConfig{
				DBRef:          "default",
				BatchSize:      1,
				StartID:        0,
				SQLQuery:       DefaultSQLQuery,
				SQLCommand:     DefaultSQLCommand,
				IDColumn:       "id",
				CheckpointPath: "checkpoint.json",
			},
			Retry: RetryConfig{
				MaxReconnectionAttempts: 3,
				ReconnectTimeoutSeconds: 3,
			},
			System: SystemConfig{
				Logging: LoggingConfig{Level: "INFO"},
			},
			Metrics: MetricsConfig{
				ListenAddress: ":9090",
				Path:          "/metrics",
			},
			Tracing: TracingConfig{
				Exporter:    "grpc",
				ServiceName: "batchcursor",
			},
			Database: map[string]interface{}{},
		},
	}
}
