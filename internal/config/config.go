// Package config loads and validates the streamer configuration.
//
// Configuration is read from a YAML file (JSON files from older deployments
// load through the same path, since every JSON document is valid YAML). All
// validation happens before any transport or network channel is opened, so a
// bad config never leaves half-open resources behind.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Connection types accepted for Device.ConnectionType.
const (
	ConnAuto   = "auto"
	ConnSerial = "serial"
	ConnBLE    = "ble"
	ConnTCP    = "tcp"
)

// Sink backends accepted for Config.Sink.
const (
	SinkSnowpipe   = "snowpipe"
	SinkClickHouse = "clickhouse"
	SinkPostgres   = "postgres"
)

// ValidationError reports an invalid or missing configuration value. It is
// fatal at startup.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config is the full streamer configuration.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Device DeviceConfig `yaml:"device"`
	Batch  BatchConfig  `yaml:"batch"`

	// Sink selects the delivery backend: snowpipe (default), clickhouse or
	// postgres.
	Sink       string           `yaml:"sink"`
	Snowflake  SnowflakeConfig  `yaml:"snowflake"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Postgres   PostgresConfig   `yaml:"postgres"`

	Spool   SpoolConfig   `yaml:"spool"`
	Tap     TapConfig     `yaml:"tap"`
	Metrics MetricsConfig `yaml:"metrics"`

	// ShutdownGraceSeconds bounds the final flush + send on termination.
	ShutdownGraceSeconds float64 `yaml:"shutdown_grace_seconds"`
}

// LogConfig controls the zerolog setup.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DeviceConfig describes how to reach the mesh device.
type DeviceConfig struct {
	// ConnectionType is one of auto, serial, ble, tcp.
	ConnectionType string `yaml:"connection_type"`
	// DevicePath is the serial device path (serial) or BLE address (ble).
	DevicePath string `yaml:"device_path"`
	// Hostname is the device host[:port] for TCP connections.
	Hostname string `yaml:"hostname"`
	// BLEAddress is a known BLE address tried during auto discovery.
	BLEAddress string `yaml:"ble_address"`
	// BLEScanTimeoutSeconds bounds a BLE discovery scan.
	BLEScanTimeoutSeconds float64 `yaml:"ble_scan_timeout_seconds"`
	// QueueSize bounds the raw packet queue between the transport read loop
	// and the decoder. A full queue blocks the read loop.
	QueueSize int `yaml:"queue_size"`
}

// BatchConfig controls the dual-threshold batch buffer.
type BatchConfig struct {
	Size                 int     `yaml:"size"`
	FlushIntervalSeconds float64 `yaml:"flush_interval_seconds"`
}

// FlushInterval returns the flush interval as a duration.
func (b BatchConfig) FlushInterval() time.Duration {
	return time.Duration(b.FlushIntervalSeconds * float64(time.Second))
}

// SnowflakeConfig holds Snowpipe Streaming v2 connection settings.
type SnowflakeConfig struct {
	Account string `yaml:"account"`
	User    string `yaml:"user"`
	Role    string `yaml:"role"`

	// PAT is a pre-issued programmatic access token. If set it takes
	// precedence over key-pair auth.
	PAT string `yaml:"pat"`
	// PrivateKeyFile is a PEM-encoded RSA private key for key-pair JWT auth.
	PrivateKeyFile string `yaml:"private_key_file"`

	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
	// Pipe is the streaming pipe name. Falls back to Table for configs that
	// predate pipes.
	Pipe  string `yaml:"pipe"`
	Table string `yaml:"table"`
	// ChannelName is the base channel name; a timestamp suffix is appended
	// per session so restarts never collide with a stale channel.
	ChannelName string `yaml:"channel_name"`
}

// PipeName returns the pipe identifier, falling back to the table name.
func (s SnowflakeConfig) PipeName() string {
	if s.Pipe != "" {
		return s.Pipe
	}
	return s.Table
}

// ClickHouseConfig holds settings for the ClickHouse sink.
type ClickHouseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

// PostgresConfig holds settings for the Postgres sink.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
}

// SpoolConfig controls the durable SQLite row journal.
type SpoolConfig struct {
	// Path is the SQLite file location. Empty disables the spool.
	Path string `yaml:"path"`
}

// TapConfig controls the optional NATS live tap.
type TapConfig struct {
	// URL is the NATS server URL. Empty disables the tap.
	URL string `yaml:"url"`
	// SubjectPrefix is prepended to the packet type, e.g. mesh.rows.position.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig controls the Prometheus /metrics listener.
type MetricsConfig struct {
	// Listen is the listen address, e.g. ":9143". Empty disables the listener.
	Listen string `yaml:"listen"`
}

// Default returns the configuration defaults applied before file values.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Device: DeviceConfig{
			ConnectionType:        ConnAuto,
			BLEScanTimeoutSeconds: 10,
			QueueSize:             256,
		},
		Batch: BatchConfig{
			Size:                 10,
			FlushIntervalSeconds: 5,
		},
		Sink: SinkSnowpipe,
		Snowflake: SnowflakeConfig{
			Role:        "PUBLIC",
			ChannelName: "MESH_CHNL",
		},
		ClickHouse: ClickHouseConfig{
			Host:  "localhost",
			Port:  9000,
			User:  "default",
			Table: "mesh_packets",
		},
		Postgres: PostgresConfig{
			Host:  "localhost",
			Port:  5432,
			Table: "mesh_packets",
		},
		Tap:                  TapConfig{SubjectPrefix: "mesh.rows"},
		ShutdownGraceSeconds: 15,
	}
}

// Load reads, parses and validates the configuration file at path.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for fatal errors.
func (c *Config) Validate() error {
	switch c.Device.ConnectionType {
	case ConnAuto, ConnSerial, ConnBLE, ConnTCP:
	default:
		return &ValidationError{"device.connection_type",
			fmt.Sprintf("unknown type %q (want auto, serial, ble or tcp)", c.Device.ConnectionType)}
	}
	if c.Device.ConnectionType == ConnTCP && c.Device.Hostname == "" {
		return &ValidationError{"device.hostname", "required for tcp connections"}
	}
	if c.Device.QueueSize <= 0 {
		return &ValidationError{"device.queue_size", "must be positive"}
	}

	if c.Batch.Size <= 0 {
		return &ValidationError{"batch.size", "must be a positive integer"}
	}
	if c.Batch.FlushIntervalSeconds <= 0 {
		return &ValidationError{"batch.flush_interval_seconds", "must be positive"}
	}

	switch c.Sink {
	case SinkSnowpipe:
		sf := c.Snowflake
		if sf.Account == "" {
			return &ValidationError{"snowflake.account", "required"}
		}
		if sf.User == "" {
			return &ValidationError{"snowflake.user", "required"}
		}
		if sf.PAT == "" && sf.PrivateKeyFile == "" {
			return &ValidationError{"snowflake",
				"no authentication configured: set pat or private_key_file"}
		}
		if sf.Database == "" || sf.Schema == "" {
			return &ValidationError{"snowflake", "database and schema are required"}
		}
		if sf.PipeName() == "" {
			return &ValidationError{"snowflake.pipe", "pipe or table is required"}
		}
	case SinkClickHouse:
		if c.ClickHouse.Database == "" {
			return &ValidationError{"clickhouse.database", "required"}
		}
	case SinkPostgres:
		if c.Postgres.Database == "" {
			return &ValidationError{"postgres.database", "required"}
		}
		if c.Postgres.User == "" {
			return &ValidationError{"postgres.user", "required"}
		}
	default:
		return &ValidationError{"sink",
			fmt.Sprintf("unknown sink %q (want snowpipe, clickhouse or postgres)", c.Sink)}
	}

	if c.ShutdownGraceSeconds <= 0 {
		return &ValidationError{"shutdown_grace_seconds", "must be positive"}
	}
	return nil
}

// ShutdownGrace returns the shutdown grace period as a duration.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds * float64(time.Second))
}
