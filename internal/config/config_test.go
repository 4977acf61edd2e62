package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func validSnowpipe() string {
	return `
device:
  connection_type: serial
  device_path: /dev/ttyUSB0
snowflake:
  account: myacct
  user: streamer
  pat: token-123
  database: MESH
  schema: RAW
  table: mesh_packets
`
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validSnowpipe()))
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Batch.Size)
	assert.Equal(t, 5*time.Second, cfg.Batch.FlushInterval())
	assert.Equal(t, SinkSnowpipe, cfg.Sink)
	assert.Equal(t, "PUBLIC", cfg.Snowflake.Role)
	assert.Equal(t, "MESH_CHNL", cfg.Snowflake.ChannelName)
	assert.Equal(t, 256, cfg.Device.QueueSize)
	assert.Equal(t, 15*time.Second, cfg.ShutdownGrace())
}

func TestLoad_JSONConfigStillParses(t *testing.T) {
	// Older deployments shipped JSON configs; JSON is a YAML subset.
	cfg, err := Load(writeConfig(t, `{"device": {"connection_type": "tcp", "hostname": "node.local"},
		"snowflake": {"account": "a", "user": "u", "pat": "p", "database": "d", "schema": "s", "table": "t"}}`))
	require.NoError(t, err)
	assert.Equal(t, ConnTCP, cfg.Device.ConnectionType)
	assert.Equal(t, "node.local", cfg.Device.Hostname)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantField string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad connection type", func(c *Config) { c.Device.ConnectionType = "carrier-pigeon" }, "device.connection_type"},
		{"tcp without hostname", func(c *Config) { c.Device.ConnectionType = ConnTCP; c.Device.Hostname = "" }, "device.hostname"},
		{"zero queue", func(c *Config) { c.Device.QueueSize = 0 }, "device.queue_size"},
		{"zero batch size", func(c *Config) { c.Batch.Size = 0 }, "batch.size"},
		{"negative batch size", func(c *Config) { c.Batch.Size = -3 }, "batch.size"},
		{"zero flush interval", func(c *Config) { c.Batch.FlushIntervalSeconds = 0 }, "batch.flush_interval_seconds"},
		{"unknown sink", func(c *Config) { c.Sink = "parquet" }, "sink"},
		{"snowpipe without account", func(c *Config) { c.Snowflake.Account = "" }, "snowflake.account"},
		{"snowpipe without auth", func(c *Config) { c.Snowflake.PAT = ""; c.Snowflake.PrivateKeyFile = "" }, "snowflake"},
		{"snowpipe without pipe or table", func(c *Config) { c.Snowflake.Pipe = ""; c.Snowflake.Table = "" }, "snowflake.pipe"},
		{"postgres without user", func(c *Config) {
			c.Sink = SinkPostgres
			c.Postgres.Database = "mesh"
			c.Postgres.User = ""
		}, "postgres.user"},
		{"clickhouse without database", func(c *Config) {
			c.Sink = SinkClickHouse
			c.ClickHouse.Database = ""
		}, "clickhouse.database"},
		{"zero grace", func(c *Config) { c.ShutdownGraceSeconds = 0 }, "shutdown_grace_seconds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Device.ConnectionType = ConnSerial
			cfg.Snowflake.Account = "a"
			cfg.Snowflake.User = "u"
			cfg.Snowflake.PAT = "p"
			cfg.Snowflake.Database = "d"
			cfg.Snowflake.Schema = "s"
			cfg.Snowflake.Table = "t"
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}

func TestSnowflakeConfig_PipeName(t *testing.T) {
	s := SnowflakeConfig{Table: "mesh_packets"}
	assert.Equal(t, "mesh_packets", s.PipeName())
	s.Pipe = "MESH_PIPE"
	assert.Equal(t, "MESH_PIPE", s.PipeName())
}
