package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog"

	"meshpipe/internal/config"
	"meshpipe/internal/mesh"
)

// ClickHouseSink writes batches to a local ClickHouse table with the same
// wide layout as the warehouse.
type ClickHouseSink struct {
	cfg  config.ClickHouseConfig
	log  zerolog.Logger
	conn driver.Conn
}

func NewClickHouseSink(cfg config.ClickHouseConfig, log zerolog.Logger) *ClickHouseSink {
	return &ClickHouseSink{cfg: cfg, log: log}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Open(ctx context.Context) error {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)},
		Auth: clickhouse.Auth{
			Database: s.cfg.Database,
			Username: s.cfg.User,
			Password: s.cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("ping clickhouse: %w", err)
	}
	s.conn = conn
	return nil
}

// CreateSchema creates the packet table. Called by the initdb command, not
// on the hot path.
func (s *ClickHouseSink) CreateSchema(ctx context.Context) error {
	var cols []string
	for _, c := range columns {
		cols = append(cols, fmt.Sprintf("%s %s", c.name, chType(c)))
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(ingested_at)
	ORDER BY (packet_type, ingested_at)
	SETTINGS index_granularity = 8192`, s.cfg.Table, strings.Join(cols, ",\n\t\t"))

	if err := s.conn.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func chType(c column) string {
	var base string
	switch c.kind {
	case kindTimestamp:
		return "DateTime64(3)"
	case kindString:
		base = "String"
	case kindInt:
		base = "Int64"
	case kindFloat:
		base = "Float64"
	case kindBool:
		base = "Bool"
	}
	// The two mandatory columns stay non-nullable for the sort key.
	if c.name == "packet_type" {
		return "LowCardinality(String)"
	}
	return fmt.Sprintf("Nullable(%s)", base)
}

func (s *ClickHouseSink) WriteBatch(ctx context.Context, rows []mesh.Row) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s)", s.cfg.Table, strings.Join(columnNames(), ", ")))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for i := range rows {
		if err := batch.Append(rowValues(&rows[i])...); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close(context.Context) error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
