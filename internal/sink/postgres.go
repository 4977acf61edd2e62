package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"meshpipe/internal/config"
	"meshpipe/internal/mesh"
)

// PostgresSink writes batches to Postgres via COPY.
type PostgresSink struct {
	cfg  config.PostgresConfig
	log  zerolog.Logger
	pool *pgxpool.Pool
}

func NewPostgresSink(cfg config.PostgresConfig, log zerolog.Logger) *PostgresSink {
	return &PostgresSink{cfg: cfg, log: log}
}

func (s *PostgresSink) Name() string { return "postgres" }

func (s *PostgresSink) Open(ctx context.Context) error {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		s.cfg.User, s.cfg.Password, s.cfg.Host, s.cfg.Port, s.cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return fmt.Errorf("parse postgres config: %w", err)
	}
	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	s.pool = pool
	return nil
}

// CreateSchema creates the packet table. Called by the initdb command.
func (s *PostgresSink) CreateSchema(ctx context.Context) error {
	var cols []string
	for _, c := range columns {
		cols = append(cols, fmt.Sprintf("%s %s", c.name, pgType(c)))
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		%s
	);
	CREATE INDEX IF NOT EXISTS idx_%s_type_time ON %s(packet_type, ingested_at);
	CREATE INDEX IF NOT EXISTS idx_%s_from ON %s(from_id);`,
		s.cfg.Table, strings.Join(cols, ",\n\t\t"),
		s.cfg.Table, s.cfg.Table, s.cfg.Table, s.cfg.Table)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func pgType(c column) string {
	switch c.kind {
	case kindTimestamp:
		return "TIMESTAMPTZ NOT NULL"
	case kindString:
		if c.name == "packet_type" {
			return "TEXT NOT NULL"
		}
		return "TEXT"
	case kindInt:
		return "BIGINT"
	case kindFloat:
		return "DOUBLE PRECISION"
	case kindBool:
		return "BOOLEAN"
	}
	return "TEXT"
}

func (s *PostgresSink) WriteBatch(ctx context.Context, rows []mesh.Row) error {
	if len(rows) == 0 {
		return nil
	}

	src := make([][]any, len(rows))
	for i := range rows {
		src[i] = rowValues(&rows[i])
	}
	_, err := s.pool.CopyFrom(ctx, pgx.Identifier{s.cfg.Table}, columnNames(), pgx.CopyFromRows(src))
	if err != nil {
		return fmt.Errorf("copy rows: %w", err)
	}
	return nil
}

func (s *PostgresSink) Close(context.Context) error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
