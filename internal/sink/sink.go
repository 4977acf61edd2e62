// Package sink delivers decoded rows to the configured analytical store.
// The snowpipe backend is the primary target; clickhouse and postgres exist
// for self-hosted deployments that want the same wide table locally.
package sink

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"meshpipe/internal/config"
	"meshpipe/internal/mesh"
	"meshpipe/internal/snowpipe"
)

// Sink is a batch row destination. WriteBatch is called from a single
// goroutine; implementations do not need to be re-entrant.
type Sink interface {
	Name() string
	Open(ctx context.Context) error
	WriteBatch(ctx context.Context, rows []mesh.Row) error
	// Close flushes whatever confirmation the backend offers and releases
	// the connection. Best effort during shutdown.
	Close(ctx context.Context) error
}

// New builds the sink selected by cfg.Sink.
func New(cfg config.Config, log zerolog.Logger) (Sink, error) {
	switch cfg.Sink {
	case config.SinkSnowpipe:
		auth, err := newAuthenticator(cfg.Snowflake)
		if err != nil {
			return nil, err
		}
		return NewSnowpipeSink(cfg.Snowflake, auth, log), nil
	case config.SinkClickHouse:
		return NewClickHouseSink(cfg.ClickHouse, log), nil
	case config.SinkPostgres:
		return NewPostgresSink(cfg.Postgres, log), nil
	}
	return nil, fmt.Errorf("sink: unknown backend %q", cfg.Sink)
}

func newAuthenticator(cfg config.SnowflakeConfig) (snowpipe.Authenticator, error) {
	if cfg.PAT != "" {
		return snowpipe.NewPATAuth(cfg.PAT), nil
	}
	return snowpipe.NewKeyPairAuth(cfg.Account, cfg.User, cfg.Role, cfg.PrivateKeyFile)
}
