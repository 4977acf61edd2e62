package sink

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"meshpipe/internal/config"
	"meshpipe/internal/mesh"
	"meshpipe/internal/snowpipe"
)

// commitWait bounds the shutdown commit confirmation poll.
const commitWait = 10 * time.Second

// SnowpipeSink streams rows to the warehouse over the streaming append API.
type SnowpipeSink struct {
	client *snowpipe.Client
	log    zerolog.Logger
}

func NewSnowpipeSink(cfg config.SnowflakeConfig, auth snowpipe.Authenticator, log zerolog.Logger) *SnowpipeSink {
	return &SnowpipeSink{
		client: snowpipe.NewClient(cfg, auth, log),
		log:    log,
	}
}

func (s *SnowpipeSink) Name() string { return "snowpipe" }

func (s *SnowpipeSink) Open(ctx context.Context) error {
	return s.client.Open(ctx)
}

func (s *SnowpipeSink) WriteBatch(ctx context.Context, rows []mesh.Row) error {
	records := make([]map[string]any, len(rows))
	for i := range rows {
		records[i] = rows[i].Record()
	}
	return s.client.SendBatch(ctx, records)
}

// Close waits briefly for the server to confirm the last offset, then drops
// the channel. A missed confirmation is logged, not fatal: the rows were
// accepted and the server commits them on its own schedule.
func (s *SnowpipeSink) Close(ctx context.Context) error {
	if err := s.client.WaitForCommit(ctx, commitWait); err != nil {
		s.log.Warn().Err(err).Msg("commit confirmation not observed before close")
	}
	s.client.Close()

	st := s.client.Stats()
	s.log.Info().
		Uint64("rows", st.RowsSent).
		Uint64("batches", st.BatchesSent).
		Uint64("retries", st.Retries).
		Uint64("channel_reopens", st.ChannelReopens).
		Msg("session summary")
	return nil
}

// Stats exposes the session counters for the shutdown summary.
func (s *SnowpipeSink) Stats() snowpipe.Stats {
	return s.client.Stats()
}
