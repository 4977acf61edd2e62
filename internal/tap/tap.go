// Package tap publishes every decoded row to NATS for live consumers such
// as dashboards and alerting. Delivery is fire-and-forget: the tap never
// blocks or fails the ingest path.
package tap

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"meshpipe/internal/config"
	"meshpipe/internal/mesh"
)

// Tap is a connected NATS publisher. A nil *Tap is a no-op, so callers can
// hold one unconditionally.
type Tap struct {
	nc     *nats.Conn
	prefix string
	log    zerolog.Logger
}

// Connect dials the configured NATS server. Returns (nil, nil) when the tap
// is not configured.
func Connect(cfg config.TapConfig, log zerolog.Logger) (*Tap, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("meshpipe"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Tap{nc: nc, prefix: cfg.SubjectPrefix, log: log}, nil
}

// Publish sends the row on <prefix>.<packet_type>. Errors are logged and
// swallowed; a down tap must not stall ingestion.
func (t *Tap) Publish(row *mesh.Row) {
	if t == nil {
		return
	}
	data, err := json.Marshal(row.Record())
	if err != nil {
		t.log.Warn().Err(err).Msg("tap marshal failed")
		return
	}
	subject := fmt.Sprintf("%s.%s", t.prefix, row.Type)
	if err := t.nc.Publish(subject, data); err != nil {
		t.log.Warn().Err(err).Str("subject", subject).Msg("tap publish failed")
	}
}

// Close drains the connection so buffered publishes flush.
func (t *Tap) Close() {
	if t == nil {
		return
	}
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
	}
}
