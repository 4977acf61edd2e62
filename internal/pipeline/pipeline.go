// Package pipeline wires the device manager, decoder, batch buffer and sink
// into the ingest loop, and owns the shutdown sequence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"meshpipe/internal/batch"
	"meshpipe/internal/config"
	"meshpipe/internal/device"
	"meshpipe/internal/mesh"
	"meshpipe/internal/metrics"
	"meshpipe/internal/sink"
	"meshpipe/internal/snowpipe"
	"meshpipe/internal/spool"
	"meshpipe/internal/tap"
)

// source is the packet feed. Satisfied by device.Manager.
type source interface {
	Subscribe(device.Callback)
	Run(ctx context.Context) error
	Disconnect()
}

// Pipeline is the assembled ingest path. Build with New, drive with Run.
type Pipeline struct {
	cfg config.Config
	log zerolog.Logger

	src source
	snk sink.Sink
	sp  *spool.Spool
	tp  *tap.Tap
	buf *batch.Buffer

	batches chan *batch.Batch

	cancelRun context.CancelFunc

	mu       sync.Mutex
	fatalErr error

	received atomic.Uint64
	decoded  atomic.Uint64
	degraded atomic.Uint64
	sent     atomic.Uint64
	failed   atomic.Uint64
}

// New assembles the pipeline from configuration.
func New(cfg config.Config, log zerolog.Logger) (*Pipeline, error) {
	snk, err := sink.New(cfg, log.With().Str("component", "sink").Logger())
	if err != nil {
		return nil, err
	}

	var sp *spool.Spool
	if cfg.Spool.Path != "" {
		sp, err = spool.Open(cfg.Spool.Path)
		if err != nil {
			return nil, err
		}
	}

	tp, err := tap.Connect(cfg.Tap, log.With().Str("component", "tap").Logger())
	if err != nil {
		return nil, err
	}

	mgr := device.NewManager(cfg.Device, log.With().Str("component", "device").Logger())
	return assemble(cfg, log, mgr, snk, sp, tp), nil
}

// assemble is the wiring shared by New and the tests.
func assemble(cfg config.Config, log zerolog.Logger, src source, snk sink.Sink, sp *spool.Spool, tp *tap.Tap) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		log:     log,
		src:     src,
		snk:     snk,
		sp:      sp,
		tp:      tp,
		buf:     batch.NewBuffer(cfg.Batch.Size, cfg.Batch.FlushInterval()),
		batches: make(chan *batch.Batch, 4),
	}
}

// Run ingests until the context is cancelled or a fatal error halts the
// pipeline, then runs the shutdown sequence: stop intake, flush the buffer,
// drain in-flight batches within the grace period, close the sink.
func (p *Pipeline) Run(ctx context.Context) error {
	metrics.Serve(p.cfg.Metrics.Listen, p.log)

	if err := p.snk.Open(ctx); err != nil {
		return fmt.Errorf("open %s sink: %w", p.snk.Name(), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.cancelRun = cancel

	// Sends outlive runCtx so the final flush can still reach the sink. The
	// grace timer cancels them if the sink hangs.
	sendCtx, cancelSends := context.WithCancel(context.Background())
	defer cancelSends()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		p.consume(sendCtx)
	}()

	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		p.flushLoop(runCtx)
	}()

	// Replay dispatches through the bounded batch channel, so the consumer
	// must already be draining it.
	p.replaySpool()

	p.src.Subscribe(p.onPacket)
	srcErr := p.src.Run(runCtx)

	// Intake has stopped and every received packet has been through the
	// callback. Stop the ticker before closing the batch channel, then flush
	// what is left and drain.
	cancel()
	<-flushDone
	p.log.Info().Msg("intake stopped, flushing remaining rows")
	if b := p.buf.ForceFlush(); b != nil {
		p.dispatch(b)
	}
	close(p.batches)

	grace := time.AfterFunc(p.cfg.ShutdownGrace(), cancelSends)
	<-consumerDone
	grace.Stop()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), p.cfg.ShutdownGrace())
	defer closeCancel()
	if err := p.snk.Close(closeCtx); err != nil {
		p.log.Warn().Err(err).Msg("sink close failed")
	}
	p.tp.Close()
	p.closeSpool()
	p.logSummary()

	if fatal := p.fatal(); fatal != nil {
		return fatal
	}
	return srcErr
}

// Stop requests a graceful shutdown, equivalent to cancelling Run's context.
func (p *Pipeline) Stop() {
	p.src.Disconnect()
}

// onPacket is the device callback: decode, tap, buffer. Runs on the
// manager's delivery goroutine, one packet at a time.
func (p *Pipeline) onPacket(pkt mesh.RawPacket) {
	p.received.Add(1)
	metrics.PacketsReceived.WithLabelValues(pkt.Transport).Inc()

	row, err := mesh.Decode(pkt)
	if err != nil {
		p.degraded.Add(1)
		metrics.DecodeDegraded.Inc()
		p.log.Debug().Err(err).Str("kind", string(pkt.Kind)).Msg("packet degraded to raw row")
	}
	p.decoded.Add(1)
	metrics.RowsDecoded.WithLabelValues(string(row.Type)).Inc()

	p.tp.Publish(&row)
	p.enqueue(row)
}

func (p *Pipeline) enqueue(row mesh.Row) {
	if b := p.buf.Append(row); b != nil {
		p.dispatch(b)
	}
	metrics.BufferedRows.Set(float64(p.buf.Len()))
}

// dispatch hands a batch to the consumer. Blocking is deliberate: a slow
// sink backs up through the buffer to the transport read loop instead of
// dropping rows.
func (p *Pipeline) dispatch(b *batch.Batch) {
	p.batches <- b
}

func (p *Pipeline) flushLoop(ctx context.Context) {
	interval := p.cfg.Batch.FlushInterval() / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			if b := p.buf.FlushExpired(now); b != nil {
				p.dispatch(b)
			}
			metrics.BufferedRows.Set(float64(p.buf.Len()))
		}
	}
}

// consume is the single sink writer. Batches are journaled before the write
// and removed after confirmation, so a crash in between replays them.
func (p *Pipeline) consume(ctx context.Context) {
	for b := range p.batches {
		// Replayed batches are already journaled under their original seq.
		if p.sp != nil && b.Reason != batch.ReasonReplay {
			if err := p.sp.Append(b.Seq, b.Rows); err != nil {
				p.log.Error().Err(err).Uint64("batch", b.Seq).Msg("spool append failed")
			}
		}
		if p.fatal() != nil {
			// Halted: leave the rows journaled for the next run.
			continue
		}

		start := time.Now()
		err := p.snk.WriteBatch(ctx, b.Rows)
		metrics.SendDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			p.failed.Add(1)
			metrics.SendFailures.Inc()
			p.log.Error().Err(err).Uint64("batch", b.Seq).Int("rows", len(b.Rows)).Msg("batch send failed")

			var authErr *snowpipe.AuthError
			if errors.As(err, &authErr) {
				p.halt(err)
			}
			continue
		}

		p.sent.Add(uint64(len(b.Rows)))
		metrics.RowsSent.Add(float64(len(b.Rows)))
		metrics.BatchesSent.WithLabelValues(string(b.Reason)).Inc()
		if p.sp != nil {
			if err := p.sp.Delete(b.Seq); err != nil {
				p.log.Warn().Err(err).Uint64("batch", b.Seq).Msg("spool delete failed")
			}
		}
	}
}

// halt records a fatal error and stops intake. The shutdown sequence still
// runs so journaled rows survive.
func (p *Pipeline) halt(err error) {
	p.mu.Lock()
	if p.fatalErr == nil {
		p.fatalErr = err
	}
	p.mu.Unlock()
	p.log.Error().Err(err).Msg("fatal error, halting pipeline")
	if p.cancelRun != nil {
		p.cancelRun()
	}
}

func (p *Pipeline) fatal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatalErr
}

// replaySpool dispatches batches journaled by a previous run ahead of live
// traffic. They keep their original batch numbers, so confirmation deletes
// the original journal entries and a crash mid-replay changes nothing.
func (p *Pipeline) replaySpool() {
	if p.sp == nil {
		return
	}
	pending, err := p.sp.Replay()
	if err != nil {
		p.log.Error().Err(err).Msg("spool replay failed")
		return
	}
	if len(pending) == 0 {
		return
	}

	total := 0
	var maxSeq uint64
	for _, pb := range pending {
		total += len(pb.Rows)
		if pb.Seq > maxSeq {
			maxSeq = pb.Seq
		}
	}
	p.buf.SkipTo(maxSeq)

	p.log.Info().Int("rows", total).Int("batches", len(pending)).Msg("replaying spooled rows")
	for _, pb := range pending {
		p.dispatch(&batch.Batch{Seq: pb.Seq, Reason: batch.ReasonReplay, Rows: pb.Rows})
	}
}

func (p *Pipeline) closeSpool() {
	if p.sp == nil {
		return
	}
	if n, err := p.sp.Pending(); err == nil && n > 0 {
		p.log.Warn().Int("rows", n).Msg("unconfirmed rows remain journaled for next run")
	}
	if err := p.sp.Close(); err != nil {
		p.log.Warn().Err(err).Msg("spool close failed")
	}
}

func (p *Pipeline) logSummary() {
	p.log.Info().
		Uint64("packets_received", p.received.Load()).
		Uint64("rows_decoded", p.decoded.Load()).
		Uint64("degraded", p.degraded.Load()).
		Uint64("rows_sent", p.sent.Load()).
		Uint64("send_failures", p.failed.Load()).
		Msg("session summary")
}
