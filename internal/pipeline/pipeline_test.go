package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"meshpipe/internal/config"
	"meshpipe/internal/device"
	"meshpipe/internal/mesh"
	"meshpipe/internal/snowpipe"
	"meshpipe/internal/spool"
)

// fakeSource feeds scripted packets through the callback, then idles until
// stopped.
type fakeSource struct {
	packets  []mesh.RawPacket
	cb       device.Callback
	stopOnce sync.Once
	stopCh   chan struct{}
}

func newFakeSource(packets ...mesh.RawPacket) *fakeSource {
	return &fakeSource{packets: packets, stopCh: make(chan struct{})}
}

func (f *fakeSource) Subscribe(cb device.Callback) { f.cb = cb }

func (f *fakeSource) Run(ctx context.Context) error {
	for _, pkt := range f.packets {
		f.cb(pkt)
	}
	select {
	case <-ctx.Done():
	case <-f.stopCh:
	}
	return nil
}

func (f *fakeSource) Disconnect() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

// fakeSink records delivered batches and can fail the first N writes.
type fakeSink struct {
	mu       sync.Mutex
	batches  [][]mesh.Row
	failures int
	failWith error
	closed   bool
}

func (s *fakeSink) Name() string               { return "fake" }
func (s *fakeSink) Open(context.Context) error { return nil }
func (s *fakeSink) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) WriteBatch(_ context.Context, rows []mesh.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return s.failWith
	}
	cp := make([]mesh.Row, len(rows))
	copy(cp, rows)
	s.batches = append(s.batches, cp)
	return nil
}

func (s *fakeSink) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func textPacket(i int) mesh.RawPacket {
	payload := fmt.Sprintf(`{"fromId":"!node%02d","decoded":{"portnum":"TEXT_MESSAGE_APP","text":"msg %d"}}`, i, i)
	return mesh.RawPacket{
		Kind:      mesh.TypeText,
		Payload:   []byte(payload),
		Received:  time.Now().UTC(),
		Transport: "serial",
	}
}

func testConfig(batchSize int) config.Config {
	cfg := config.Default()
	cfg.Batch.Size = batchSize
	cfg.Batch.FlushIntervalSeconds = 60 // never on the ticker in tests
	cfg.ShutdownGraceSeconds = 5
	return cfg
}

func TestPipeline_ShutdownFlushesPartialBatch(t *testing.T) {
	src := newFakeSource(textPacket(0), textPacket(1), textPacket(2), textPacket(3))
	snk := &fakeSink{}
	p := assemble(testConfig(10), zerolog.Nop(), src, snk, nil, nil)

	src.Disconnect() // stop as soon as the script has been fed
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := snk.rowCount(); got != 4 {
		t.Fatalf("rows delivered = %d, want 4 (partial batch flushed on shutdown)", got)
	}
	if len(snk.batches) != 1 {
		t.Errorf("batches = %d, want 1", len(snk.batches))
	}
	if !snk.closed {
		t.Error("sink not closed after shutdown")
	}
}

func TestPipeline_SizeThresholdAndOrder(t *testing.T) {
	var packets []mesh.RawPacket
	for i := 0; i < 10; i++ {
		packets = append(packets, textPacket(i))
	}
	src := newFakeSource(packets...)
	snk := &fakeSink{}
	p := assemble(testConfig(3), zerolog.Nop(), src, snk, nil, nil)

	src.Disconnect()
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := snk.rowCount(); got != 10 {
		t.Fatalf("rows delivered = %d, want 10", got)
	}
	i := 0
	for _, b := range snk.batches {
		for _, row := range b {
			want := fmt.Sprintf("!node%02d", i)
			if row.FromID != want {
				t.Fatalf("row %d from %s, want %s (order violated)", i, row.FromID, want)
			}
			i++
		}
	}
}

func TestPipeline_SpoolPreservesRowsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")

	// First run: the sink rejects everything, rows must stay journaled.
	sp1, err := spool.Open(path)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	src1 := newFakeSource(textPacket(0), textPacket(1), textPacket(2))
	broken := &fakeSink{failures: 100, failWith: errors.New("warehouse unreachable")}
	p1 := assemble(testConfig(3), zerolog.Nop(), src1, broken, sp1, nil)

	src1.Disconnect()
	if err := p1.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v (transient sink failure must not be fatal)", err)
	}
	if got := broken.rowCount(); got != 0 {
		t.Fatalf("broken sink received %d rows, want 0", got)
	}

	// Second run: no new packets, the journaled rows replay and deliver.
	sp2, err := spool.Open(path)
	if err != nil {
		t.Fatalf("reopen spool: %v", err)
	}
	src2 := newFakeSource()
	healthy := &fakeSink{}
	p2 := assemble(testConfig(3), zerolog.Nop(), src2, healthy, sp2, nil)

	src2.Disconnect()
	if err := p2.Run(context.Background()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if got := healthy.rowCount(); got != 3 {
		t.Fatalf("replayed rows delivered = %d, want 3 (exactly once)", got)
	}

	// Third run: the journal was cleared on confirmation, nothing replays.
	sp3, err := spool.Open(path)
	if err != nil {
		t.Fatalf("reopen spool: %v", err)
	}
	src3 := newFakeSource()
	empty := &fakeSink{}
	p3 := assemble(testConfig(3), zerolog.Nop(), src3, empty, sp3, nil)

	src3.Disconnect()
	if err := p3.Run(context.Background()); err != nil {
		t.Fatalf("third Run() error = %v", err)
	}
	if got := empty.rowCount(); got != 0 {
		t.Fatalf("third run delivered %d rows, want 0 (no duplicates)", got)
	}
}

func TestPipeline_ReplaysBacklogLargerThanChannel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")

	// Journal far more batches than the dispatch channel can hold, as after
	// a long sink outage.
	sp, err := spool.Open(path)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	const batches = 8
	for seq := 1; seq <= batches; seq++ {
		rows := []mesh.Row{
			{Type: mesh.TypeText, FromID: fmt.Sprintf("!batch%02da", seq)},
			{Type: mesh.TypeText, FromID: fmt.Sprintf("!batch%02db", seq)},
		}
		if err := sp.Append(uint64(seq), rows); err != nil {
			t.Fatalf("Append(%d) error = %v", seq, err)
		}
	}
	sp.Close()

	sp2, err := spool.Open(path)
	if err != nil {
		t.Fatalf("reopen spool: %v", err)
	}
	src := newFakeSource()
	snk := &fakeSink{}
	p := assemble(testConfig(3), zerolog.Nop(), src, snk, sp2, nil)

	src.Disconnect()
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("Run() did not return, replay wedged on the dispatch channel")
	}

	if got := snk.rowCount(); got != batches*2 {
		t.Fatalf("rows delivered = %d, want %d", got, batches*2)
	}
	if len(snk.batches) != batches {
		t.Errorf("batches delivered = %d, want %d", len(snk.batches), batches)
	}
}

func TestPipeline_ReplayedRowsStayJournaledUntilConfirmed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")

	// First run journals a partial batch that the broken sink rejects.
	sp1, err := spool.Open(path)
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	src1 := newFakeSource(textPacket(0), textPacket(1), textPacket(2))
	broken1 := &fakeSink{failures: 100, failWith: errors.New("warehouse unreachable")}
	p1 := assemble(testConfig(10), zerolog.Nop(), src1, broken1, sp1, nil)
	src1.Disconnect()
	if err := p1.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	// Second run replays them into a sink that is still down. The rows must
	// remain journaled, not be consumed by the replay itself.
	sp2, err := spool.Open(path)
	if err != nil {
		t.Fatalf("reopen spool: %v", err)
	}
	src2 := newFakeSource()
	broken2 := &fakeSink{failures: 100, failWith: errors.New("warehouse unreachable")}
	p2 := assemble(testConfig(10), zerolog.Nop(), src2, broken2, sp2, nil)
	src2.Disconnect()
	if err := p2.Run(context.Background()); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	sp3, err := spool.Open(path)
	if err != nil {
		t.Fatalf("reopen spool: %v", err)
	}
	if n, _ := sp3.Pending(); n != 3 {
		t.Fatalf("pending after failed replay = %d, want 3 (rows must survive)", n)
	}
	sp3.Close()

	// Third run: the sink is back, the rows finally land, exactly once.
	sp4, err := spool.Open(path)
	if err != nil {
		t.Fatalf("reopen spool: %v", err)
	}
	src3 := newFakeSource()
	healthy := &fakeSink{}
	p3 := assemble(testConfig(10), zerolog.Nop(), src3, healthy, sp4, nil)
	src3.Disconnect()
	if err := p3.Run(context.Background()); err != nil {
		t.Fatalf("third Run() error = %v", err)
	}
	if got := healthy.rowCount(); got != 3 {
		t.Fatalf("rows delivered = %d, want 3", got)
	}
}

func TestPipeline_AuthFailureHaltsRun(t *testing.T) {
	src := newFakeSource(textPacket(0))
	snk := &fakeSink{
		failures: 100,
		failWith: &snowpipe.AuthError{Op: "append", Err: errors.New("token revoked")},
	}
	p := assemble(testConfig(1), zerolog.Nop(), src, snk, nil, nil)

	err := p.Run(context.Background())
	var authErr *snowpipe.AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Run() error = %v, want *snowpipe.AuthError", err)
	}
}

func TestPipeline_DegradedPacketStillDelivered(t *testing.T) {
	src := newFakeSource(mesh.RawPacket{
		Kind:      mesh.TypeRaw,
		Payload:   []byte(`this is not json`),
		Received:  time.Now().UTC(),
		Transport: "serial",
	})
	snk := &fakeSink{}
	p := assemble(testConfig(10), zerolog.Nop(), src, snk, nil, nil)

	src.Disconnect()
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := snk.rowCount(); got != 1 {
		t.Fatalf("rows delivered = %d, want 1 (malformed packets degrade, never drop)", got)
	}
	if snk.batches[0][0].Type != mesh.TypeRaw {
		t.Errorf("row type = %s, want raw", snk.batches[0][0].Type)
	}
}
