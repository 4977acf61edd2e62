// Package batch accumulates decoded rows and emits them in batches on two
// triggers: a row-count threshold and a flush interval. Emission is atomic
// with respect to Append, so a row lands in exactly one batch.
package batch

import (
	"sync"
	"time"

	"meshpipe/internal/mesh"
)

// Reason records which trigger emitted a batch. It only feeds logs and
// metrics; sinks treat all batches alike.
type Reason string

const (
	ReasonSize     Reason = "size"
	ReasonInterval Reason = "interval"
	ReasonShutdown Reason = "shutdown"
	ReasonReplay   Reason = "replay"
)

// Batch is an ordered slice of rows handed to the sink as one append call.
type Batch struct {
	Seq    uint64
	Reason Reason
	Rows   []mesh.Row
}

// Buffer is the dual-threshold accumulator. All methods are safe for
// concurrent use; rows leave in the order they arrived.
type Buffer struct {
	mu       sync.Mutex
	size     int
	interval time.Duration
	rows     []mesh.Row
	oldest   time.Time // arrival of rows[0], zero when empty
	seq      uint64
}

// NewBuffer returns a buffer that emits at size rows or when the oldest
// buffered row has waited interval.
func NewBuffer(size int, interval time.Duration) *Buffer {
	return &Buffer{
		size:     size,
		interval: interval,
		rows:     make([]mesh.Row, 0, size),
	}
}

// Append adds one row. When the row fills the buffer to the size threshold
// the full batch is returned and the buffer is reset; otherwise the return
// is nil.
func (b *Buffer) Append(row mesh.Row) *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.rows) == 0 {
		b.oldest = time.Now()
	}
	b.rows = append(b.rows, row)
	if len(b.rows) < b.size {
		return nil
	}
	return b.takeLocked(ReasonSize)
}

// FlushExpired emits the buffered rows if the oldest has waited at least the
// flush interval. The pipeline calls this from its ticker. An empty or
// not-yet-due buffer returns nil.
func (b *Buffer) FlushExpired(now time.Time) *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.rows) == 0 || now.Sub(b.oldest) < b.interval {
		return nil
	}
	return b.takeLocked(ReasonInterval)
}

// ForceFlush emits whatever is buffered regardless of thresholds. Used on
// shutdown. Nil when empty: an empty flush never reaches the sink.
func (b *Buffer) ForceFlush() *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.rows) == 0 {
		return nil
	}
	return b.takeLocked(ReasonShutdown)
}

// SkipTo advances the sequence counter past seq so batches emitted this run
// never collide with batch numbers journaled by a previous run.
func (b *Buffer) SkipTo(seq uint64) {
	b.mu.Lock()
	if seq > b.seq {
		b.seq = seq
	}
	b.mu.Unlock()
}

// Len reports the number of buffered rows.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rows)
}

func (b *Buffer) takeLocked(reason Reason) *Batch {
	b.seq++
	batch := &Batch{Seq: b.seq, Reason: reason, Rows: b.rows}
	b.rows = make([]mesh.Row, 0, b.size)
	b.oldest = time.Time{}
	return batch
}
