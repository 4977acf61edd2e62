// Package spool is a durable journal of rows that have been batched but not
// yet confirmed by the sink. Rows are appended when a batch is handed to the
// sink, deleted once the write succeeds, and replayed at startup so a crash
// between those two points loses nothing.
package spool

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"meshpipe/internal/mesh"
)

// Spool wraps the SQLite journal.
type Spool struct {
	db *sql.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}

	// WAL keeps appends cheap while the replay query runs at startup.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create spool schema: %w", err)
	}
	return &Spool{db: db}, nil
}

func (s *Spool) Close() error {
	return s.db.Close()
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_rows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_seq INTEGER NOT NULL,
		row_json TEXT NOT NULL,
		spooled_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pending_batch ON pending_rows(batch_seq);
	`
	_, err := db.Exec(schema)
	return err
}

// Append journals the rows of one batch before the sink write. The whole
// batch lands in one transaction so replay never sees half a batch.
func (s *Spool) Append(batchSeq uint64, rows []mesh.Row) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin spool append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT INTO pending_rows (batch_seq, row_json, spooled_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare spool insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i := range rows {
		data, err := json.Marshal(rowEnvelope{Row: &rows[i]})
		if err != nil {
			return fmt.Errorf("marshal spooled row: %w", err)
		}
		if _, err := stmt.Exec(batchSeq, string(data), now); err != nil {
			return fmt.Errorf("insert spooled row: %w", err)
		}
	}
	return tx.Commit()
}

// Delete removes a confirmed batch from the journal.
func (s *Spool) Delete(batchSeq uint64) error {
	if _, err := s.db.Exec(`DELETE FROM pending_rows WHERE batch_seq = ?`, batchSeq); err != nil {
		return fmt.Errorf("delete spooled batch %d: %w", batchSeq, err)
	}
	return nil
}

// PendingBatch is one journaled batch awaiting sink confirmation.
type PendingBatch struct {
	Seq  uint64
	Rows []mesh.Row
}

// Replay returns the journaled batches in insert order. Rows stay journaled
// until Delete confirms each batch, so a crash during or after replay still
// loses nothing.
func (s *Spool) Replay() ([]PendingBatch, error) {
	rows, err := s.db.Query(`SELECT batch_seq, row_json FROM pending_rows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query spooled rows: %w", err)
	}
	defer rows.Close()

	var out []PendingBatch
	for rows.Next() {
		var seq uint64
		var data string
		if err := rows.Scan(&seq, &data); err != nil {
			return nil, fmt.Errorf("scan spooled row: %w", err)
		}
		var env rowEnvelope
		env.Row = &mesh.Row{}
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return nil, fmt.Errorf("unmarshal spooled row: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].Seq != seq {
			out = append(out, PendingBatch{Seq: seq})
		}
		out[len(out)-1].Rows = append(out[len(out)-1].Rows, *env.Row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spooled rows: %w", err)
	}
	return out, nil
}

// Pending returns the number of journaled rows.
func (s *Spool) Pending() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pending_rows`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count spooled rows: %w", err)
	}
	return n, nil
}

// rowEnvelope keeps the JSON shape stable across Row field reordering.
type rowEnvelope struct {
	Row *mesh.Row `json:"row"`
}
