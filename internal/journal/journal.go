// Package journal implements a WAL-mode SQLite write-ahead journal
// recording which (thread, epoch) pairs have been durably flushed to their
// per-thread output file. spec.md §4.A's arena reclaims the freeable low
// half of an epoch's allocations once that epoch's CCT has been written
// out (`mem.c`'s hpcrun_reclaim_freeable_mem); this journal exists so that
// a crash between "file written" and "arena reclaimed" is detectable at
// the next process start, rather than silently losing or duplicating a
// reclaim.
//
// Grounded on internal/queue/sqlite_queue.go almost verbatim: single
// max-open-conns(1) WAL-mode connection, idempotent schema DDL, an atomic
// depth counter seeded from existing rows, Record/Reclaim taking the place
// of that package's Enqueue/Ack at-least-once pair.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Journal is a WAL-mode SQLite-backed record of epoch flush progress. Safe
// for concurrent use.
type Journal struct {
	db      *sql.DB
	pending atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. path may be ":memory:" for tests.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// SQLite allows only one writer; a single pooled connection serializes
	// every Record/Reclaim call through it, matching sqlite_queue.go.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: apply schema: %w", err)
	}

	j := &Journal{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM epoch_flush WHERE reclaimed = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal: count pending rows: %w", err)
	}
	j.pending.Store(count)

	return j, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS epoch_flush (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_id    INTEGER NOT NULL,
    generation   INTEGER NOT NULL,
    output_path  TEXT    NOT NULL,
    flushed_at   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    reclaimed    INTEGER NOT NULL DEFAULT 0,
    UNIQUE(thread_id, generation)
);
CREATE INDEX IF NOT EXISTS idx_epoch_flush_pending
    ON epoch_flush (reclaimed, id);
`

// Record persists that threadID's epoch generation was durably written to
// outputPath. Must be called after the writer's Finalize succeeds and
// before the arena's freeable half is reclaimed, so a crash in between is
// recorded as "written but not reclaimed" rather than lost entirely.
func (j *Journal) Record(ctx context.Context, threadID int, generation uint64, outputPath string) (int64, error) {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO epoch_flush (thread_id, generation, output_path) VALUES (?, ?, ?)
		 ON CONFLICT(thread_id, generation) DO UPDATE SET output_path = excluded.output_path`,
		threadID, generation, outputPath,
	)
	if err != nil {
		return 0, fmt.Errorf("journal: record: %w", err)
	}

	var id int64
	if err := j.db.QueryRowContext(ctx,
		`SELECT id FROM epoch_flush WHERE thread_id = ? AND generation = ?`,
		threadID, generation,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("journal: record: locate row: %w", err)
	}

	// Re-derive the pending count from the database rather than an
	// increment, since an upsert that updated an existing row (rather than
	// inserting a new one) must not double-count.
	var count int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM epoch_flush WHERE reclaimed = 0`).Scan(&count); err != nil {
		return 0, fmt.Errorf("journal: record: recount pending: %w", err)
	}
	j.pending.Store(count)
	return id, nil
}

// PendingRecord is an epoch flush not yet marked reclaimed, as returned by
// Unreclaimed (consulted at process start to detect a crash mid-reclaim).
type PendingRecord struct {
	ID         int64
	ThreadID   int
	Generation uint64
	OutputPath string
}

// Unreclaimed returns every flush row not yet marked reclaimed, oldest
// first. A non-empty result at process start means a previous run crashed
// between writing a file and reclaiming that epoch's arena.
func (j *Journal) Unreclaimed(ctx context.Context) ([]PendingRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, thread_id, generation, output_path
		 FROM   epoch_flush
		 WHERE  reclaimed = 0
		 ORDER  BY id`)
	if err != nil {
		return nil, fmt.Errorf("journal: unreclaimed query: %w", err)
	}
	defer rows.Close()

	var out []PendingRecord
	for rows.Next() {
		var r PendingRecord
		if err := rows.Scan(&r.ID, &r.ThreadID, &r.Generation, &r.OutputPath); err != nil {
			return nil, fmt.Errorf("journal: unreclaimed scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: unreclaimed rows: %w", err)
	}
	return out, nil
}

// Reclaim marks the flush rows identified by ids as reclaimed. Idempotent:
// calling it again with already-reclaimed ids is safe.
func (j *Journal) Reclaim(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	args := make([]any, len(ids))
	placeholders := make([]byte, 0, len(ids)*2)
	for i, id := range ids {
		args[i] = id
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}

	result, err := j.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE epoch_flush SET reclaimed = 1 WHERE id IN (%s) AND reclaimed = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("journal: reclaim: %w", err)
	}
	n, _ := result.RowsAffected()
	j.pending.Add(-n)
	return nil
}

// Pending returns the number of flush rows not yet reclaimed. Reads an
// atomic counter maintained by Record/Reclaim, so it never blocks.
func (j *Journal) Pending() int {
	return int(j.pending.Load())
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// recordTimeout bounds how long a single Record call may block on the
// database, so a stalled disk never wedges the sample-path-adjacent flush
// goroutine indefinitely.
const recordTimeout = 5 * time.Second

// RecordWithTimeout is Record with an internally bounded context, for
// callers on the flush path that don't already carry one.
func (j *Journal) RecordWithTimeout(threadID int, generation uint64, outputPath string) (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	return j.Record(ctx, threadID, generation, outputPath)
}
