package journal_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sigtrace/hpcrun/internal/journal"
)

func openMemJournal(t *testing.T) *journal.Journal {
	t.Helper()
	j, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("journal.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpen_InMemory_EmptyPending(t *testing.T) {
	j := openMemJournal(t)
	if p := j.Pending(); p != 0 {
		t.Errorf("Pending = %d after open, want 0", p)
	}
}

func TestOpen_FileDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.db")

	j, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open(%q): %v", path, err)
	}
	_ = j.Close()
}

func TestRecordIncrementsPending(t *testing.T) {
	j := openMemJournal(t)
	ctx := context.Background()

	if _, err := j.Record(ctx, 1, 0, "/out/t1.hpcrun"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if p := j.Pending(); p != 1 {
		t.Errorf("Pending = %d, want 1", p)
	}
}

func TestUnreclaimedReturnsRecordedRows(t *testing.T) {
	j := openMemJournal(t)
	ctx := context.Background()

	if _, err := j.Record(ctx, 1, 0, "/out/t1.hpcrun"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := j.Record(ctx, 2, 3, "/out/t2.hpcrun"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	rows, err := j.Unreclaimed(ctx)
	if err != nil {
		t.Fatalf("Unreclaimed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].ThreadID != 1 || rows[0].Generation != 0 || rows[0].OutputPath != "/out/t1.hpcrun" {
		t.Errorf("rows[0] = %+v", rows[0])
	}
	if rows[1].ThreadID != 2 || rows[1].Generation != 3 {
		t.Errorf("rows[1] = %+v", rows[1])
	}
}

func TestReclaimRemovesFromUnreclaimedAndDecrementsPending(t *testing.T) {
	j := openMemJournal(t)
	ctx := context.Background()

	id, err := j.Record(ctx, 1, 0, "/out/t1.hpcrun")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Reclaim(ctx, []int64{id}); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}

	if p := j.Pending(); p != 0 {
		t.Errorf("Pending = %d after reclaim, want 0", p)
	}
	rows, err := j.Unreclaimed(ctx)
	if err != nil {
		t.Fatalf("Unreclaimed: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("len(rows) = %d after reclaim, want 0", len(rows))
	}
}

func TestReclaimIsIdempotent(t *testing.T) {
	j := openMemJournal(t)
	ctx := context.Background()

	id, _ := j.Record(ctx, 1, 0, "/out/t1.hpcrun")
	if err := j.Reclaim(ctx, []int64{id}); err != nil {
		t.Fatalf("first Reclaim: %v", err)
	}
	if err := j.Reclaim(ctx, []int64{id}); err != nil {
		t.Fatalf("second Reclaim: %v", err)
	}
	if p := j.Pending(); p != 0 {
		t.Errorf("Pending = %d, want 0", p)
	}
}

func TestRecordSameThreadGenerationUpdatesPathWithoutDuplicating(t *testing.T) {
	j := openMemJournal(t)
	ctx := context.Background()

	if _, err := j.Record(ctx, 1, 0, "/out/first.hpcrun"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := j.Record(ctx, 1, 0, "/out/second.hpcrun"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	rows, err := j.Unreclaimed(ctx)
	if err != nil {
		t.Fatalf("Unreclaimed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1 (re-recording same thread/generation must not duplicate)", len(rows))
	}
	if rows[0].OutputPath != "/out/second.hpcrun" {
		t.Errorf("OutputPath = %q, want the most recent path", rows[0].OutputPath)
	}
}
