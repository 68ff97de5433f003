package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelcloud/kestrelctl/pkg/engine"
	"github.com/kestrelcloud/kestrelctl/pkg/stacks"
)

func newTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("NewJournal failed: %v", err)
	}
	if err := j.Init(context.Background()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalRoundTrip(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	runID := "run-1"
	if err := j.StartRun(ctx, runID, stacks.CommandApply, "dev", time.Now()); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}

	results := []engine.StackResult{
		{StackID: "shared", Phase: 1, Command: stacks.CommandApply, Status: engine.StatusSucceeded, Attempts: 1},
		{StackID: "tenant-acme", TenantKey: "acme", Phase: 2, Command: stacks.CommandApply, Status: engine.StatusFailed,
			Attempts: 5, FailureKind: engine.FailureExhausted, Err: errors.New("budget exhausted"),
			RetainedLogPath: "/tmp/tenant-acme.log", Duration: 42 * time.Second},
	}
	for _, r := range results {
		if err := j.RecordStackResult(ctx, runID, r); err != nil {
			t.Fatalf("RecordStackResult failed: %v", err)
		}
	}

	summary := engine.RunSummary{
		RunID:   runID,
		Command: stacks.CommandApply,
		Phases: []engine.PhaseResult{
			{Phase: 1, Results: results[:1]},
			{Phase: 2, Results: results[1:]},
		},
	}
	if err := j.CompleteRun(ctx, summary); err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}

	runs, err := j.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	run := runs[0]
	if run.Status != RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
	if run.Attempted != 2 || run.Succeeded != 1 || run.Failed != 1 {
		t.Errorf("run counts = %d/%d/%d, want 2/1/1", run.Attempted, run.Succeeded, run.Failed)
	}
	if run.CompletedAt == nil {
		t.Error("completed run missing completion time")
	}

	stored, err := j.StackResults(ctx, runID)
	if err != nil {
		t.Fatalf("StackResults failed: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 stack results, got %d", len(stored))
	}
	if stored[1].FailureKind != string(engine.FailureExhausted) {
		t.Errorf("failure kind = %s, want exhausted", stored[1].FailureKind)
	}
	if stored[1].Duration != 42*time.Second {
		t.Errorf("duration = %s, want 42s", stored[1].Duration)
	}
}

func TestJournalEvents(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	if err := j.StartRun(ctx, "run-2", stacks.CommandPlan, "test", time.Now()); err != nil {
		t.Fatalf("StartRun failed: %v", err)
	}
	if err := j.RecordEvent(ctx, "run-2", "error", "phase 2 ended with failures"); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
}

func TestJournalConnectionPragmas(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()

	var journalMode string
	if err := j.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %s, want wal", journalMode)
	}

	var foreignKeys int
	if err := j.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("foreign_keys = %d, want 1", foreignKeys)
	}
}

func TestJournalInitIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	for i := 0; i < 2; i++ {
		j, err := NewJournal(path)
		if err != nil {
			t.Fatalf("NewJournal failed: %v", err)
		}
		if err := j.Init(context.Background()); err != nil {
			t.Fatalf("Init (pass %d) failed: %v", i+1, err)
		}
		if err := j.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}
}
