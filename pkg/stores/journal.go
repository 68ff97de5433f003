package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/kestrelcloud/kestrelctl/pkg/engine"
	"github.com/kestrelcloud/kestrelctl/pkg/stacks"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Journal is the SQLite-backed run journal. It implements engine.Recorder.
type Journal struct {
	db   *sql.DB
	path string
}

// NewJournal creates a journal at the given path.
func NewJournal(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	return &Journal{path: path}, nil
}

// Init opens the database, enables WAL mode and runs migrations.
func (j *Journal) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}

	// modernc.org/sqlite takes pragmas in _pragma=name(value) form; the
	// mattn-style _journal_mode=... parameters are silently ignored.
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", j.path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping journal: %w", err)
	}

	j.db = db
	return j.migrate()
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

func (j *Journal) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(j.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// StartRun journals the beginning of a run.
func (j *Journal) StartRun(ctx context.Context, runID string, command stacks.Command, environment string, startedAt time.Time) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO runs (id, command, environment, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		runID, string(command), environment, RunStatusRunning, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// RecordStackResult journals one stack execution outcome.
func (j *Journal) RecordStackResult(ctx context.Context, runID string, result engine.StackResult) error {
	errText := ""
	if result.Err != nil {
		errText = result.Err.Error()
	}

	_, err := j.db.ExecContext(ctx,
		`INSERT INTO stack_results
		 (run_id, stack_id, tenant_key, phase, command, status, attempts, failure_kind, retained_log_path, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, result.StackID, result.TenantKey, result.Phase, string(result.Command),
		string(result.Status), result.Attempts, string(result.FailureKind),
		result.RetainedLogPath, errText, result.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert stack result: %w", err)
	}
	return nil
}

// CompleteRun journals the final summary of a run.
func (j *Journal) CompleteRun(ctx context.Context, summary engine.RunSummary) error {
	var attempted, succeeded, failed, skipped int
	for _, p := range summary.Phases {
		a, s, f, k := p.Counts()
		attempted += a
		succeeded += s
		failed += f
		skipped += k
	}

	status := RunStatusSucceeded
	if !summary.Success() {
		status = RunStatusFailed
	}

	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, attempted = ?, succeeded = ?, failed = ?, skipped = ?
		 WHERE id = ?`,
		status, time.Now().UTC(), attempted, succeeded, failed, skipped, summary.RunID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// RecordEvent appends one engine event.
func (j *Journal) RecordEvent(ctx context.Context, runID, level, message string) error {
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (run_id, level, message, timestamp) VALUES (?, ?, ?, ?)`,
		runID, level, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.db.QueryContext(ctx,
		`SELECT id, command, environment, status, started_at, completed_at, attempted, succeeded, failed, skipped
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.Command, &r.Environment, &r.Status, &r.StartedAt,
			&completed, &r.Attempted, &r.Succeeded, &r.Failed, &r.Skipped); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if completed.Valid {
			t := completed.Time
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// StackResults returns the journaled stack executions for one run.
func (j *Journal) StackResults(ctx context.Context, runID string) ([]StackResultRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, run_id, stack_id, tenant_key, phase, command, status, attempts, failure_kind, retained_log_path, error, duration_ms
		 FROM stack_results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stack results: %w", err)
	}
	defer rows.Close()

	var results []StackResultRecord
	for rows.Next() {
		var r StackResultRecord
		var durationMs int64
		if err := rows.Scan(&r.ID, &r.RunID, &r.StackID, &r.TenantKey, &r.Phase, &r.Command,
			&r.Status, &r.Attempts, &r.FailureKind, &r.RetainedLogPath, &r.Error, &durationMs); err != nil {
			return nil, fmt.Errorf("scan stack result: %w", err)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}
