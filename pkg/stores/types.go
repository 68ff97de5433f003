package stores

import "time"

// RunStatus is the journaled status of a run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// RunRecord is one journaled run.
type RunRecord struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	Environment string     `json:"environment"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempted   int        `json:"attempted"`
	Succeeded   int        `json:"succeeded"`
	Failed      int        `json:"failed"`
	Skipped     int        `json:"skipped"`
}

// StackResultRecord is one journaled stack execution.
type StackResultRecord struct {
	ID              int64         `json:"id"`
	RunID           string        `json:"run_id"`
	StackID         string        `json:"stack_id"`
	TenantKey       string        `json:"tenant_key,omitempty"`
	Phase           int           `json:"phase"`
	Command         string        `json:"command"`
	Status          string        `json:"status"`
	Attempts        int           `json:"attempts"`
	FailureKind     string        `json:"failure_kind,omitempty"`
	RetainedLogPath string        `json:"retained_log_path,omitempty"`
	Error           string        `json:"error,omitempty"`
	Duration        time.Duration `json:"duration"`
}

// EventRecord is one append-only engine event.
type EventRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
