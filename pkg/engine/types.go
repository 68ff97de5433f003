package engine

import (
	"context"
	"time"

	"github.com/kestrelcloud/kestrelctl/pkg/stacks"
	"github.com/kestrelcloud/kestrelctl/pkg/terraform"
)

// Tool is the contract the engine expects from the external declarative tool.
// The production implementation is terraform.Runner; tests substitute fakes.
type Tool interface {
	Init(ctx context.Context, stack stacks.Descriptor, ws *terraform.Workspace) error
	Run(ctx context.Context, stack stacks.Descriptor, command stacks.Command, ws *terraform.Workspace, varFiles, extraArgs []string) (terraform.Result, error)
	StateList(ctx context.Context, stack stacks.Descriptor, ws *terraform.Workspace) ([]string, error)
	StateRemove(ctx context.Context, stack stacks.Descriptor, ws *terraform.Workspace, address string) error
	Import(ctx context.Context, stack stacks.Descriptor, ws *terraform.Workspace, varFiles []string, address, externalID string) error
	DestroyTargets(ctx context.Context, stack stacks.Descriptor, ws *terraform.Workspace, varFiles, addresses []string) error
	HasOutputs(ctx context.Context, stack stacks.Descriptor, ws *terraform.Workspace) (bool, error)
}

// Execution is one Retry-Controller-governed invocation of the tool for a
// stack instance and command.
type Execution struct {
	// Stack is the resolved stack instance, tenant-qualified where relevant.
	Stack stacks.Descriptor

	// Command is the operation being driven.
	Command stacks.Command

	// VarFiles are the variable files passed to full operations and to
	// recovery imports and targeted destroys.
	VarFiles []string

	// ExtraArgs are operator passthrough arguments.
	ExtraArgs []string

	// Phase is the 1-based constructive phase number, for reporting.
	Phase int
}

// ExecutionStatus is the terminal status of a stack execution.
type ExecutionStatus string

const (
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped"
)

// StackResult is the outcome of one stack execution.
type StackResult struct {
	// StackID identifies the stack instance (e.g. "shared", "tenant-acme").
	StackID string `json:"stack_id"`

	// TenantKey is set for per-tenant instances.
	TenantKey string `json:"tenant_key,omitempty"`

	// Phase is the constructive phase number the stack ran in.
	Phase int `json:"phase"`

	// Command is the operation that was driven.
	Command stacks.Command `json:"command"`

	// Status is the terminal status. A skip classified as already-complete
	// counts as StatusSkipped and is not a failure.
	Status ExecutionStatus `json:"status"`

	// Attempts is the number of tool invocations performed.
	Attempts int `json:"attempts"`

	// FailureKind is set when Status is StatusFailed.
	FailureKind FailureKind `json:"failure_kind,omitempty"`

	// RetainedLogPath points at the diagnostic log kept for operator
	// inspection when the execution failed.
	RetainedLogPath string `json:"retained_log_path,omitempty"`

	// Err is the terminal error for failed executions.
	Err error `json:"-"`

	// Duration is the wall-clock time of the whole execution.
	Duration time.Duration `json:"duration"`
}

// Failed reports whether the execution ended in failure.
func (r StackResult) Failed() bool {
	return r.Status == StatusFailed
}

// PhaseResult aggregates the outcomes of one phase.
type PhaseResult struct {
	// Phase is the constructive phase number.
	Phase int `json:"phase"`

	// Results holds one entry per stack execution in the phase.
	Results []StackResult `json:"results"`
}

// Counts returns attempted, succeeded, failed and skipped totals.
func (p PhaseResult) Counts() (attempted, succeeded, failed, skipped int) {
	attempted = len(p.Results)
	for _, r := range p.Results {
		switch r.Status {
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		case StatusSkipped:
			skipped++
		}
	}
	return attempted, succeeded, failed, skipped
}

// Failed reports whether any stack in the phase failed.
func (p PhaseResult) Failed() bool {
	for _, r := range p.Results {
		if r.Failed() {
			return true
		}
	}
	return false
}

// RunSummary is the aggregated outcome of a whole run.
type RunSummary struct {
	// RunID identifies the run in the journal.
	RunID string `json:"run_id"`

	// Command and Environment identify what was driven where.
	Command     stacks.Command `json:"command"`
	Environment string         `json:"environment"`

	// Phases holds the per-phase results in execution order.
	Phases []PhaseResult `json:"phases"`

	// StartedAt and Duration bound the run.
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Success reports overall success: every attempted stack succeeded or was
// intentionally skipped.
func (s RunSummary) Success() bool {
	for _, p := range s.Phases {
		if p.Failed() {
			return false
		}
	}
	return true
}
