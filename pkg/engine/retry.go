package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelcloud/kestrelctl/pkg/telemetry"
	"github.com/kestrelcloud/kestrelctl/pkg/terraform"
)

// retryState is the explicit state of the per-execution machine:
// Attempt -> Classify -> Recover -> Attempt' until a terminal state.
type retryState int

const (
	stateAttempt retryState = iota
	stateClassify
	stateRecover
	stateDone
)

// RetryController drives one stack execution through the attempt/classify/
// recover loop under a bounded budget.
type RetryController struct {
	Tool       Tool
	Classifier *Classifier
	Recovery   *RecoveryExecutor

	// MaxAttempts is the total attempt budget per execution, shared across
	// all recovery categories. A stack that spent four attempts on conflict
	// backoffs has one left for anything else.
	MaxAttempts int

	// AttemptTimeout bounds a single tool invocation so a hung subprocess
	// cannot block its phase forever. Zero disables the bound.
	AttemptTimeout time.Duration

	// RetainDir receives the final diagnostic log of failed executions.
	RetainDir string

	// Metrics and Tracer are optional.
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
}

// retryMachine holds the mutable state of one execution. The budget lives
// here explicitly rather than as a loop counter.
type retryMachine struct {
	state   retryState
	attempt int
	budget  int

	scratchLog string
	logText    string
	action     *Action
}

// Execute runs the full state machine for one (stack, command) invocation.
func (rc *RetryController) Execute(ctx context.Context, exec Execution) StackResult {
	started := time.Now()
	logger := telemetry.Component("retry").With().
		Str("stack", exec.Stack.ID()).
		Str("command", string(exec.Command)).
		Logger()

	result := StackResult{
		StackID:   exec.Stack.ID(),
		TenantKey: exec.Stack.TenantKey,
		Phase:     exec.Phase,
		Command:   exec.Command,
	}

	ctx, span := rc.Tracer.StartStackSpan(ctx, exec.Stack.ID(), string(exec.Command))
	defer span.End()
	defer func() {
		if result.Err != nil {
			span.RecordFailure(result.Err)
		}
	}()

	ws, err := terraform.NewWorkspace(exec.Stack.ID())
	if err != nil {
		result.Status = StatusFailed
		result.FailureKind = FailureSpawn
		result.Err = newStackError(FailureSpawn, exec.Stack.ID(), err)
		result.Duration = time.Since(started)
		return result
	}
	defer ws.Remove()

	if err := rc.Tool.Init(ctx, exec.Stack, ws); err != nil {
		result.Status = StatusFailed
		result.FailureKind = FailureSpawn
		result.Err = newStackError(FailureSpawn, exec.Stack.ID(), err)
		result.Duration = time.Since(started)
		return result
	}

	m := &retryMachine{state: stateAttempt, budget: rc.MaxAttempts}
	rc.run(ctx, exec, ws, m, &result, logger)

	result.Attempts = m.attempt
	result.Duration = time.Since(started)
	rc.observeOutcome(exec, result)
	return result
}

func (rc *RetryController) run(ctx context.Context, exec Execution, ws *terraform.Workspace, m *retryMachine, result *StackResult, logger zerolog.Logger) {
	for m.state != stateDone {
		switch m.state {
		case stateAttempt:
			rc.stepAttempt(ctx, exec, ws, m, result, logger)
		case stateClassify:
			rc.stepClassify(ctx, exec, ws, m, result, logger)
		case stateRecover:
			rc.stepRecover(ctx, exec, ws, m, result, logger)
		}
	}
}

func (rc *RetryController) stepAttempt(ctx context.Context, exec Execution, ws *terraform.Workspace, m *retryMachine, result *StackResult, logger zerolog.Logger) {
	m.attempt++
	if rc.Metrics != nil {
		rc.Metrics.ObserveAttempt(exec.Stack.ID(), string(exec.Command))
	}
	logger.Info().Int("attempt", m.attempt).Int("budget", m.budget).Msg("Running operation")

	runCtx := ctx
	if rc.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, rc.AttemptTimeout)
		defer cancel()
	}

	res, err := rc.Tool.Run(runCtx, exec.Stack, exec.Command, ws, exec.VarFiles, exec.ExtraArgs)
	if err != nil {
		result.Status = StatusFailed
		result.FailureKind = FailureSpawn
		result.Err = newStackError(FailureSpawn, exec.Stack.ID(), err)
		m.state = stateDone
		return
	}

	if res.Succeeded() {
		rc.discardScratch(res.LogPath)
		result.Status = StatusSucceeded
		m.state = stateDone
		return
	}

	raw, err := os.ReadFile(res.LogPath)
	if err != nil {
		rc.discardScratch(res.LogPath)
		result.Status = StatusFailed
		result.FailureKind = FailureUnclassified
		result.Err = newStackError(FailureUnclassified, exec.Stack.ID(), fmt.Errorf("read captured log: %w", err))
		m.state = stateDone
		return
	}

	m.scratchLog = res.LogPath
	m.logText = string(raw)
	m.state = stateClassify
}

func (rc *RetryController) stepClassify(ctx context.Context, exec Execution, ws *terraform.Workspace, m *retryMachine, result *StackResult, logger zerolog.Logger) {
	mc := NewMatchContext(m.logText, exec.Command, func() ([]string, error) {
		return rc.Tool.StateList(ctx, exec.Stack, ws)
	})

	action, err := rc.Classifier.Classify(mc)
	if err != nil || action == nil {
		// No rule matched (or classification itself broke): unrecoverable,
		// retaining the log of the attempt that triggered classification.
		result.Status = StatusFailed
		result.FailureKind = FailureUnclassified
		result.RetainedLogPath = rc.retainScratch(m, exec, logger)
		if err == nil {
			err = fmt.Errorf("no recovery rule matched after attempt %d", m.attempt)
		}
		result.Err = newStackError(FailureUnclassified, exec.Stack.ID(), err)
		m.state = stateDone
		return
	}

	logger.Info().Str("rule", action.Rule).Str("action", string(action.Kind)).Msg("Failure classified")
	if rc.Metrics != nil {
		rc.Metrics.ObserveRecovery(action.Rule)
	}
	m.action = action
	m.state = stateRecover
}

func (rc *RetryController) stepRecover(ctx context.Context, exec Execution, ws *terraform.Workspace, m *retryMachine, result *StackResult, logger zerolog.Logger) {
	// Every action except a skip exists to enable a re-attempt. With no
	// budget left there is nothing to enable, so fail before backing off or
	// mutating state.
	if m.action.Kind != ActionSkip && m.attempt+1 > m.budget {
		result.Status = StatusFailed
		result.FailureKind = FailureExhausted
		result.RetainedLogPath = rc.retainScratch(m, exec, logger)
		result.Err = newStackError(FailureExhausted, exec.Stack.ID(),
			fmt.Errorf("recovery budget of %d attempts exhausted", m.budget))
		m.state = stateDone
		return
	}

	outcome, err := rc.Recovery.Execute(ctx, exec, ws, m.action, logger)
	switch outcome {
	case recoveryComplete:
		rc.discardScratch(m.scratchLog)
		m.scratchLog = ""
		result.Status = StatusSkipped
		m.state = stateDone

	case recoveryFatal:
		result.Status = StatusFailed
		result.FailureKind = FailureRecovery
		result.RetainedLogPath = rc.retainScratch(m, exec, logger)
		result.Err = newStackError(FailureRecovery, exec.Stack.ID(), err)
		m.state = stateDone

	case recoveryRetry:
		rc.discardScratch(m.scratchLog)
		m.scratchLog = ""
		m.state = stateAttempt
	}
}

// retainScratch moves the current scratch log into the retained log
// directory and returns its new path. The scratch copy is always removed.
func (rc *RetryController) retainScratch(m *retryMachine, exec Execution, logger zerolog.Logger) string {
	if m.scratchLog == "" {
		return ""
	}
	defer rc.discardScratch(m.scratchLog)

	if err := os.MkdirAll(rc.RetainDir, 0o755); err != nil {
		logger.Warn().Err(err).Msg("Could not create retained log directory")
		return ""
	}

	name := fmt.Sprintf("%s-%s-attempt%02d.log", exec.Stack.ID(), exec.Command, m.attempt)
	dst := filepath.Join(rc.RetainDir, name)
	if err := copyFile(m.scratchLog, dst); err != nil {
		logger.Warn().Err(err).Msg("Could not retain diagnostic log")
		return ""
	}
	logger.Info().Str("path", dst).Msg("Retained diagnostic log for inspection")
	return dst
}

func (rc *RetryController) discardScratch(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}

func (rc *RetryController) observeOutcome(exec Execution, result StackResult) {
	if rc.Metrics == nil {
		return
	}
	rc.Metrics.ObserveStackOutcome(exec.Stack.ID(), string(result.Status))
	rc.Metrics.ObserveOperationDuration(exec.Stack.ID(), string(exec.Command), result.Duration)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
