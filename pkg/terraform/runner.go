// Package terraform drives the external Terraform binary for one stack at a
// time: full operations with captured diagnostics, scoped state surgery, and
// remote output probes.
package terraform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/kestrelcloud/kestrelctl/pkg/config"
	"github.com/kestrelcloud/kestrelctl/pkg/stacks"
)

// Runner executes Terraform invocations for stacks. A single Runner is shared
// across concurrent stack executions; all per-execution state lives in the
// Workspace passed to each call.
type Runner struct {
	// Bin is the Terraform binary.
	Bin string

	// Backend is the Azure blob backend every stack state lives in.
	Backend config.Backend

	// Console receives the live combined output of full operations, for
	// operator visibility. Defaults to os.Stdout.
	Console io.Writer
}

// NewRunner creates a runner for the given binary and backend.
func NewRunner(bin string, backend config.Backend) *Runner {
	return &Runner{Bin: bin, Backend: backend, Console: os.Stdout}
}

// Result is the outcome of one full Terraform operation.
type Result struct {
	// ExitCode is the subprocess exit status.
	ExitCode int

	// LogPath is the scratch file holding the combined output. The caller
	// owns it and must remove it once classification is done.
	LogPath string
}

// Succeeded reports whether the operation exited cleanly.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Init runs terraform init against the stack with the backend coordinates
// injected. Each workspace gets its own TF_DATA_DIR, so concurrent
// initializations of the same working directory do not collide.
func (r *Runner) Init(ctx context.Context, stack stacks.Descriptor, ws *Workspace) error {
	args := []string{
		"init",
		"-input=false",
		"-reconfigure",
		fmt.Sprintf("-backend-config=resource_group_name=%s", r.Backend.ResourceGroup),
		fmt.Sprintf("-backend-config=storage_account_name=%s", r.Backend.StorageAccount),
		fmt.Sprintf("-backend-config=container_name=%s", r.Backend.Container),
		fmt.Sprintf("-backend-config=key=%s", stack.StateKey),
	}

	out, err := r.capture(ctx, stack, ws, args...)
	if err != nil {
		return fmt.Errorf("init %s: %w: %s", stack.ID(), err, lastLines(out, 5))
	}
	return nil
}

// Run executes one full operation for the stack, streaming combined
// stdout/stderr to the console and to a scratch log file. It returns only
// after the subprocess has fully terminated. A non-zero exit is reported
// through Result, not through the error.
func (r *Runner) Run(ctx context.Context, stack stacks.Descriptor, command stacks.Command, ws *Workspace, varFiles, extraArgs []string) (Result, error) {
	args := commandArgs(command, varFiles)
	args = append(args, extraArgs...)

	logFile, err := ws.NewLogFile(string(command))
	if err != nil {
		return Result{}, err
	}
	defer logFile.Close()

	cmd := r.command(ctx, stack, ws, args...)
	out := io.MultiWriter(r.console(), logFile)
	cmd.Stdout = out
	cmd.Stderr = out

	exitCode, err := runAndWait(cmd)
	if err != nil {
		return Result{}, fmt.Errorf("%s %s: %w", command, stack.ID(), err)
	}
	return Result{ExitCode: exitCode, LogPath: logFile.Name()}, nil
}

// commandArgs builds the argument list for a full operation.
func commandArgs(command stacks.Command, varFiles []string) []string {
	var args []string
	switch command {
	case stacks.CommandValidate:
		// validate does not accept variable files.
		return []string{"validate"}
	case stacks.CommandPlan:
		args = []string{"plan", "-input=false", "-lock-timeout=120s"}
	case stacks.CommandApply:
		args = []string{"apply", "-input=false", "-auto-approve", "-lock-timeout=120s"}
	case stacks.CommandDestroy:
		args = []string{"destroy", "-input=false", "-auto-approve", "-lock-timeout=120s"}
	}
	for _, vf := range varFiles {
		args = append(args, "-var-file="+vf)
	}
	return args
}

// command builds an exec.Cmd rooted in the stack working directory with the
// workspace's isolated data dir.
func (r *Runner) command(ctx context.Context, stack stacks.Descriptor, ws *Workspace, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, r.Bin, args...)
	cmd.Dir = stack.WorkingDirectory
	cmd.Env = append(os.Environ(),
		"TF_IN_AUTOMATION=1",
		"TF_INPUT=0",
		"TF_DATA_DIR="+ws.DataDir(),
	)
	return cmd
}

// capture runs a short housekeeping invocation and returns its combined
// output. Used for state surgery and probes, never for full operations.
func (r *Runner) capture(ctx context.Context, stack stacks.Descriptor, ws *Workspace, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd := r.command(ctx, stack, ws, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	exitCode, err := runAndWait(cmd)
	if err != nil {
		return buf.String(), err
	}
	if exitCode != 0 {
		return buf.String(), fmt.Errorf("exit status %d", exitCode)
	}
	return buf.String(), nil
}

// runAndWait starts the command and blocks until it terminates, separating
// spawn failures from non-zero exits.
func runAndWait(cmd *exec.Cmd) (int, error) {
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

func (r *Runner) console() io.Writer {
	if r.Console != nil {
		return r.Console
	}
	return os.Stdout
}

// lastLines returns the last n non-empty lines of s, for compact error
// messages from captured output.
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	var kept []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, strings.TrimSpace(l))
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return strings.Join(kept, " | ")
}
