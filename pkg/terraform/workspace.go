package terraform

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the isolated scratch namespace for one stack execution.
// Concurrent executions, including per-tenant instances of the same stack,
// never share a workspace. The workspace holds the Terraform data dir and the
// attempt log files, and is removed once the execution completes.
type Workspace struct {
	dir     string
	attempt int
}

// NewWorkspace creates a fresh scratch directory keyed by the execution ID.
func NewWorkspace(executionID string) (*Workspace, error) {
	dir, err := os.MkdirTemp("", "kestrel-"+executionID+"-")
	if err != nil {
		return nil, fmt.Errorf("create scratch workspace: %w", err)
	}
	if err := os.Mkdir(filepath.Join(dir, "tfdata"), 0o755); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create scratch data dir: %w", err)
	}
	return &Workspace{dir: dir}, nil
}

// DataDir is the per-execution TF_DATA_DIR.
func (w *Workspace) DataDir() string {
	return filepath.Join(w.dir, "tfdata")
}

// NewLogFile creates the scratch log file for the next attempt.
func (w *Workspace) NewLogFile(label string) (*os.File, error) {
	w.attempt++
	name := filepath.Join(w.dir, fmt.Sprintf("%s-%d.log", label, w.attempt))
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("create scratch log: %w", err)
	}
	return f, nil
}

// Remove deletes the workspace and everything in it. Called on every exit
// path of a stack execution, success or failure.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.dir)
}
