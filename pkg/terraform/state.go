package terraform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kestrelcloud/kestrelctl/pkg/stacks"
)

// StateList returns every resource address in the stack's persisted state.
// An empty state yields an empty list; Terraform's "no state" complaint is
// treated the same way.
func (r *Runner) StateList(ctx context.Context, stack stacks.Descriptor, ws *Workspace) ([]string, error) {
	out, err := r.capture(ctx, stack, ws, "state", "list")
	if err != nil {
		if strings.Contains(out, "No state file was found") ||
			strings.Contains(out, "no state") {
			return nil, nil
		}
		return nil, fmt.Errorf("state list %s: %w: %s", stack.ID(), err, lastLines(out, 3))
	}

	var addresses []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			addresses = append(addresses, line)
		}
	}
	return addresses, nil
}

// StateRemove removes one entry from the stack's persisted state without
// touching real infrastructure.
func (r *Runner) StateRemove(ctx context.Context, stack stacks.Descriptor, ws *Workspace, address string) error {
	out, err := r.capture(ctx, stack, ws, "state", "rm", address)
	if err != nil {
		return fmt.Errorf("state rm %s %s: %w: %s", stack.ID(), address, err, lastLines(out, 3))
	}
	return nil
}

// Import binds an already-existing external resource to a state address.
func (r *Runner) Import(ctx context.Context, stack stacks.Descriptor, ws *Workspace, varFiles []string, address, externalID string) error {
	args := []string{"import", "-input=false", "-lock-timeout=120s"}
	for _, vf := range varFiles {
		args = append(args, "-var-file="+vf)
	}
	args = append(args, address, externalID)

	out, err := r.capture(ctx, stack, ws, args...)
	if err != nil {
		return fmt.Errorf("import %s %s: %w: %s", stack.ID(), address, err, lastLines(out, 3))
	}
	return nil
}

// DestroyTargets issues a destroy limited to the named addresses, used to
// reorder a destroy around dependent objects.
func (r *Runner) DestroyTargets(ctx context.Context, stack stacks.Descriptor, ws *Workspace, varFiles, addresses []string) error {
	args := []string{"destroy", "-input=false", "-auto-approve", "-lock-timeout=120s"}
	for _, vf := range varFiles {
		args = append(args, "-var-file="+vf)
	}
	for _, addr := range addresses {
		args = append(args, "-target="+addr)
	}

	out, err := r.capture(ctx, stack, ws, args...)
	if err != nil {
		return fmt.Errorf("targeted destroy %s: %w: %s", stack.ID(), err, lastLines(out, 3))
	}
	return nil
}

// HasOutputs reports whether the stack currently exposes any outputs at all.
// The phase-1 readiness guard uses this to detect an un-bootstrapped
// environment before downstream stacks fail on missing remote references.
func (r *Runner) HasOutputs(ctx context.Context, stack stacks.Descriptor, ws *Workspace) (bool, error) {
	out, err := r.capture(ctx, stack, ws, "output", "-json")
	if err != nil {
		// A state with no outputs is reported as an error by some Terraform
		// versions; treat the recognizable form as "no outputs".
		if strings.Contains(out, "no outputs") || strings.Contains(out, "No outputs") {
			return false, nil
		}
		return false, fmt.Errorf("output %s: %w: %s", stack.ID(), err, lastLines(out, 3))
	}

	// The output command prints a JSON object possibly preceded by warnings;
	// take the first line that starts a JSON document.
	payload := out
	if idx := strings.Index(out, "{"); idx >= 0 {
		payload = out[idx:]
	}

	outputs := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(payload), &outputs); err != nil {
		return false, fmt.Errorf("output %s: parse: %w", stack.ID(), err)
	}
	return len(outputs) > 0, nil
}
