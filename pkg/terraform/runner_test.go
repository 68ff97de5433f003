package terraform

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kestrelcloud/kestrelctl/pkg/config"
	"github.com/kestrelcloud/kestrelctl/pkg/stacks"
)

var testBackend = config.Backend{
	ResourceGroup:  "rg-kestrel-state",
	StorageAccount: "kestrelstate",
	Container:      "tfstate",
}

// stubTerraform writes a shell script standing in for the real binary.
func stubTerraform(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "terraform")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func testStack(t *testing.T) stacks.Descriptor {
	t.Helper()
	d, err := stacks.NewRegistry(t.TempDir(), "dev").Resolve(stacks.StackShared, "")
	if err != nil {
		t.Fatalf("resolve stack: %v", err)
	}
	if err := os.MkdirAll(d.WorkingDirectory, 0o755); err != nil {
		t.Fatalf("mkdir working directory: %v", err)
	}
	return d
}

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspace("shared")
	if err != nil {
		t.Fatalf("NewWorkspace failed: %v", err)
	}
	t.Cleanup(func() { _ = ws.Remove() })
	return ws
}

func TestRunStreamsToConsoleAndLog(t *testing.T) {
	bin := stubTerraform(t, `echo "Applying changes..."
echo "Error: something broke" >&2
exit 1`)

	var console bytes.Buffer
	r := NewRunner(bin, testBackend)
	r.Console = &console

	stack := testStack(t)
	ws := newTestWorkspace(t)

	res, err := r.Run(context.Background(), stack, stacks.CommandApply, ws, nil, nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", res.ExitCode)
	}
	if res.Succeeded() {
		t.Error("Succeeded() = true for exit code 1")
	}

	logged, err := os.ReadFile(res.LogPath)
	if err != nil {
		t.Fatalf("read scratch log: %v", err)
	}
	for _, want := range []string{"Applying changes...", "Error: something broke"} {
		if !strings.Contains(string(logged), want) {
			t.Errorf("scratch log missing %q", want)
		}
		if !strings.Contains(console.String(), want) {
			t.Errorf("console output missing %q", want)
		}
	}
}

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		command  stacks.Command
		varFiles []string
		want     []string
		absent   []string
	}{
		{stacks.CommandValidate, []string{"vars.json"}, []string{"validate"}, []string{"-var-file=vars.json", "-auto-approve"}},
		{stacks.CommandPlan, []string{"vars.json"}, []string{"plan", "-input=false", "-var-file=vars.json"}, []string{"-auto-approve"}},
		{stacks.CommandApply, nil, []string{"apply", "-auto-approve"}, nil},
		{stacks.CommandDestroy, nil, []string{"destroy", "-auto-approve"}, nil},
	}

	for _, tt := range tests {
		got := strings.Join(commandArgs(tt.command, tt.varFiles), " ")
		for _, w := range tt.want {
			if !strings.Contains(got, w) {
				t.Errorf("%s args %q missing %q", tt.command, got, w)
			}
		}
		for _, a := range tt.absent {
			if strings.Contains(got, a) {
				t.Errorf("%s args %q should not contain %q", tt.command, got, a)
			}
		}
	}
}

func TestInitInjectsBackendConfig(t *testing.T) {
	bin := stubTerraform(t, `echo "$@" > "$STUB_ARGS_FILE"`)
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("STUB_ARGS_FILE", argsFile)

	r := NewRunner(bin, testBackend)
	stack := testStack(t)
	ws := newTestWorkspace(t)

	if err := r.Init(context.Background(), stack, ws); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read recorded args: %v", err)
	}
	args := string(raw)
	for _, want := range []string{
		"init",
		"-backend-config=resource_group_name=rg-kestrel-state",
		"-backend-config=storage_account_name=kestrelstate",
		"-backend-config=container_name=tfstate",
		"-backend-config=key=" + stack.StateKey,
	} {
		if !strings.Contains(args, want) {
			t.Errorf("init args %q missing %q", args, want)
		}
	}
}

func TestStateList(t *testing.T) {
	bin := stubTerraform(t, `echo "module.network.azurerm_virtual_network.core"
echo "module.network.azurerm_subnet.workload[0]"`)

	r := NewRunner(bin, testBackend)
	addresses, err := r.StateList(context.Background(), testStack(t), newTestWorkspace(t))
	if err != nil {
		t.Fatalf("StateList failed: %v", err)
	}
	if len(addresses) != 2 {
		t.Fatalf("expected 2 addresses, got %v", addresses)
	}
	if addresses[1] != "module.network.azurerm_subnet.workload[0]" {
		t.Errorf("addresses[1] = %s", addresses[1])
	}
}

func TestStateListEmptyState(t *testing.T) {
	bin := stubTerraform(t, `echo "No state file was found!" >&2
exit 1`)

	r := NewRunner(bin, testBackend)
	addresses, err := r.StateList(context.Background(), testStack(t), newTestWorkspace(t))
	if err != nil {
		t.Fatalf("StateList failed on empty state: %v", err)
	}
	if len(addresses) != 0 {
		t.Errorf("expected empty listing, got %v", addresses)
	}
}

func TestHasOutputs(t *testing.T) {
	withOutputs := stubTerraform(t, `echo '{"vnet_id":{"value":"abc","type":"string"}}'`)
	r := NewRunner(withOutputs, testBackend)
	ok, err := r.HasOutputs(context.Background(), testStack(t), newTestWorkspace(t))
	if err != nil {
		t.Fatalf("HasOutputs failed: %v", err)
	}
	if !ok {
		t.Error("HasOutputs = false for a stack with outputs")
	}

	empty := stubTerraform(t, `echo '{}'`)
	r = NewRunner(empty, testBackend)
	ok, err = r.HasOutputs(context.Background(), testStack(t), newTestWorkspace(t))
	if err != nil {
		t.Fatalf("HasOutputs failed: %v", err)
	}
	if ok {
		t.Error("HasOutputs = true for a stack with no outputs")
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	a, err := NewWorkspace("tenant-acme")
	if err != nil {
		t.Fatalf("NewWorkspace failed: %v", err)
	}
	b, err := NewWorkspace("tenant-beta")
	if err != nil {
		t.Fatalf("NewWorkspace failed: %v", err)
	}

	if a.DataDir() == b.DataDir() {
		t.Error("concurrent workspaces share a data dir")
	}

	if err := a.Remove(); err != nil {
		t.Errorf("Remove failed: %v", err)
	}
	if err := b.Remove(); err != nil {
		t.Errorf("Remove failed: %v", err)
	}
	if _, err := os.Stat(a.DataDir()); !os.IsNotExist(err) {
		t.Error("workspace not cleaned up")
	}
}
