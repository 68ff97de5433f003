package engine

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/kestrelcloud/kestrelctl/pkg/stacks"
	"github.com/kestrelcloud/kestrelctl/pkg/terraform"
)

// fakeRun scripts the outcome of one tool invocation.
type fakeRun struct {
	exitCode int
	logText  string
}

// fakeTool is a scripted Tool. Each stack consumes its runs in order; the
// mutating operations record what was asked of them.
type fakeTool struct {
	mu sync.Mutex

	runs       map[string][]fakeRun
	state      map[string][]string
	hasOutputs bool

	initErr        error
	stateRemoveErr error
	importErr      error
	destroyErr     error

	initCalls      []string
	runCalls       []string
	removedEntries []string
	imported       []ImportPair
	destroyTargets [][]string
}

func newFakeTool() *fakeTool {
	return &fakeTool{
		runs:  make(map[string][]fakeRun),
		state: make(map[string][]string),
	}
}

// script appends scripted outcomes for a stack instance.
func (f *fakeTool) script(stackID string, runs ...fakeRun) {
	f.runs[stackID] = append(f.runs[stackID], runs...)
}

func (f *fakeTool) Init(ctx context.Context, stack stacks.Descriptor, ws *terraform.Workspace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls = append(f.initCalls, stack.ID())
	return f.initErr
}

func (f *fakeTool) Run(ctx context.Context, stack stacks.Descriptor, command stacks.Command, ws *terraform.Workspace, varFiles, extraArgs []string) (terraform.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.runCalls = append(f.runCalls, stack.ID())
	queue := f.runs[stack.ID()]
	if len(queue) == 0 {
		return terraform.Result{}, fmt.Errorf("no scripted run left for %s", stack.ID())
	}
	next := queue[0]
	f.runs[stack.ID()] = queue[1:]

	logFile, err := os.CreateTemp("", "fake-run-*.log")
	if err != nil {
		return terraform.Result{}, err
	}
	if _, err := logFile.WriteString(next.logText); err != nil {
		logFile.Close()
		return terraform.Result{}, err
	}
	if err := logFile.Close(); err != nil {
		return terraform.Result{}, err
	}
	return terraform.Result{ExitCode: next.exitCode, LogPath: logFile.Name()}, nil
}

func (f *fakeTool) StateList(ctx context.Context, stack stacks.Descriptor, ws *terraform.Workspace) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[stack.ID()], nil
}

func (f *fakeTool) StateRemove(ctx context.Context, stack stacks.Descriptor, ws *terraform.Workspace, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateRemoveErr != nil {
		return f.stateRemoveErr
	}
	f.removedEntries = append(f.removedEntries, address)
	return nil
}

func (f *fakeTool) Import(ctx context.Context, stack stacks.Descriptor, ws *terraform.Workspace, varFiles []string, address, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.importErr != nil {
		return f.importErr
	}
	f.imported = append(f.imported, ImportPair{Address: address, ExternalID: externalID})
	return nil
}

func (f *fakeTool) DestroyTargets(ctx context.Context, stack stacks.Descriptor, ws *terraform.Workspace, varFiles, addresses []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyErr != nil {
		return f.destroyErr
	}
	f.destroyTargets = append(f.destroyTargets, addresses)
	return nil
}

func (f *fakeTool) HasOutputs(ctx context.Context, stack stacks.Descriptor, ws *terraform.Workspace) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hasOutputs, nil
}
