// Package stacks defines the static registry of Terraform stacks that make up
// the Kestrel platform and the ordered phases in which they are deployed.
package stacks

import (
	"fmt"
	"path/filepath"
)

// Platform is the prefix under which all stack state keys are stored.
const Platform = "kestrel"

// Name identifies one independently-stated stack.
type Name string

const (
	// StackShared holds the shared networking and platform resources every
	// other stack depends on.
	StackShared Name = "shared"

	// StackTenant holds one tenant's resource set. One instance of this stack
	// exists per enabled tenant.
	StackTenant Name = "tenant"

	// StackHub holds the model-serving hub.
	StackHub Name = "hub"

	// StackGateway holds the API gateway.
	StackGateway Name = "gateway"

	// StackIdentity holds the identity-management layer.
	StackIdentity Name = "identity"
)

// Descriptor identifies one unit of infrastructure for the orchestrator.
// Descriptors are resolved from the static registry at process start and are
// immutable for the duration of a run.
type Descriptor struct {
	// Name is the unique symbolic name of the stack.
	Name Name `json:"name"`

	// WorkingDirectory is the directory containing the stack's Terraform
	// configuration, relative to the repository root.
	WorkingDirectory string `json:"working_directory"`

	// StateKey is the environment-qualified blob key under which the stack's
	// Terraform state lives.
	StateKey string `json:"state_key"`

	// TenantKey is set only for per-tenant instances of the tenant stack.
	TenantKey string `json:"tenant_key,omitempty"`

	// SupportsPerTenantParallel reports whether one instance of the stack
	// exists per enabled tenant, with instances running concurrently.
	SupportsPerTenantParallel bool `json:"supports_per_tenant_parallel"`
}

// ID returns a stable identifier for this stack instance, unique across a run.
func (d Descriptor) ID() string {
	if d.TenantKey != "" {
		return fmt.Sprintf("%s-%s", d.Name, d.TenantKey)
	}
	return string(d.Name)
}

// entry is one row of the static registry table.
type entry struct {
	directory string
	perTenant bool
}

var registry = map[Name]entry{
	StackShared:   {directory: "stacks/shared"},
	StackTenant:   {directory: "stacks/tenant", perTenant: true},
	StackHub:      {directory: "stacks/hub"},
	StackGateway:  {directory: "stacks/gateway"},
	StackIdentity: {directory: "stacks/identity"},
}

// Registry resolves stack names against the static table. It performs no I/O.
type Registry struct {
	// Root is the repository root the working directories are resolved under.
	Root string

	// Environment qualifies every state key.
	Environment string
}

// NewRegistry creates a registry for one environment.
func NewRegistry(root, environment string) *Registry {
	return &Registry{Root: root, Environment: environment}
}

// Resolve returns the descriptor for a stack. tenantKey must be non-empty for
// the tenant stack and empty for every other stack. An unknown stack name is a
// programming error and is never retried.
func (r *Registry) Resolve(name Name, tenantKey string) (Descriptor, error) {
	e, ok := registry[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown stack %q", name)
	}
	if e.perTenant && tenantKey == "" {
		return Descriptor{}, fmt.Errorf("stack %q requires a tenant key", name)
	}
	if !e.perTenant && tenantKey != "" {
		return Descriptor{}, fmt.Errorf("stack %q does not support per-tenant instances", name)
	}

	return Descriptor{
		Name:                      name,
		WorkingDirectory:          filepath.Join(r.Root, e.directory),
		StateKey:                  StateKey(r.Environment, name, tenantKey),
		TenantKey:                 tenantKey,
		SupportsPerTenantParallel: e.perTenant,
	}, nil
}

// StateKey derives the blob key for a stack's persisted state, following the
// {platform}/{environment}/{stack}[-{tenant}].state convention.
func StateKey(environment string, name Name, tenantKey string) string {
	if tenantKey != "" {
		return fmt.Sprintf("%s/%s/%s-%s.state", Platform, environment, name, tenantKey)
	}
	return fmt.Sprintf("%s/%s/%s.state", Platform, environment, name)
}
