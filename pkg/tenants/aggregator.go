// Package tenants merges per-tenant configuration fragments into the single
// generated variables artifact consumed by stacks that operate over all
// tenants.
package tenants

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// FragmentSuffix is the filename suffix of a tenant fragment. The tenant key
// is the filename with the suffix stripped.
const FragmentSuffix = ".yaml"

// ArtifactName is the generated aggregate written next to the fragment
// directory. Terraform picks it up through an explicit -var-file argument.
const ArtifactName = "tenants.generated.tfvars.json"

// Fragment is one tenant's configuration block. The block is opaque to the
// orchestrator and passed through to Terraform as-is.
type Fragment struct {
	TenantKey string
	RawBlock  map[string]any
}

// Aggregator reads tenant fragments for one environment and writes the
// aggregate artifact. The artifact is regenerated on every invocation;
// unchanged inputs produce byte-identical output.
type Aggregator struct {
	// Root is the repository root.
	Root string

	// Environment selects the fragment directory under Root.
	Environment string
}

// NewAggregator creates an aggregator for one environment.
func NewAggregator(root, environment string) *Aggregator {
	return &Aggregator{Root: root, Environment: environment}
}

// FragmentDir returns the directory holding one fragment file per tenant.
func (a *Aggregator) FragmentDir() string {
	return filepath.Join(a.Root, "environments", a.Environment, "tenants")
}

// ArtifactPath returns the well-known path of the generated aggregate.
func (a *Aggregator) ArtifactPath() string {
	return filepath.Join(a.Root, "environments", a.Environment, ArtifactName)
}

// Tenants returns the enabled tenant keys, sorted. A missing fragment
// directory yields an empty list: zero enabled tenants is a valid state and
// must not fail the shared-stack phase.
func (a *Aggregator) Tenants() ([]string, error) {
	entries, err := os.ReadDir(a.FragmentDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fragment directory: %w", err)
	}

	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), FragmentSuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(e.Name(), FragmentSuffix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Load reads every tenant fragment. Fragments are returned sorted by tenant
// key so downstream output is deterministic.
func (a *Aggregator) Load() ([]Fragment, error) {
	keys, err := a.Tenants()
	if err != nil {
		return nil, err
	}

	fragments := make([]Fragment, 0, len(keys))
	for _, key := range keys {
		f, err := a.loadOne(key)
		if err != nil {
			return nil, err
		}
		fragments = append(fragments, f)
	}
	return fragments, nil
}

func (a *Aggregator) loadOne(key string) (Fragment, error) {
	path := filepath.Join(a.FragmentDir(), key+FragmentSuffix)
	raw, err := os.ReadFile(path)
	if err != nil {
		return Fragment{}, fmt.Errorf("read fragment %s: %w", key, err)
	}

	var block map[string]any
	if err := yaml.Unmarshal(raw, &block); err != nil {
		return Fragment{}, fmt.Errorf("parse fragment %s: %w", key, err)
	}
	return Fragment{TenantKey: key, RawBlock: block}, nil
}

// WriteAggregate regenerates the aggregate artifact containing every enabled
// tenant and returns its path.
func (a *Aggregator) WriteAggregate() (string, error) {
	fragments, err := a.Load()
	if err != nil {
		return "", err
	}
	return a.write(fragments)
}

// WriteSingle regenerates the artifact with exactly one tenant entry, for
// isolated per-tenant operations.
func (a *Aggregator) WriteSingle(tenantKey string) (string, error) {
	f, err := a.loadOne(tenantKey)
	if err != nil {
		return "", err
	}
	return a.write([]Fragment{f})
}

func (a *Aggregator) write(fragments []Fragment) (string, error) {
	tenants := make(map[string]any, len(fragments))
	for _, f := range fragments {
		tenants[f.TenantKey] = f.RawBlock
	}

	// encoding/json sorts map keys, which keeps the artifact byte-identical
	// for unchanged inputs.
	data, err := json.MarshalIndent(map[string]any{"tenants": tenants}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode aggregate: %w", err)
	}
	data = append(data, '\n')

	path := a.ArtifactPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write aggregate: %w", err)
	}
	return path, nil
}
