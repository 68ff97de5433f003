package tenants

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeFragment(t *testing.T, root, env, key, content string) {
	t.Helper()
	dir := filepath.Join(root, "environments", env, "tenants")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, key+FragmentSuffix), []byte(content), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}
}

func TestWriteAggregate(t *testing.T) {
	root := t.TempDir()
	writeFragment(t, root, "dev", "acme", "display_name: Acme Corp\ngpu_quota: 4\n")
	writeFragment(t, root, "dev", "beta", "display_name: Beta Labs\ngpu_quota: 2\n")

	a := NewAggregator(root, "dev")
	path, err := a.WriteAggregate()
	if err != nil {
		t.Fatalf("WriteAggregate failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}

	var artifact struct {
		Tenants map[string]map[string]any `json:"tenants"`
	}
	if err := json.Unmarshal(raw, &artifact); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if len(artifact.Tenants) != 2 {
		t.Fatalf("expected 2 tenants, got %d", len(artifact.Tenants))
	}
	if artifact.Tenants["acme"]["display_name"] != "Acme Corp" {
		t.Errorf("acme display_name = %v", artifact.Tenants["acme"]["display_name"])
	}
	if artifact.Tenants["beta"]["gpu_quota"] != float64(2) {
		t.Errorf("beta gpu_quota = %v", artifact.Tenants["beta"]["gpu_quota"])
	}
}

func TestWriteAggregateIdempotent(t *testing.T) {
	root := t.TempDir()
	writeFragment(t, root, "dev", "acme", "gpu_quota: 4\nregions: [eu, us]\n")
	writeFragment(t, root, "dev", "beta", "gpu_quota: 2\n")

	a := NewAggregator(root, "dev")

	path, err := a.WriteAggregate()
	if err != nil {
		t.Fatalf("first WriteAggregate failed: %v", err)
	}
	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}

	if _, err := a.WriteAggregate(); err != nil {
		t.Fatalf("second WriteAggregate failed: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("unchanged fragment inputs did not produce byte-identical output")
	}
}

func TestWriteSingle(t *testing.T) {
	root := t.TempDir()
	writeFragment(t, root, "test", "acme", "gpu_quota: 4\n")
	writeFragment(t, root, "test", "beta", "gpu_quota: 2\n")

	a := NewAggregator(root, "test")
	path, err := a.WriteSingle("beta")
	if err != nil {
		t.Fatalf("WriteSingle failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var artifact struct {
		Tenants map[string]any `json:"tenants"`
	}
	if err := json.Unmarshal(raw, &artifact); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if len(artifact.Tenants) != 1 {
		t.Fatalf("expected a single tenant entry, got %d", len(artifact.Tenants))
	}
	if _, ok := artifact.Tenants["beta"]; !ok {
		t.Error("single-tenant artifact missing beta")
	}
}

func TestMissingFragmentDirIsEmptyState(t *testing.T) {
	a := NewAggregator(t.TempDir(), "prod")

	keys, err := a.Tenants()
	if err != nil {
		t.Fatalf("Tenants failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected zero enabled tenants, got %v", keys)
	}

	// The aggregate is still written, with an empty tenant map.
	path, err := a.WriteAggregate()
	if err != nil {
		t.Fatalf("WriteAggregate failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	var artifact struct {
		Tenants map[string]any `json:"tenants"`
	}
	if err := json.Unmarshal(raw, &artifact); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if len(artifact.Tenants) != 0 {
		t.Errorf("expected empty tenant map, got %v", artifact.Tenants)
	}
}

func TestTenantsSorted(t *testing.T) {
	root := t.TempDir()
	writeFragment(t, root, "dev", "gamma", "x: 1\n")
	writeFragment(t, root, "dev", "alpha", "x: 1\n")
	writeFragment(t, root, "dev", "beta", "x: 1\n")

	a := NewAggregator(root, "dev")
	keys, err := a.Tenants()
	if err != nil {
		t.Fatalf("Tenants failed: %v", err)
	}
	want := []string{"alpha", "beta", "gamma"}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("tenant keys = %v, want %v", keys, want)
		}
	}
}
