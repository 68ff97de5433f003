// Package config resolves orchestrator settings from the process environment
// and validates them before a run starts.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// Backend identifies the Azure blob backend every stack stores its Terraform
// state in. The orchestrator injects these as -backend-config parameters; the
// blob key itself is derived per stack.
type Backend struct {
	// ResourceGroup is the resource group containing the state storage account.
	ResourceGroup string `env:"KESTREL_BACKEND_RESOURCE_GROUP"`

	// StorageAccount is the storage account holding the state container.
	StorageAccount string `env:"KESTREL_BACKEND_STORAGE_ACCOUNT"`

	// Container is the blob container name. Optional override.
	Container string `env:"KESTREL_BACKEND_CONTAINER" envDefault:"tfstate" validate:"required"`
}

// Check verifies the backend coordinates are complete. Called before runs
// that touch remote state; commands that only operate locally skip it.
func (b Backend) Check() error {
	if b.ResourceGroup == "" {
		return fmt.Errorf("KESTREL_BACKEND_RESOURCE_GROUP is not set")
	}
	if b.StorageAccount == "" {
		return fmt.Errorf("KESTREL_BACKEND_STORAGE_ACCOUNT is not set")
	}
	return nil
}

// Settings holds everything the orchestrator reads from the environment.
type Settings struct {
	Backend Backend

	// MaxRecoveryRetries bounds the total attempt budget per stack invocation,
	// shared across all recovery categories.
	MaxRecoveryRetries int `env:"KESTREL_MAX_RECOVERY_RETRIES" envDefault:"5" validate:"min=1,max=25"`

	// OperationTimeout bounds a single Terraform invocation so a hung child
	// process cannot block a phase indefinitely.
	OperationTimeout time.Duration `env:"KESTREL_OPERATION_TIMEOUT" envDefault:"60m" validate:"min=1m"`

	// TerraformBin is the external tool binary to invoke.
	TerraformBin string `env:"KESTREL_TERRAFORM_BIN" envDefault:"terraform" validate:"required"`

	// Root is the repository root containing the stack directories and the
	// per-environment tenant fragments. Defaults to the current directory.
	Root string `env:"KESTREL_ROOT" envDefault:"." validate:"required"`

	// JournalPath is the SQLite run journal location.
	JournalPath string `env:"KESTREL_JOURNAL_PATH" envDefault:".kestrel/journal.db" validate:"required"`

	// RetainedLogDir is where the final diagnostic log of a failed stack is
	// kept for operator inspection.
	RetainedLogDir string `env:"KESTREL_LOG_DIR" envDefault:".kestrel/logs" validate:"required"`

	// MetricsListen, when set, serves Prometheus metrics for the duration of
	// the run (e.g. ":9465").
	MetricsListen string `env:"KESTREL_METRICS_LISTEN"`

	// TraceExporter selects the trace exporter: none, stdout or otlp.
	TraceExporter string `env:"KESTREL_TRACE_EXPORTER" envDefault:"none" validate:"oneof=none stdout otlp"`

	// TraceEndpoint is the OTLP collector endpoint when TraceExporter is otlp.
	TraceEndpoint string `env:"KESTREL_TRACE_ENDPOINT" envDefault:"localhost:4317"`
}

// Environments the platform can be deployed to.
var environments = map[string]struct{}{
	"dev":  {},
	"test": {},
	"prod": {},
}

// ValidEnvironment reports whether name is a deployable environment.
func ValidEnvironment(name string) bool {
	_, ok := environments[name]
	return ok
}

// Load parses settings from the process environment and validates them.
func Load() (*Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := validator.New().Struct(&s); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return &s, nil
}
