package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelcloud/kestrelctl/pkg/terraform"
)

// recoveryOutcome tells the retry loop what the corrective step achieved.
type recoveryOutcome int

const (
	// recoveryRetry means the corrective step ran and the original operation
	// should be attempted again, budget permitting.
	recoveryRetry recoveryOutcome = iota

	// recoveryComplete means the original attempt is to be treated as
	// successful without re-running anything.
	recoveryComplete

	// recoveryFatal means the corrective step itself failed in a way that
	// ends the execution immediately.
	recoveryFatal
)

// RecoveryExecutor applies the action selected by the classifier. Its own
// success or failure is distinct from the original operation's failure.
type RecoveryExecutor struct {
	Tool Tool

	// Sleep is the context-aware wait used for backoff actions. Tests inject
	// a fake; nil means real sleeping.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Execute performs the corrective side effect for one action.
func (r *RecoveryExecutor) Execute(ctx context.Context, exec Execution, ws *terraform.Workspace, action *Action, logger zerolog.Logger) (recoveryOutcome, error) {
	switch action.Kind {
	case ActionRemoveStaleState:
		// Failure to prune state is fatal: retrying would hit the same
		// stale entry forever.
		logger.Info().Str("address", action.Address).Msg("Removing stale state entry")
		if err := r.Tool.StateRemove(ctx, exec.Stack, ws, action.Address); err != nil {
			return recoveryFatal, fmt.Errorf("remove stale state entry: %w", err)
		}
		return recoveryRetry, nil

	case ActionImport:
		// Import failures can themselves be transient; the attempt budget
		// governs how long we keep trying.
		for _, pair := range action.Imports {
			logger.Info().
				Str("address", pair.Address).
				Str("external_id", pair.ExternalID).
				Msg("Importing pre-existing resource into state")
			if err := r.Tool.Import(ctx, exec.Stack, ws, exec.VarFiles, pair.Address, pair.ExternalID); err != nil {
				logger.Warn().Err(err).Str("address", pair.Address).Msg("Import failed; retrying under budget")
			}
		}
		return recoveryRetry, nil

	case ActionWait:
		logger.Info().Dur("wait", action.Wait).Msg("Transient failure; backing off before retry")
		if err := r.sleep(ctx, action.Wait); err != nil {
			return recoveryFatal, err
		}
		return recoveryRetry, nil

	case ActionRetargetDestroy:
		logger.Info().Strs("targets", action.Targets).Msg("Destroying dependent objects before re-attempting destroy")
		if err := r.Tool.DestroyTargets(ctx, exec.Stack, ws, exec.VarFiles, action.Targets); err != nil {
			return recoveryFatal, fmt.Errorf("targeted destroy of dependents: %w", err)
		}
		return recoveryRetry, nil

	case ActionSkip:
		logger.Info().Msg("Stack already dismantled; treating destroy as complete")
		return recoveryComplete, nil

	default:
		return recoveryFatal, fmt.Errorf("unknown recovery action %q", action.Kind)
	}
}

func (r *RecoveryExecutor) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
