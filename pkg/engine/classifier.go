package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kestrelcloud/kestrelctl/pkg/stacks"
)

// ActionKind enumerates the corrective actions a recovery rule can select.
type ActionKind string

const (
	// ActionRemoveStaleState removes a stale entry from the stack's persisted
	// state without touching real infrastructure.
	ActionRemoveStaleState ActionKind = "remove_stale_state"

	// ActionImport binds pre-existing external resources to state addresses.
	ActionImport ActionKind = "import"

	// ActionWait sleeps for a bounded duration and retries.
	ActionWait ActionKind = "wait"

	// ActionRetargetDestroy destroys dependent objects first, then signals a
	// re-attempt of the original destroy.
	ActionRetargetDestroy ActionKind = "retarget_destroy"

	// ActionSkip treats the original attempt as already complete.
	ActionSkip ActionKind = "skip"
)

// ImportPair binds a state address to the external identifier of an
// already-existing resource.
type ImportPair struct {
	Address    string `json:"address"`
	ExternalID string `json:"external_id"`
}

// Action is the typed decision produced by the classifier.
type Action struct {
	// Kind selects the corrective behavior.
	Kind ActionKind

	// Rule names the recovery rule that matched, for logs and metrics.
	Rule string

	// Address is the stale state entry for ActionRemoveStaleState.
	Address string

	// Imports are the deduplicated pairs for ActionImport.
	Imports []ImportPair

	// Wait is the backoff duration for ActionWait.
	Wait time.Duration

	// Targets are the dependent addresses for ActionRetargetDestroy.
	Targets []string
}

// MatchContext is what a rule predicate can see: the captured log, the
// command, and the stack's own state listing, fetched lazily and memoized
// since most rules never need it.
type MatchContext struct {
	Log     string
	Command stacks.Command

	stateList   func() ([]string, error)
	stateCached bool
	state       []string
	stateErr    error
}

// StateList returns the stack's current state listing.
func (m *MatchContext) StateList() ([]string, error) {
	if !m.stateCached {
		m.state, m.stateErr = m.stateList()
		m.stateCached = true
	}
	return m.state, m.stateErr
}

// Rule is a named predicate-action pair. Rules are evaluated in a fixed
// priority order restricted to the current command; the first match wins.
type Rule struct {
	// Name identifies the rule in logs, metrics and the journal.
	Name string

	// Commands is the subset of operations the rule applies to.
	Commands []stacks.Command

	// Match inspects the context and returns the selected action.
	Match func(*MatchContext) (*Action, error)
}

func (r Rule) appliesTo(command stacks.Command) bool {
	for _, c := range r.Commands {
		if c == command {
			return true
		}
	}
	return false
}

// Classifier inspects a captured log against the ordered rule set and returns
// the matched recovery action, or nil when the failure is unrecognized.
type Classifier struct {
	rules []Rule
}

// NewClassifier creates a classifier with the built-in rule set.
func NewClassifier() *Classifier {
	return &Classifier{rules: builtinRules()}
}

// Classify evaluates the rules in priority order. A nil action with a nil
// error means Unrecoverable: no rule matched.
func (c *Classifier) Classify(mc *MatchContext) (*Action, error) {
	for _, rule := range c.rules {
		if !rule.appliesTo(mc.Command) {
			continue
		}
		action, err := rule.Match(mc)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		if action != nil {
			action.Rule = rule.Name
			return action, nil
		}
	}
	return nil, nil
}

// NewMatchContext builds the context a classification runs against.
func NewMatchContext(logText string, command stacks.Command, stateList func() ([]string, error)) *MatchContext {
	return &MatchContext{Log: logText, Command: command, stateList: stateList}
}

// Diagnostic signatures. Terraform output is free text, so these are
// deliberately substring- and regex-level, each covering the handful of
// phrasings observed across provider versions.
var (
	deposedRe = regexp.MustCompile(`deleting deposed object(?: for)? ([^\s:]+)`)

	importIDRe = regexp.MustCompile(`ID "([^"]+)"`)

	// The resource address sits on its own "  with <address>," line in the
	// diagnostic block; the prose above it also contains the word "with".
	importAddressRe = regexp.MustCompile(`(?m)^\s+with ([^\s,]+)`)

	notFoundSignatures = []string{
		"StatusCode=404",
		"status code 404",
		"ResourceNotFound",
		"was not found",
		"could not be found",
	}

	conflictSignatures = []string{
		"another operation is in progress",
		"Another operation on this or dependent resource is in progress",
		"Conflict",
		"is being updated",
	}

	networkSignatures = []string{
		"connection reset",
		"connection refused",
		"i/o timeout",
		"TLS handshake timeout",
		"unexpected EOF",
		"EOF",
		"no such host",
		"context deadline exceeded",
	}

	policyBlockedSignatures = []string{
		"cannot be deleted because it is referenced by",
		"in use by one or more policies",
		"referenced by policy",
	}

	subnetInUseSignatures = []string{
		"InUseSubnetCannotBeDeleted",
		"Subnet is in use",
		"subnet is in use",
	}

	remoteOutputsMissingSignatures = []string{
		"does not have an attribute",
		"Unsupported attribute",
		"no outputs",
	}
)

func containsAny(s string, signatures []string) bool {
	for _, sig := range signatures {
		if strings.Contains(s, sig) {
			return true
		}
	}
	return false
}

// builtinRules returns the recovery rules in priority order.
func builtinRules() []Rule {
	applyAndDestroy := []stacks.Command{stacks.CommandApply, stacks.CommandDestroy}
	destroyOnly := []stacks.Command{stacks.CommandDestroy}
	applyOnly := []stacks.Command{stacks.CommandApply}

	return []Rule{
		{
			// A destroy against a stack whose downstream remote-state outputs
			// are gone and whose own state is already empty has nothing left
			// to do: count it as complete, not as a failure.
			Name:     "already-dismantled",
			Commands: destroyOnly,
			Match: func(mc *MatchContext) (*Action, error) {
				if !strings.Contains(mc.Log, "terraform_remote_state") {
					return nil, nil
				}
				if !containsAny(mc.Log, remoteOutputsMissingSignatures) {
					return nil, nil
				}
				state, err := mc.StateList()
				if err != nil {
					return nil, err
				}
				if len(state) != 0 {
					return nil, nil
				}
				return &Action{Kind: ActionSkip}, nil
			},
		},
		{
			// A deposed object whose backing resource already returned 404 is
			// pure state residue; remove the entry and retry.
			Name:     "deposed-not-found",
			Commands: applyAndDestroy,
			Match: func(mc *MatchContext) (*Action, error) {
				if !containsAny(mc.Log, notFoundSignatures) {
					return nil, nil
				}
				m := deposedRe.FindStringSubmatch(mc.Log)
				if m == nil {
					return nil, nil
				}
				address := strings.Trim(m[1], `,.:`)
				if address == "" {
					return nil, nil
				}
				return &Action{Kind: ActionRemoveStaleState, Address: address}, nil
			},
		},
		{
			// Resources that already exist outside of state are imported
			// rather than recreated.
			Name:     "already-exists-import",
			Commands: applyOnly,
			Match: func(mc *MatchContext) (*Action, error) {
				pairs := extractImportPairs(mc.Log)
				if len(pairs) == 0 {
					return nil, nil
				}
				return &Action{Kind: ActionImport, Imports: pairs}, nil
			},
		},
		{
			Name:     "resource-manager-conflict",
			Commands: applyAndDestroy,
			Match: func(mc *MatchContext) (*Action, error) {
				if !containsAny(mc.Log, conflictSignatures) {
					return nil, nil
				}
				return &Action{Kind: ActionWait, Wait: 45 * time.Second}, nil
			},
		},
		{
			Name:     "transient-network",
			Commands: applyAndDestroy,
			Match: func(mc *MatchContext) (*Action, error) {
				if !containsAny(mc.Log, networkSignatures) {
					return nil, nil
				}
				return &Action{Kind: ActionWait, Wait: 15 * time.Second}, nil
			},
		},
		{
			// Backend resources that refuse deletion while policy objects
			// reference them: destroy the policy entries from the current
			// state first, then re-attempt the full destroy.
			Name:     "destroy-blocked-by-policies",
			Commands: destroyOnly,
			Match: func(mc *MatchContext) (*Action, error) {
				if !containsAny(mc.Log, policyBlockedSignatures) {
					return nil, nil
				}
				state, err := mc.StateList()
				if err != nil {
					return nil, err
				}
				var targets []string
				for _, addr := range state {
					if strings.Contains(addr, "policy") {
						targets = append(targets, addr)
					}
				}
				if len(targets) == 0 {
					return nil, nil
				}
				return &Action{Kind: ActionRetargetDestroy, Targets: targets}, nil
			},
		},
		{
			Name:     "subnet-still-in-use",
			Commands: destroyOnly,
			Match: func(mc *MatchContext) (*Action, error) {
				if !containsAny(mc.Log, subnetInUseSignatures) {
					return nil, nil
				}
				return &Action{Kind: ActionWait, Wait: 30 * time.Second}, nil
			},
		},
	}
}

// extractImportPairs pulls (address, externalID) pairs out of "already
// exists" diagnostic blocks. A log can carry several independent blocks;
// identical pairs are deduplicated and a pair is only actionable when the
// address differs from the identifier, which guards against mis-extraction.
func extractImportPairs(logText string) []ImportPair {
	var pairs []ImportPair
	seen := make(map[ImportPair]struct{})

	for _, block := range strings.Split(logText, "Error:") {
		if !strings.Contains(block, "already exists") {
			continue
		}
		idMatch := importIDRe.FindStringSubmatch(block)
		addrMatch := importAddressRe.FindStringSubmatch(block)
		if idMatch == nil || addrMatch == nil {
			continue
		}

		pair := ImportPair{
			Address:    strings.Trim(addrMatch[1], `,.`),
			ExternalID: idMatch[1],
		}
		if pair.Address == "" || pair.ExternalID == "" || pair.Address == pair.ExternalID {
			continue
		}
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		pairs = append(pairs, pair)
	}
	return pairs
}
