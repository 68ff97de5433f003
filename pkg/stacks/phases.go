package stacks

// Command is one of the Terraform-level operations the orchestrator drives.
type Command string

const (
	CommandValidate Command = "validate"
	CommandPlan     Command = "plan"
	CommandApply    Command = "apply"
	CommandDestroy  Command = "destroy"
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	switch c {
	case CommandValidate, CommandPlan, CommandApply, CommandDestroy:
		return true
	}
	return false
}

// Destructive reports whether the command tears infrastructure down. For
// destructive commands phase order is reversed.
func (c Command) Destructive() bool {
	return c == CommandDestroy
}

// Phase is an ordered group of stacks executed together. Every stack in a
// phase must terminate before the next phase starts.
type Phase struct {
	// Number is the 1-based constructive position of the phase.
	Number int `json:"number"`

	// Stacks are the stack names in the phase. They carry no ordering
	// guarantee relative to each other.
	Stacks []Name `json:"stacks"`
}

// constructive is the forward phase order: shared platform resources first,
// then the per-tenant fan-out, then the stacks that consume both.
var constructive = []Phase{
	{Number: 1, Stacks: []Name{StackShared}},
	{Number: 2, Stacks: []Name{StackTenant}},
	{Number: 3, Stacks: []Name{StackHub, StackGateway, StackIdentity}},
}

// PhasesFor returns the phase order for a command. Destructive commands get
// the exact reverse of the constructive order.
func PhasesFor(command Command) []Phase {
	phases := make([]Phase, len(constructive))
	copy(phases, constructive)
	if command.Destructive() {
		for i, j := 0, len(phases)-1; i < j; i, j = i+1, j-1 {
			phases[i], phases[j] = phases[j], phases[i]
		}
	}
	return phases
}
