package extension

// State is the canonical lifecycle state recorded in the Registry.
type State string

const (
	StateRegistered State = "REGISTERED"
	StateEnabled    State = "ENABLED"
	StateDisabled   State = "DISABLED"
	StateError      State = "ERROR"
)

// States lists every state in display order.
var States = []State{StateRegistered, StateEnabled, StateDisabled, StateError}

func (s State) String() string {
	return string(s)
}

// canEnable reports whether enable is legal from s. ERROR is accepted so
// that a later successful activation clears it.
func (s State) canEnable() bool {
	return s == StateRegistered || s == StateDisabled || s == StateError
}

// canDisable reports whether disable is legal from s. ERROR is accepted
// because a host may mark an active extension as failed (for instance on
// an external timeout) before tearing it down.
func (s State) canDisable() bool {
	return s == StateEnabled || s == StateError
}
