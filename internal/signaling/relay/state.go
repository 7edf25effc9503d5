package relay

import "fmt"

// ConnState is the lifecycle state of a signaling connection
type ConnState int

const (
	// StateConnecting is the state after the transport upgrade, before the credential is checked
	StateConnecting ConnState = iota
	// StateAuthenticated is after the identity check succeeded, before registration
	StateAuthenticated
	// StateActive is when the connection is registered and dispatching signals
	StateActive
	// StateClosed is the final state
	StateClosed
)

// String returns the string representation of the state
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateAuthenticated:
		return "Authenticated"
	case StateActive:
		return "Active"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// validTransitions defines which state transitions are allowed
var validTransitions = map[ConnState][]ConnState{
	StateConnecting:    {StateAuthenticated, StateClosed},
	StateAuthenticated: {StateActive, StateClosed},
	StateActive:        {StateClosed},
	StateClosed:        {},
}

// CanTransitionTo checks if a transition from current state to next state is valid
func (s ConnState) CanTransitionTo(next ConnState) bool {
	for _, state := range validTransitions[s] {
		if state == next {
			return true
		}
	}
	return false
}

// IsTerminal returns true if this is a terminal state
func (s ConnState) IsTerminal() bool {
	return s == StateClosed
}
