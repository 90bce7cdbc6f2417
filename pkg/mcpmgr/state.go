package mcpmgr

import "errors"

// State is the lifecycle position of a managed connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// ErrIllegalTransition is returned when a state change is not in the
// transition table.
var ErrIllegalTransition = errors.New("mcpmgr: illegal state transition")

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError},
	StateConnected:    {StateDisconnected, StateError},
	StateError:        {StateConnecting, StateDisconnected},
}

// CanTransition reports whether s may move directly to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
