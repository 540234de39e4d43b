// Package lifecycle runs the long-lived parts of the identity service (the
// HTTP and gRPC listeners, the user cache janitor, the key set prefetch)
// as an ordered set of components with a validated state machine.
//
// The flow of a healthy service is:
//
//	Unknown → Starting → Running → Stopping → Stopped
//
// Any non-terminal state may move to Failed. Stopped and Failed may move
// back to Starting for a restart.
//
// Components start in registration order and stop in reverse order. When
// a component fails to start, the ones already started are stopped before
// Start returns.
package lifecycle

// State is the lifecycle state of a [Service].
type State string

const (
	// StateUnknown is the state of a service that was never started.
	StateUnknown State = "unknown"

	// StateStarting is set while component Start hooks run.
	StateStarting State = "starting"

	// StateRunning is the only state in which [Service.Health] succeeds.
	StateRunning State = "running"

	// StateStopping is set while component Stop hooks run.
	StateStopping State = "stopping"

	// StateStopped follows a clean shutdown.
	StateStopped State = "stopped"

	// StateFailed follows a failed start or stop hook.
	StateFailed State = "failed"
)

func (s State) String() string { return string(s) }

// Valid reports whether s is a recognized state. The zero value is not.
func (s State) Valid() bool {
	switch s {
	case StateUnknown, StateStarting, StateRunning,
		StateStopping, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// validTransitions is the state machine:
//
//	Unknown  → Starting, Failed
//	Starting → Running, Failed, Stopping
//	Running  → Stopping, Failed
//	Stopping → Stopped, Failed
//	Stopped  → Starting
//	Failed   → Starting
var validTransitions = map[State][]State{
	StateUnknown:  {StateStarting, StateFailed},
	StateStarting: {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped, StateFailed},
	StateStopped:  {StateStarting},
	StateFailed:   {StateStarting},
}

// ValidTransition reports whether from may move to to. Same-state
// transitions are rejected.
func ValidTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
