package platform

import (
	"fmt"
	"sync"
)

// State is the lifecycle state of an adapter.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateReady         State = "ready"
	StateDegraded      State = "degraded"
	StateShuttingDown  State = "shutting_down"
	StateTerminated    State = "terminated"
)

// legalTransitions encodes the adapter state machine. Terminal transitions are
// one-way; Connecting may re-enter itself on reconnect.
var legalTransitions = map[State][]State{
	StateUninitialized: {StateConnecting, StateShuttingDown},
	StateConnecting:    {StateConnecting, StateReady, StateDegraded, StateShuttingDown},
	StateReady:         {StateDegraded, StateConnecting, StateShuttingDown},
	StateDegraded:      {StateReady, StateConnecting, StateShuttingDown},
	StateShuttingDown:  {StateTerminated},
	StateTerminated:    {},
}

// StateTracker guards an adapter's state and enforces legal transitions.
// Adapters embed it and call Transition at lifecycle boundaries.
type StateTracker struct {
	mu    sync.Mutex
	state State
}

// NewStateTracker starts in StateUninitialized.
func NewStateTracker() *StateTracker {
	return &StateTracker{state: StateUninitialized}
}

// State returns the current state.
func (t *StateTracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transition moves to next if the transition is legal.
func (t *StateTracker) Transition(next State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, allowed := range legalTransitions[t.state] {
		if allowed == next {
			t.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal adapter state transition %s -> %s", t.state, next)
}
