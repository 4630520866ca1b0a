package platform

import "testing"

func TestStateTrackerHappyPath(t *testing.T) {
	t.Parallel()

	tr := NewStateTracker()
	if got := tr.State(); got != StateUninitialized {
		t.Fatalf("initial state = %s, want %s", got, StateUninitialized)
	}

	for _, next := range []State{StateConnecting, StateReady, StateDegraded, StateReady, StateShuttingDown, StateTerminated} {
		if err := tr.Transition(next); err != nil {
			t.Fatalf("Transition(%s): %v", next, err)
		}
	}
	if got := tr.State(); got != StateTerminated {
		t.Fatalf("final state = %s, want %s", got, StateTerminated)
	}
}

func TestStateTrackerReconnectLoop(t *testing.T) {
	t.Parallel()

	tr := NewStateTracker()
	if err := tr.Transition(StateConnecting); err != nil {
		t.Fatal(err)
	}
	if err := tr.Transition(StateConnecting); err != nil {
		t.Fatalf("connecting self-loop rejected: %v", err)
	}
}

func TestStateTrackerIllegalTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		path []State
		next State
	}{
		{"uninitialized to ready", nil, StateReady},
		{"terminated is final", []State{StateShuttingDown, StateTerminated}, StateConnecting},
		{"shutting down cannot recover", []State{StateConnecting, StateShuttingDown}, StateReady},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tr := NewStateTracker()
			for _, s := range tc.path {
				if err := tr.Transition(s); err != nil {
					t.Fatalf("setup Transition(%s): %v", s, err)
				}
			}
			before := tr.State()
			if err := tr.Transition(tc.next); err == nil {
				t.Fatalf("Transition(%s) from %s succeeded, want error", tc.next, before)
			}
			if got := tr.State(); got != before {
				t.Fatalf("state changed to %s after rejected transition", got)
			}
		})
	}
}
