package track

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePending, StateBatched, true},
		{StatePending, StateDispatching, false},
		{StateBatched, StateReady, true},
		{StateBatched, StateThrottled, true},
		{StateThrottled, StateReady, true},
		{StateThrottled, StateDispatching, false},
		{StateReady, StateDispatching, true},
		{StateReady, StateThrottled, true},
		{StateDispatching, StateDelivered, true},
		{StateDispatching, StateRetryPending, true},
		{StateDispatching, StateFailedPermanent, true},
		{StateRetryPending, StateReady, true},
		{StateRetryPending, StateThrottled, true},
		{StateRetryPending, StateDispatching, true},
		{StateRetryPending, StateDelivered, false},
		// Cancellation is reachable from every non-terminal state.
		{StatePending, StateCancelled, true},
		{StateBatched, StateCancelled, true},
		{StateThrottled, StateCancelled, true},
		{StateReady, StateCancelled, true},
		{StateDispatching, StateCancelled, true},
		{StateRetryPending, StateCancelled, true},
		// Terminal states emit no edges.
		{StateDelivered, StateReady, false},
		{StateFailedPermanent, StateRetryPending, false},
		{StateCancelled, StatePending, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range KnownStates() {
		want := s == StateDelivered || s == StateFailedPermanent || s == StateCancelled
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestValidState(t *testing.T) {
	for _, s := range KnownStates() {
		if !ValidState(s) {
			t.Errorf("ValidState(%s) = false", s)
		}
	}
	if ValidState("in_flight") {
		t.Error("ValidState accepted an unknown state")
	}
}
