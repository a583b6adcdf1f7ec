package track

// State is the current position of a DeliveryRecord in its lifecycle.
type State string

const (
	StatePending         State = "pending"
	StateBatched         State = "batched"
	StateThrottled       State = "throttled"
	StateReady           State = "ready"
	StateDispatching     State = "dispatching"
	StateRetryPending    State = "retry_pending"
	StateDelivered       State = "delivered"
	StateFailedPermanent State = "failed_permanent"
	StateCancelled       State = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateDelivered, StateFailedPermanent, StateCancelled:
		return true
	}
	return false
}

// transitions is the legal edge set of the record state machine. Retries
// re-enter at the throttle gate, so retry_pending may move to ready or
// throttled before dispatching again. Cancellation is reachable from every
// non-terminal state; for an in-flight dispatch it is advisory and lands
// after the outcome records.
var transitions = map[State][]State{
	StatePending:      {StateBatched, StateCancelled},
	StateBatched:      {StateReady, StateThrottled, StateCancelled},
	StateThrottled:    {StateReady, StateCancelled},
	StateReady:        {StateDispatching, StateThrottled, StateCancelled},
	StateDispatching:  {StateDelivered, StateRetryPending, StateFailedPermanent, StateCancelled},
	StateRetryPending: {StateReady, StateThrottled, StateDispatching, StateCancelled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// KnownStates lists every state, useful for query validation and metrics.
func KnownStates() []State {
	return []State{
		StatePending, StateBatched, StateThrottled, StateReady,
		StateDispatching, StateRetryPending, StateDelivered,
		StateFailedPermanent, StateCancelled,
	}
}

// ValidState reports whether s names a known state.
func ValidState(s State) bool {
	for _, k := range KnownStates() {
		if k == s {
			return true
		}
	}
	return false
}
