package pipeline

import "fmt"

// State is the position of one date in the pipeline.
type State string

// Date states. Every date starts pending and ends done or failed.
const (
	StatePending    State = "pending"
	StateFetched    State = "fetched"
	StateExtracted  State = "extracted"
	StateClipped    State = "clipped"
	StateSummarized State = "summarized"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// order is the forward path through the non-failure states.
var order = []State{StatePending, StateFetched, StateExtracted, StateClipped, StateSummarized, StateDone}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Next returns the state that follows s on the success path, or "" for
// terminal states.
func (s State) Next() State {
	for i, st := range order[:len(order)-1] {
		if st == s {
			return order[i+1]
		}
	}
	return ""
}

// CanTransition reports whether s may move to to. Any non-terminal state may
// fail; otherwise only the next success state is allowed.
func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return s.Next() == to
}

// stateMachine tracks one date. It is owned by a single worker.
type stateMachine struct {
	state State

	// last is the final non-failed state, reported with failures.
	last State
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StatePending, last: StatePending}
}

func (m *stateMachine) advance(to State) error {
	if !m.state.CanTransition(to) {
		return fmt.Errorf("illegal transition %s -> %s", m.state, to)
	}
	if to != StateFailed {
		m.last = to
	}
	m.state = to
	return nil
}
