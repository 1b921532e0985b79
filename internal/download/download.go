package download

import (
	"time"
)

// State is the lifecycle state of an Item.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

func (s State) String() string {
	return string(s)
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// transitions holds the allowed state machine edges.
var transitions = map[State][]State{
	StateQueued: {StateActive, StatePaused, StateCanceled},
	StateActive: {StateCompleted, StateFailed, StatePaused, StateCanceled},
	StatePaused: {StateQueued, StateCanceled},
}

// CanTransition reports whether moving from one state to another is a
// legal state machine edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// Item is one user-submitted conversion request, tracked end to end.
type Item struct {
	ID        string
	Owner     string
	SourceURL string
	Title     string
	Priority  int

	State    State
	Progress float64

	// Error and ErrorCategory are set only when State == StateFailed.
	Error         string
	ErrorCategory ErrorCategory

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	// OutputPath is set only on StateCompleted, scoped under the
	// owner's storage root.
	OutputPath string
}

// Clone returns a copy of the item, safe to hand to readers while the
// original keeps mutating under the engine's lock.
func (i *Item) Clone() *Item {
	c := *i

	return &c
}

// Finished reports whether the item reached a terminal state.
func (i *Item) Finished() bool {
	return i.State.Terminal()
}
