package engine

// State is a step of an Append.
type State int

const (
	// StateLoading covers lock acquisition and reading the store.
	StateLoading State = iota
	// StateDetecting builds the history index and classifies the new run.
	StateDetecting
	// StateMerging appends the run to the in-memory store.
	StateMerging
	// StatePersisting encodes and writes the store.
	StatePersisting
	// StateDone is a completed Append.
	StateDone
	// StateFailed is a failed Append.
	StateFailed
)

var stateNames = [...]string{
	StateLoading:    "loading",
	StateDetecting:  "detecting",
	StateMerging:    "merging",
	StatePersisting: "persisting",
	StateDone:       "done",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}

	return stateNames[s]
}

// Observer is called synchronously on every state transition. Loading is
// reported after the store lock is held, so an observer that blocks keeps
// the lock held.
type Observer func(tool string, state State)
