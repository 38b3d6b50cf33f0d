package dispatch

// State is a control loop state.
type State string

const (
	StateSelecting  State = "selecting"
	StateExecuting  State = "executing"
	StateValidating State = "validating"
	StateAccepted   State = "accepted"
	StateRetrying   State = "retrying"
	StateExhausted  State = "exhausted"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateExhausted || s == StateCancelled
}

// Transition is one state change of a run.
type Transition struct {
	RunID   string
	Attempt int
	From    State
	To      State
}

var allowedTransitions = map[State][]State{
	"":              {StateSelecting, StateCancelled},
	StateSelecting:  {StateExecuting, StateExhausted, StateCancelled},
	StateExecuting:  {StateValidating},
	StateValidating: {StateAccepted, StateRetrying},
	StateRetrying:   {StateSelecting, StateExhausted, StateCancelled},
}

// ValidTransition reports whether the loop may move from one state to the
// other.
func ValidTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
