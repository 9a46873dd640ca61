package workflow

// State is a control state of the refinement loop.
type State string

const (
	StateGenerating State = "generating"
	StateReflecting State = "reflecting"
	StateDone       State = "done"
)

func (s State) String() string {
	return string(s)
}

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateDone
}
