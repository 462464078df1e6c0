package trainer

// State is the phase a Learner is in.
type State int

const (
	StateInitializing State = iota
	StateTraining
	StateValidating
	StateCheckpointing
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateTraining:
		return "training"
	case StateValidating:
		return "validating"
	case StateCheckpointing:
		return "checkpointing"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}
