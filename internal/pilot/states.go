package pilot

// State is the lifecycle state of a unit. Units move strictly forward through
// the pipeline states; any non-terminal state may jump to Canceled, and
// Launching/Executing may jump to Failed.
type State string

const (
	New           State = "NEW"
	Scheduling    State = "SCHEDULING"
	Launching     State = "LAUNCHING"
	Executing     State = "EXECUTING"
	StagingOutput State = "STAGING_OUTPUT"
	Done          State = "DONE"
	Failed        State = "FAILED"
	Canceled      State = "CANCELED"
)

var stateOrder = map[State]int{
	New:           0,
	Scheduling:    1,
	Launching:     2,
	Executing:     3,
	StagingOutput: 4,
	Done:          5,
	Failed:        5,
	Canceled:      5,
}

func IsTerminal(s State) bool {
	return s == Done || s == Failed || s == Canceled
}

// CanTransition reports whether from -> to is a legal unit state transition.
func CanTransition(from State, to State) bool {
	if IsTerminal(from) {
		return false
	}
	if to == Canceled {
		return true
	}
	if to == Failed {
		return from == Launching || from == Executing || from == StagingOutput
	}
	fromOrder, ok := stateOrder[from]
	if !ok {
		return false
	}
	toOrder, ok := stateOrder[to]
	if !ok {
		return false
	}
	return toOrder == fromOrder+1
}

// PilotState is the lifecycle state of a pilot allocation.
type PilotState string

const (
	PilotActive   PilotState = "ACTIVE"
	PilotDone     PilotState = "DONE"
	PilotCanceled PilotState = "CANCELED"
	PilotFailed   PilotState = "FAILED"
)
