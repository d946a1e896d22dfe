package engine

import "fmt"

// Phase is the lifecycle stage of the controller's connection.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseClosing
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// transitions lists the legal successors of each phase.
var transitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseConnecting},
	PhaseConnecting: {PhaseOpen, PhaseClosed},
	PhaseOpen:       {PhaseClosing},
	PhaseClosing:    {PhaseClosed},
	PhaseClosed:     {PhaseIdle},
}

// CanTransition reports whether from -> to is a legal phase change.
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}

	return false
}
