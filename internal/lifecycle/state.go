package lifecycle

import "fmt"

// Phase is the lifecycle state of one session id:
//
//	Unknown -> Persisted -> Live | Stale -> Active | Inactive -> Removed
//
// Persisted means restored from storage but not yet checked against the
// server. Live sessions are reported as Active or Inactive depending on focus,
// and turn Stale when the server no longer has them. Stale is terminal.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhasePersisted
	PhaseLive
	PhaseStale
	PhaseActive
	PhaseInactive
	PhaseRemoved
)

func (p Phase) String() string {
	switch p {
	case PhaseUnknown:
		return "unknown"
	case PhasePersisted:
		return "persisted"
	case PhaseLive:
		return "live"
	case PhaseStale:
		return "stale"
	case PhaseActive:
		return "active"
	case PhaseInactive:
		return "inactive"
	case PhaseRemoved:
		return "removed"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// validTransitions lists the phases reachable from each phase.
var validTransitions = map[Phase][]Phase{
	PhaseUnknown:   {PhasePersisted, PhaseLive},
	PhasePersisted: {PhaseLive, PhaseStale, PhaseRemoved},
	PhaseLive:      {PhaseActive, PhaseInactive, PhaseStale, PhaseRemoved},
	PhaseStale:     {PhaseRemoved},
	PhaseActive:    {PhaseInactive, PhaseRemoved},
	PhaseInactive:  {PhaseActive, PhaseRemoved},
}

// CanTransition reports whether moving from one phase to another is allowed.
func CanTransition(from, to Phase) bool {
	for _, p := range validTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
