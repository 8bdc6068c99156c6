package model

// Stage is a contest lifecycle state.
//
//	Draft → Open → Locked → Ended → Resolved
//
// Draft exists only while a contest is being created and is never
// persisted. Open/Locked/Ended are derived from the clock; Resolved from
// the is_resolved flag.
type Stage int

const (
	StageDraft Stage = iota
	StageOpen
	StageLocked
	StageEnded
	StageResolved
)

func (s Stage) String() string {
	switch s {
	case StageDraft:
		return "draft"
	case StageOpen:
		return "open"
	case StageLocked:
		return "locked"
	case StageEnded:
		return "ended"
	case StageResolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// MarshalText renders the stage by name in JSON views.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
