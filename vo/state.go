package vo

// State is the state of odometry state machine
type State int

const (
	// StateInit before the first frame
	StateInit State = iota
	// StateTracking poses are composed from estimated motion
	StateTracking
	// StateDegraded the last step failed, pose is held or extrapolated
	StateDegraded
	// StateFailed too many consecutive failures. Terminal
	StateFailed
)

func (st State) String() string {
	switch st {
	case StateInit:
		return "INIT"
	case StateTracking:
		return "TRACKING"
	case StateDegraded:
		return "DEGRADED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
