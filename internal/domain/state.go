package domain

// MonitorState is the lifecycle state of one delivery invocation's monitor.
type MonitorState int

const (
	StateIdle MonitorState = iota
	StateAwaitingEcho
	StateAwaitingReply
	StateStableCounting
	StateComplete
)

func (s MonitorState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAwaitingEcho:
		return "AWAITING_ECHO"
	case StateAwaitingReply:
		return "AWAITING_REPLY"
	case StateStableCounting:
		return "STABLE_COUNTING"
	case StateComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}
