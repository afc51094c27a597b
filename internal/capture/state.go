package capture

// State is the lifecycle position of a Task. States only move forward.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats counts what a task has moved so far.
type Stats struct {
	Chunks           int64 `json:"chunks"`
	Bytes            int64 `json:"bytes"`
	ListenerFailures int64 `json:"listener_failures"`
}
