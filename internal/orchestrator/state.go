package orchestrator

// State is the lifecycle position of an Orchestrator.
type State int32

const (
	Idle State = iota
	Provisioning
	Running
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Provisioning:
		return "provisioning"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting-down"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}
