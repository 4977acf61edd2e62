package device

// State is the connection manager's lifecycle state. Owned by the manager;
// other components only read it.
type State int32

const (
	Disconnected State = iota
	Scanning
	Connecting
	Connected
	Reconnecting
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case ShuttingDown:
		return "shutting_down"
	}
	return "unknown"
}
