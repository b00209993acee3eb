package gateway

// State is the lifecycle position of one connection session.
//
//	Connecting -> Authenticated -> Joined -> (Active <-> Reconnecting) -> Closed
//
// Closed is terminal and reachable from any state.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateActive
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
