package exchange

// State 推送流连接状态。
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStale
	StateRebuilding
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStale:
		return "stale"
	case StateRebuilding:
		return "rebuilding"
	default:
		return "unknown"
	}
}

// validTransitions 定义合法的状态转换。
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateStale, StateRebuilding, StateDisconnected},
	StateStale:        {StateRebuilding, StateDisconnected},
	StateRebuilding:   {StateConnected, StateDisconnected},
}

// CanTransition 检查状态转换是否合法。
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
