package node

// State is the gateway connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

var stateNames = [...]string{"disconnected", "connecting", "connected", "reconnecting"}

// StateNames lists every state name, in declaration order.
func StateNames() []string {
	return append([]string(nil), stateNames[:]...)
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
