package gateway

// State is the gateway lifecycle state.
type State int32

const (
	// StateIdle is the initial state: constructed, not listening.
	StateIdle State = iota

	// StateListening means one protocol adapter is accepting traffic.
	StateListening

	// StateSwitching is the transient state during a protocol switch.
	StateSwitching

	// StateStopped is terminal; a stopped gateway never restarts.
	StateStopped
)

// MarshalText renders the state name, so JSON health views show
// "listening" instead of a number.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateSwitching:
		return "switching"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
