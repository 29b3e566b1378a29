package raknet

// State is the handshake phase of a session. States are ordered; a session
// never moves to a lower state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateInitialized
	StateConnecting
	StateConnected
)

var stateStrings = map[State]string{
	StateUninitialized: "UNINITIALIZED",
	StateInitializing:  "INITIALIZING",
	StateInitialized:   "INITIALIZED",
	StateConnecting:    "CONNECTING",
	StateConnected:     "CONNECTED",
}

func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "UNKNOWN"
}

// MarshalJSON serializes State as a JSON string.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// DisconnectReason explains why a session closed.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonClosedByRemotePeer
	ReasonShuttingDown
	ReasonDisconnected
	ReasonTimedOut
	ReasonConnectionRequestFailed
	ReasonBadPacket
	ReasonKicked
	ReasonTransportHalted
)

var reasonStrings = map[DisconnectReason]string{
	ReasonNone:                    "none",
	ReasonClosedByRemotePeer:      "closed by remote peer",
	ReasonShuttingDown:            "shutting down",
	ReasonDisconnected:            "disconnected",
	ReasonTimedOut:                "timed out",
	ReasonConnectionRequestFailed: "connection request failed",
	ReasonBadPacket:               "bad packet",
	ReasonKicked:                  "kicked",
	ReasonTransportHalted:         "transport halted",
}

func (r DisconnectReason) String() string {
	if str, ok := reasonStrings[r]; ok {
		return str
	}
	return "unknown"
}
