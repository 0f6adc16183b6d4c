package connstate

import "time"

// Status is the process-wide connection status.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusOffline      Status = "offline"
)

// State is the read model exposed to status indicators.
type State struct {
	Status             Status
	ReconnectAttempts  int
	ReconnectStartTime *time.Time
	LastError          string
	IsOnline           bool
}

// Initial returns the state the machine starts in.
func Initial() State {
	return State{Status: StatusConnecting, IsOnline: true}
}

// EventKind identifies an input to the state machine.
type EventKind int

const (
	// EventConnected reports a successful handshake or resume.
	EventConnected EventKind = iota
	// EventConnectionLost reports a socket error or unexpected close.
	EventConnectionLost
	// EventAttemptFailed reports one failed connect or resume attempt.
	EventAttemptFailed
	// EventNetworkOnline reports that the device regained network capability.
	EventNetworkOnline
	// EventNetworkOffline reports that the device lost network capability.
	EventNetworkOffline
	// EventForceReconnect short-circuits backoff and restarts the cycle.
	EventForceReconnect
	// EventUserRetry is an explicit retry requested from the UI.
	EventUserRetry
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection_lost"
	case EventAttemptFailed:
		return "attempt_failed"
	case EventNetworkOnline:
		return "network_online"
	case EventNetworkOffline:
		return "network_offline"
	case EventForceReconnect:
		return "force_reconnect"
	case EventUserRetry:
		return "user_retry"
	default:
		return "unknown"
	}
}

// Event is one input to Transition. Err is only meaningful for
// EventConnectionLost and EventAttemptFailed.
type Event struct {
	Kind EventKind
	Err  error
}

// SignalKind identifies a control signal published by the store.
type SignalKind int

const (
	// SignalForceReconnect asks transports to attempt an immediate resume.
	SignalForceReconnect SignalKind = iota
)

// Signal is a message for transports. It is not a state.
type Signal struct {
	Kind   SignalKind
	Reason string
}
