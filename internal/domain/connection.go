// Package domain contains core domain types for the bridge.
package domain

// ConnectionState is the lifecycle state of the single logical session.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosedRecoverable
	StateClosedTerminal
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedRecoverable:
		return "closed"
	case StateClosedTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// DisconnectReason is the status code attached to a close event.
type DisconnectReason int

// Codes follow the status codes the protocol reports on stream errors.
const (
	ReasonUnknown            DisconnectReason = 0
	ReasonLoggedOut          DisconnectReason = 401
	ReasonForbidden          DisconnectReason = 403
	ReasonClientOutdated     DisconnectReason = 405
	ReasonConnectionLost     DisconnectReason = 408
	ReasonConnectionClosed   DisconnectReason = 428
	ReasonConnectionReplaced DisconnectReason = 440
	ReasonBadSession         DisconnectReason = 500
	ReasonRestartRequired    DisconnectReason = 515
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged_out"
	case ReasonForbidden:
		return "forbidden"
	case ReasonClientOutdated:
		return "client_outdated"
	case ReasonConnectionLost:
		return "connection_lost"
	case ReasonConnectionClosed:
		return "connection_closed"
	case ReasonConnectionReplaced:
		return "connection_replaced"
	case ReasonBadSession:
		return "bad_session"
	case ReasonRestartRequired:
		return "restart_required"
	default:
		return "unknown"
	}
}

// IsLogout reports whether the reason is the explicit logout code.
func (r DisconnectReason) IsLogout() bool {
	return r == ReasonLoggedOut
}
