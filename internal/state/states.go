// Package state provides the finite state machine for a per-instance WhatsApp
// session lifecycle.
package state

// State represents a session state in the instance lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateReconnecting State = "reconnecting"

	// Pairing substates
	StateQRPending      State = "qr_pending"
	StateAuthenticating State = "authenticating"

	// Operational
	StateReady State = "ready"

	// Terminal
	StateLoggedOut    State = "logged_out"
	StateShuttingDown State = "shutting_down"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsPairing returns true while the session is waiting on a QR scan.
func (s State) IsPairing() bool {
	switch s {
	case StateQRPending, StateAuthenticating:
		return true
	default:
		return false
	}
}

// IsOperational returns true if the session can relay messages.
func (s State) IsOperational() bool {
	return s == StateReady
}

// IsTerminal returns true if the session will not recover on its own.
func (s State) IsTerminal() bool {
	switch s {
	case StateLoggedOut, StateShuttingDown:
		return true
	default:
		return false
	}
}
