// Package state provides the finite state machine for the WhatsApp
// connection lifecycle.
package state

// State represents a connection state in the session lifecycle.
type State string

const (
	// StateStarting is the initial state before the first connect attempt.
	StateStarting State = "starting"
	// StateConnecting means a session-start attempt is in flight.
	StateConnecting State = "connecting"
	// StateQR means the provider issued a login QR challenge.
	StateQR State = "qr"
	// StateOpen means the session is authenticated and connected.
	StateOpen State = "open"
	// StateClose means the session is disconnected and a reconnect is pending.
	StateClose State = "close"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// IsOperational returns true if messages can be sent in this state.
func (s State) IsOperational() bool {
	return s == StateOpen
}

// IsPending returns true while a connect attempt has not yet settled.
func (s State) IsPending() bool {
	return s == StateStarting || s == StateConnecting || s == StateQR
}
