package state

// Trigger represents an event that causes a state transition.
type Trigger string

const (
	TriggerStart        Trigger = "start"
	TriggerQRReceived   Trigger = "qr_received"
	TriggerConnected    Trigger = "connected"
	TriggerDisconnected Trigger = "disconnected"
	TriggerReconnect    Trigger = "reconnect"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
