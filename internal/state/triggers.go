package state

// Trigger represents an event that causes a state transition.
type Trigger string

const (
	TriggerConnect        Trigger = "connect"
	TriggerDisconnect     Trigger = "disconnect"
	TriggerQRRequired     Trigger = "qr_required"
	TriggerQRScanned      Trigger = "qr_scanned"
	TriggerAuthenticated  Trigger = "authenticated"
	TriggerConnectionLost Trigger = "connection_lost"
	TriggerReconnected    Trigger = "reconnected"
	TriggerLogout         Trigger = "logout"
	TriggerShutdown       Trigger = "shutdown"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
