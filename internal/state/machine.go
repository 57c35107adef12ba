package state

import (
	"context"
	"sync"

	"github.com/qmuntal/stateless"
)

// TransitionCallback is called when a state transition occurs.
type TransitionCallback func(ctx context.Context, from, to State, trigger Trigger)

// Machine wraps the stateless state machine with session-lifecycle behavior.
// One Machine exists per instance.
type Machine struct {
	sm          *stateless.StateMachine
	callbacks   []TransitionCallback
	callbacksMu sync.RWMutex
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine() *Machine {
	m := &Machine{
		callbacks: make([]TransitionCallback, 0),
	}

	sm := stateless.NewStateMachine(StateDisconnected)

	sm.Configure(StateDisconnected).
		Permit(TriggerConnect, StateConnecting).
		Permit(TriggerShutdown, StateShuttingDown)

	sm.Configure(StateConnecting).
		Permit(TriggerQRRequired, StateQRPending).
		Permit(TriggerAuthenticated, StateReady).
		Permit(TriggerConnectionLost, StateReconnecting).
		Permit(TriggerDisconnect, StateDisconnected).
		Permit(TriggerShutdown, StateShuttingDown)

	sm.Configure(StateQRPending).
		Permit(TriggerQRScanned, StateAuthenticating).
		Permit(TriggerConnectionLost, StateReconnecting).
		Permit(TriggerDisconnect, StateDisconnected).
		Permit(TriggerShutdown, StateShuttingDown)

	sm.Configure(StateAuthenticating).
		Permit(TriggerAuthenticated, StateReady).
		Permit(TriggerConnectionLost, StateReconnecting).
		Permit(TriggerDisconnect, StateDisconnected).
		Permit(TriggerShutdown, StateShuttingDown)

	sm.Configure(StateReady).
		Permit(TriggerConnectionLost, StateReconnecting).
		Permit(TriggerLogout, StateLoggedOut).
		Permit(TriggerDisconnect, StateDisconnected).
		Permit(TriggerShutdown, StateShuttingDown)

	sm.Configure(StateReconnecting).
		Permit(TriggerReconnected, StateReady).
		Permit(TriggerQRRequired, StateQRPending).
		Permit(TriggerLogout, StateLoggedOut).
		Permit(TriggerDisconnect, StateDisconnected).
		Permit(TriggerShutdown, StateShuttingDown)

	// Re-pairing after logout starts a fresh connect.
	sm.Configure(StateLoggedOut).
		Permit(TriggerConnect, StateConnecting).
		Permit(TriggerShutdown, StateShuttingDown)

	sm.Configure(StateShuttingDown)
	// No transitions out of ShuttingDown

	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		m.callbacksMu.RLock()
		callbacks := make([]TransitionCallback, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.callbacksMu.RUnlock()

		from := t.Source.(State)
		to := t.Destination.(State)
		trigger := t.Trigger.(Trigger)

		for _, cb := range callbacks {
			cb(ctx, from, to, trigger)
		}
	})

	m.sm = sm
	return m
}

// State returns the current state.
func (m *Machine) State(ctx context.Context) (State, error) {
	state, err := m.sm.State(ctx)
	if err != nil {
		return "", err
	}
	return state.(State), nil
}

// Fire triggers a state transition.
func (m *Machine) Fire(ctx context.Context, trigger Trigger, args ...any) error {
	return m.sm.FireCtx(ctx, trigger, args...)
}

// CanFire returns true if the trigger can be fired from the current state.
func (m *Machine) CanFire(ctx context.Context, trigger Trigger, args ...any) (bool, error) {
	return m.sm.CanFireCtx(ctx, trigger, args...)
}

// OnTransition registers a callback to be called on state transitions.
func (m *Machine) OnTransition(cb TransitionCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// MustState returns the current state, panicking on error.
func (m *Machine) MustState() State {
	state, err := m.State(context.Background())
	if err != nil {
		panic(err)
	}
	return state
}

// IsReady returns true if the session is fully operational.
func (m *Machine) IsReady() bool {
	return m.MustState() == StateReady
}

// IsPairing returns true while the session is waiting on a QR scan.
func (m *Machine) IsPairing() bool {
	return m.MustState().IsPairing()
}
