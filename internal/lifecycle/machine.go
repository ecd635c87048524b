package lifecycle

import (
	"fmt"
	"log/slog"
	"sync"

	"rtcd/internal/logging"
	"rtcd/internal/rtcerr"
)

// Hooks is the set of callbacks a component implements. A non-nil
// return (or a panic) from any hook is a failure: caught by the
// Machine and logged. A failure of on_execute or on_state_update
// demotes the component to Error, and a failure of on_reset keeps it
// in Error; a failure of any other hook leaves the state unchanged.
// A failure never propagates to the caller of Tick or to sibling
// participants.
type Hooks interface {
	OnActivated(ecID string) error
	OnDeactivated(ecID string) error
	OnExecute(ecID string) error
	OnStateUpdate(ecID string) error
	OnAborting(ecID string) error
	OnError(ecID string) error
	OnReset(ecID string) error
	OnRateChanged(ecID string) error
	OnStartup(ecID string) error
	OnShutdown(ecID string) error
}

// Machine is the guarded state machine for one (component, execution
// context) pair. It is safe for concurrent use: transitions are
// totally ordered under its own mutex, and a hook is either fully
// executed before the new state becomes visible, or not at all.
type Machine struct {
	ecID  string
	hooks Hooks
	log   *slog.Logger

	mu    sync.Mutex
	state State
}

// NewMachine returns a Machine in Inactive state for ecID.
func NewMachine(ecID string, hooks Hooks, logger *slog.Logger) *Machine {
	return &Machine{
		ecID:  ecID,
		hooks: hooks,
		log:   logging.Default(logger),
		state: Inactive,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Activate transitions Inactive -> Active, firing on_activated.
// Rejected with PreconditionNotMet unless the current state is
// Inactive.
func (m *Machine) Activate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Inactive {
		return rtcerr.New(rtcerr.PreconditionNotMet, "lifecycle.Activate")
	}
	m.state = Active
	m.callHook(m.hooks.OnActivated, "on_activated")
	return nil
}

// Deactivate transitions Active -> Inactive, firing on_deactivated.
// Rejected with PreconditionNotMet unless the current state is
// Active.
func (m *Machine) Deactivate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active {
		return rtcerr.New(rtcerr.PreconditionNotMet, "lifecycle.Deactivate")
	}
	m.state = Inactive
	m.callHook(m.hooks.OnDeactivated, "on_deactivated")
	return nil
}

// Abort transitions Active -> Error, firing the on_aborting pre-hook
// before the state change is visible.
func (m *Machine) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Active {
		return rtcerr.New(rtcerr.PreconditionNotMet, "lifecycle.Abort")
	}
	m.abortLocked()
	return nil
}

// abortLocked fires the on_aborting pre-hook, then commits the Error
// state. Caller holds mu.
func (m *Machine) abortLocked() {
	m.callHook(m.hooks.OnAborting, "on_aborting")
	m.state = Error
}

// Reset transitions Error -> Inactive if on_reset succeeds; if
// on_reset fails the component remains in Error. Rejected with
// PreconditionNotMet unless the current state is Error.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Error {
		return rtcerr.New(rtcerr.PreconditionNotMet, "lifecycle.Reset")
	}
	if err := m.safeCall(m.hooks.OnReset, "on_reset"); err == nil {
		m.state = Inactive
	}
	return nil
}

// Tick drives one execution step: in Active state it calls on_execute
// then on_state_update, demoting to Error if either fails; in Error
// state it calls on_error. Tick never returns an error: hook failures
// are caught and translated into a state transition.
func (m *Machine) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Active:
		if err := m.safeCall(m.hooks.OnExecute, "on_execute"); err != nil {
			m.abortLocked()
			return
		}
		if err := m.safeCall(m.hooks.OnStateUpdate, "on_state_update"); err != nil {
			m.abortLocked()
		}
	case Error:
		m.safeCall(m.hooks.OnError, "on_error")
	case Inactive:
		// No per-tick hook in Inactive state.
	}
}

// NotifyRateChanged fires on_rate_changed regardless of state.
func (m *Machine) NotifyRateChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callHook(m.hooks.OnRateChanged, "on_rate_changed")
}

// NotifyStartup fires on_startup; called once when the owning EC starts.
func (m *Machine) NotifyStartup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callHook(m.hooks.OnStartup, "on_startup")
}

// NotifyShutdown fires on_shutdown; called once when the owning EC stops.
func (m *Machine) NotifyShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callHook(m.hooks.OnShutdown, "on_shutdown")
}

// callHook runs a hook whose failure is only logged, not acted on by
// the caller (e.g. on_activated: the transition already committed).
func (m *Machine) callHook(fn func(string) error, name string) {
	_ = m.safeCall(fn, name)
}

// safeCall invokes fn, catching any panic and treating it as a hook
// failure (logged, non-nil returned) so that one participant's broken
// hook can never abort the caller's loop.
func (m *Machine) safeCall(fn func(string) error, name string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%s panicked: %v", name, rec)
		}
		if err != nil {
			m.log.Error("component hook failed", "ec_id", m.ecID, "hook", name, "error", err)
		}
	}()
	return fn(m.ecID)
}
