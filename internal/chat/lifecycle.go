package chat

import (
	"context"
	"log/slog"

	"github.com/qmuntal/stateless"
)

// LifecycleState is the connection lifecycle state visible to observers.
type LifecycleState string

const (
	StateDisconnected       LifecycleState = "disconnected"
	StateReconnectScheduled LifecycleState = "reconnect_scheduled"
	StateConnecting         LifecycleState = "connecting"
	StateAuthenticating     LifecycleState = "authenticating"
	StateReady              LifecycleState = "ready"
	StateGapRecovering      LifecycleState = "gap_recovering"
	StateClosing            LifecycleState = "closing"
	StateDisposed           LifecycleState = "disposed"
)

// Lifecycle triggers.
const (
	triggerConnect           = "connect"
	triggerAuthenticate      = "authenticate"
	triggerAuthOK            = "auth_ok"
	triggerGapDetected       = "gap_detected"
	triggerGapResolved       = "gap_resolved"
	triggerClose             = "close"
	triggerClosed            = "closed"
	triggerScheduleReconnect = "schedule_reconnect"
	triggerDispose           = "dispose"
)

// lifecycle wraps a stateless state machine that enforces the legal
// connection transitions. Illegal fires indicate an engine bug; they are
// logged rather than panicking the event loop.
type lifecycle struct {
	machine  *stateless.StateMachine
	logger   *slog.Logger
	observer Observer
}

func newLifecycle(logger *slog.Logger, observer Observer) *lifecycle {
	l := &lifecycle{
		logger:   logger,
		observer: observer,
	}

	m := stateless.NewStateMachine(StateDisconnected)

	m.Configure(StateDisconnected).
		Permit(triggerConnect, StateConnecting).
		Permit(triggerScheduleReconnect, StateReconnectScheduled).
		Permit(triggerDispose, StateDisposed)

	m.Configure(StateReconnectScheduled).
		Permit(triggerConnect, StateConnecting).
		Permit(triggerClose, StateClosing).
		Permit(triggerDispose, StateDisposed)

	m.Configure(StateConnecting).
		Permit(triggerAuthenticate, StateAuthenticating).
		Permit(triggerClose, StateClosing).
		Permit(triggerDispose, StateDisposed)

	m.Configure(StateAuthenticating).
		Permit(triggerAuthOK, StateReady).
		Permit(triggerClose, StateClosing).
		Permit(triggerDispose, StateDisposed)

	m.Configure(StateReady).
		Permit(triggerGapDetected, StateGapRecovering).
		Permit(triggerClose, StateClosing).
		Permit(triggerDispose, StateDisposed)

	m.Configure(StateGapRecovering).
		Permit(triggerGapResolved, StateReady).
		Permit(triggerClose, StateClosing).
		Permit(triggerDispose, StateDisposed)

	m.Configure(StateClosing).
		Permit(triggerClosed, StateDisconnected).
		Permit(triggerDispose, StateDisposed)

	m.OnTransitioned(func(_ context.Context, tr stateless.Transition) {
		state, ok := tr.Destination.(LifecycleState)
		if !ok {
			return
		}

		l.logger.Debug("lifecycle transition",
			slog.Any("from", tr.Source),
			slog.Any("to", tr.Destination),
			slog.Any("trigger", tr.Trigger),
		)
		l.observer.StateChanged(state)
	})

	l.machine = m

	return l
}

// fire applies a trigger. No-op with a log entry when the transition is
// not permitted from the current state.
func (l *lifecycle) fire(trigger string) {
	if err := l.machine.Fire(trigger); err != nil {
		l.logger.Warn("illegal lifecycle transition",
			slog.String("trigger", trigger),
			slog.Any("state", l.machine.MustState()),
			slog.String("error", err.Error()),
		)
	}
}

// state returns the current lifecycle state.
func (l *lifecycle) state() LifecycleState {
	s, ok := l.machine.MustState().(LifecycleState)
	if !ok {
		return StateDisconnected
	}

	return s
}

// reset drives any non-terminal state back to disconnected, passing
// through closing so observers see an orderly shutdown.
func (l *lifecycle) reset() {
	switch l.state() {
	case StateDisconnected, StateDisposed:
		return
	case StateClosing:
		l.fire(triggerClosed)
	default:
		l.fire(triggerClose)
		l.fire(triggerClosed)
	}
}
