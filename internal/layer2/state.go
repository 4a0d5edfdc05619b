package layer2

import (
	"sync"

	"github.com/klingon-exchange/l2dispatch/internal/l2err"
)

// State is a node in the adapter lifecycle:
//
//	Uninitialized -> Initialized -> Connecting -> Connected <-> Degraded -> Disconnected -> Terminated
type State int

const (
	Uninitialized State = iota
	Initialized
	Connecting
	Connected
	Degraded
	Disconnected
	Terminated
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Disconnected:
		return "disconnected"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var validTransitions = map[State]map[State]bool{
	Uninitialized: {Initialized: true},
	Initialized:   {Connecting: true, Terminated: true},
	Connecting:    {Connected: true, Disconnected: true, Terminated: true},
	Connected:     {Degraded: true, Disconnected: true, Terminated: true},
	Degraded:      {Connected: true, Disconnected: true, Terminated: true},
	Disconnected:  {Connecting: true, Terminated: true},
	Terminated:    {},
}

// epoch tracks the health-probe failure count within the current
// Connected/Degraded epoch: it only ever climbs while probes keep
// failing. A successful probe while Degraded resets the epoch by
// returning to Connected; entering Connected from any other state also
// starts a fresh epoch.
type epoch struct {
	failures uint32
}

// Machine is a small guarded state machine shared by every protocol
// adapter via BaseAdapter.
type Machine struct {
	mu      sync.RWMutex
	current State
	epoch   epoch
}

// NewMachine returns a Machine starting in Uninitialized.
func NewMachine() *Machine {
	return &Machine{current: Uninitialized}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to next if the transition is legal, returning
// l2err.Internal otherwise (illegal transitions indicate a programming
// error in the adapter, not a runtime/protocol failure).
func (m *Machine) Transition(rec l2err.AuditRecorder, next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == next {
		// Calling initialize() or disconnect() twice in a row is
		// idempotent rather than an illegal transition.
		return nil
	}
	if !validTransitions[m.current][next] {
		return l2err.Internalf(rec, "state_transition", nil,
			"illegal transition from %s to %s", m.current, next)
	}
	if next == Connected {
		m.epoch = epoch{}
	}
	m.current = next
	return nil
}

// RequireConnected returns l2err.NotConnected unless the current state is
// Connected or Degraded (degraded adapters still accept operations, just
// with reduced confidence — the Manager and callers decide how to react
// to Degraded via Health/GetState).
func (m *Machine) RequireConnected() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current != Connected && m.current != Degraded {
		return l2err.New(l2err.NotConnected, "adapter is not connected")
	}
	return nil
}

// RecordProbe applies a health-probe result, entering Degraded after two
// consecutive failures and returning to Connected after one success.
// RecordProbe is a no-op outside Connected/Degraded.
func (m *Machine) RecordProbe(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != Connected && m.current != Degraded {
		return
	}
	if success {
		m.epoch.failures = 0
		m.current = Connected
		return
	}
	m.epoch.failures++
	if m.epoch.failures >= 2 {
		m.current = Degraded
	}
}
