// Package status tracks the connection lifecycle of one account.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/macaw-im/macaw/internal/bus"
)

// State represents a connection lifecycle state.
type State string

const (
	Offline      State = "OFFLINE"
	Connecting   State = "CONNECTING"
	Resuming     State = "RESUMING" // attempting stream resumption
	Syncing      State = "SYNCING"  // cold path: catch-up queries running
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions. Resumption success
// goes Resuming→Ready directly; rejection falls through Resuming→Syncing
// for the catch-up pass.
var validTransitions = map[State][]State{
	Offline:      {Connecting, Error},
	Connecting:   {Resuming, Syncing, Reconnecting, Error},
	Resuming:     {Ready, Syncing, Reconnecting, Error},
	Syncing:      {Ready, Reconnecting, Error},
	Ready:        {Reconnecting, Offline, Error},
	Reconnecting: {Connecting, Offline, Error},
	Error:        {Offline},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Offline state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Offline,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
