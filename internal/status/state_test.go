package status

import (
	"testing"

	"github.com/macaw-im/macaw/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Offline {
		t.Errorf("initial state = %s, want OFFLINE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Offline, Connecting},
		{Connecting, Resuming},
		{Connecting, Syncing},
		{Resuming, Ready},
		{Resuming, Syncing},
		{Syncing, Ready},
		{Ready, Reconnecting},
		{Reconnecting, Connecting},
		{Ready, Offline},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(OFFLINE -> READY) should fail")
	}
	if m.Current() != Offline {
		t.Errorf("state = %s, failed transition must not change state", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindStatusChanged {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Offline || change.To != Connecting {
		t.Errorf("change = %v -> %v, want OFFLINE -> CONNECTING", change.From, change.To)
	}
}

// TestResumedLifecycle simulates a reconnect whose resumption succeeds:
// no Syncing pass is needed.
func TestResumedLifecycle(t *testing.T) {
	m := NewMachine(nil)
	steps := []State{Connecting, Resuming, Ready}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Ready {
		t.Errorf("final state = %s, want READY", m.Current())
	}
}

// TestColdReconnectLifecycle simulates rejected resumption falling through
// to the catch-up pass: RESUMING → SYNCING → READY.
func TestColdReconnectLifecycle(t *testing.T) {
	m := NewMachine(nil)
	steps := []State{Connecting, Resuming, Syncing, Ready}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Ready {
		t.Errorf("final state = %s, want READY", m.Current())
	}
}

// TestDisconnectReconnectCycle verifies the reconnect loop:
// READY → RECONNECTING → CONNECTING → RESUMING → READY
func TestDisconnectReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)

	steps := []State{Reconnecting, Connecting, Resuming, Ready}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Ready {
		t.Errorf("final state = %s, want READY", m.Current())
	}
}

// TestResumingCannotSkipConnecting verifies RESUMING is only reachable
// through CONNECTING — resumption is attempted on a fresh transport, never
// on the dead one.
func TestResumingCannotSkipConnecting(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)
	_ = m.Transition(Reconnecting)

	if err := m.Transition(Resuming); err == nil {
		t.Fatal("RECONNECTING -> RESUMING should fail; must go through CONNECTING")
	}
}

func TestLogoutFromReady(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)

	if err := m.Transition(Offline); err != nil {
		t.Fatalf("READY -> OFFLINE: %v", err)
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Offline:      {},
		Connecting:   {Connecting},
		Resuming:     {Connecting, Resuming},
		Syncing:      {Connecting, Syncing},
		Ready:        {Connecting, Syncing, Ready},
		Reconnecting: {Connecting, Syncing, Ready, Reconnecting},
		Error:        {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
