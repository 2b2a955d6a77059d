package status

import (
	"testing"
	"time"

	"github.com/matfraga/pigeon/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

// walkTo drives the machine from Booting to the target state through a
// known-valid path.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:      {},
		AuthRequired: {AuthRequired},
		Resolving:    {Resolving},
		Connecting:   {Resolving, Connecting},
		Ready:        {Resolving, Connecting, Ready},
		Reconnecting: {Resolving, Connecting, Ready, Reconnecting},
		Offline:      {Resolving, Connecting, Ready, Reconnecting, Offline},
		Error:        {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, AuthRequired},
		{Booting, Resolving},
		{AuthRequired, Resolving},
		{Resolving, Connecting},
		{Resolving, Offline},
		{Connecting, Ready},
		{Ready, Reconnecting},
		{Reconnecting, Connecting},
		{Reconnecting, Resolving},
		{Reconnecting, Offline},
		{Offline, Resolving},
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
		t.Error("Transition(BOOTING -> READY) should fail")
	}
}

func TestOfflineRequiresExplicitRetry(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Offline)

	// Connecting directly from Offline is not allowed; resolution runs first.
	if err := m.Transition(Connecting); err == nil {
		t.Error("Transition(OFFLINE -> CONNECTING) should fail")
	}
	if err := m.Transition(Resolving); err != nil {
		t.Errorf("Transition(OFFLINE -> RESOLVING) error = %v", err)
	}
}

func TestTransitionPublishesEvent(t *testing.T) {
	b := bus.New()
	m := NewMachine(b)

	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	if err := m.Transition(Resolving); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T", evt.Payload)
		}
		if change.From != Booting || change.To != Resolving {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}
