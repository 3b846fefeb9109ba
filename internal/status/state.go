package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/convsync/internal/bus"
)

// State is the lifecycle state of a conversation view.
type State string

const (
	Idle    State = "IDLE"
	Loading State = "LOADING"
	Live    State = "LIVE"
	Failed  State = "FAILED"
	Closed  State = "CLOSED"
)

// validTransitions defines allowed state transitions. Loading may restart
// from any state because opening another conversation replaces the current
// one. A Live view fails when its push channel is lost.
var validTransitions = map[State][]State{
	Idle:    {Loading, Closed},
	Loading: {Loading, Live, Failed, Closed},
	Live:    {Loading, Failed, Closed},
	Failed:  {Loading, Closed},
	Closed:  {Loading},
}

// Machine tracks and enforces view state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	name    string
	bus     *bus.Bus
}

// NewMachine creates a machine in the Idle state. name identifies the view
// in published events.
func NewMachine(name string, b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		name:    name,
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
	return m.transition(to, "")
}

// TransitionFor is Transition with the conversation the change concerns.
func (m *Machine) TransitionFor(to State, conversation string) error {
	return m.transition(to, conversation)
}

func (m *Machine) transition(to State, conversation string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindViewStatusChanged,
			Timestamp: time.Now(),
			Payload: StatusChange{
				View:         m.name,
				Conversation: conversation,
				From:         from,
				To:           to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	View         string
	Conversation string
	From         State
	To           State
}
