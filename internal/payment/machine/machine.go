package machine

import (
	"crosspay/internal/payment/domain"
)

// Change describes an accepted event.
type Change struct {
	From    State
	To      State
	Event   Event
	Context Context
}

// Listener is notified after every accepted event.
type Listener func(Change)

// Machine holds the state and context of one payment attempt. It processes one event
// at a time and is not safe for concurrent use; hosts that feed it from several
// goroutines must serialize calls to Send.
type Machine struct {
	state     State
	ctx       Context
	listeners []Listener
}

// New creates a machine in resolveRequirements.
func New(adapters Adapters, mode domain.Mode) *Machine {
	return &Machine{
		state: StateResolveRequirements,
		ctx:   Context{Adapters: adapters, Mode: mode},
	}
}

// Send applies ev. It returns the resulting change and whether ev was accepted.
// Ignored events leave the machine untouched and notify nobody.
func (m *Machine) Send(ev Event) (Change, bool) {
	from := m.state
	next, nc, ok := apply(m.state, m.ctx, ev)
	if !ok {
		return Change{From: from, To: from, Event: ev, Context: m.ctx}, false
	}

	m.state, m.ctx = next, nc
	change := Change{From: from, To: next, Event: ev, Context: nc}
	for _, l := range m.listeners {
		l(change)
	}
	return change, true
}

// State returns the current state
func (m *Machine) State() State {
	return m.state
}

// Context returns the current context
func (m *Machine) Context() Context {
	return m.ctx
}

// Subscribe registers a listener.
func (m *Machine) Subscribe(l Listener) {
	m.listeners = append(m.listeners, l)
}

// Snapshot is the persisted form of a machine.
type Snapshot struct {
	State   State   `json:"state"`
	Context Context `json:"context"`
}

// Snapshot returns the current state and context.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{State: m.state, Context: m.ctx}
}

// FromSnapshot reconstructs a machine at the snapshot state with adapters injected.
func FromSnapshot(s Snapshot, adapters Adapters) *Machine {
	ctx := s.Context
	ctx.Adapters = adapters
	return &Machine{state: s.State, ctx: ctx}
}
