package fsm

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Record is the audit trail of one taken transition.
type Record struct {
	Machine string
	From    State
	To      State
	Event   Event
	Guard   string
	Actions []ActionID
	At      time.Time
}

// Observer receives every transition a machine takes.
type Observer interface {
	OnTransition(Record)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Record)

func (f ObserverFunc) OnTransition(r Record) { f(r) }

// Machine holds the current state of one table instance.
type Machine[C any] struct {
	name  string
	table *Table[C]
	clock clockwork.Clock

	mu        sync.Mutex
	state     State
	observers []subscriber
	nextID    int
}

type subscriber struct {
	id int
	o  Observer
}

// NewMachine starts a machine in initial.
func NewMachine[C any](name string, table *Table[C], initial State, clock clockwork.Clock) *Machine[C] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Machine[C]{
		name:      name,
		table:     table,
		clock:     clock,
		state:     initial,
	}
}

// Name returns the machine name used in records.
func (m *Machine[C]) Name() string { return m.name }

// State returns the current state.
func (m *Machine[C]) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Can reports whether event would currently be accepted.
func (m *Machine[C]) Can(event Event, c C) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.Accepts(m.state, event, c)
}

// Fire applies event. On error the state is unchanged and observers are not called.
// Observers run synchronously, in subscription order, after the state has
// been updated.
func (m *Machine[C]) Fire(event Event, c C) (Record, error) {
	m.mu.Lock()
	tr, err := m.table.Next(m.state, event, c)
	if err != nil {
		m.mu.Unlock()
		return Record{}, err
	}

	rec := Record{
		Machine: m.name,
		From:    m.state,
		To:      tr.To,
		Event:   event,
		Guard:   tr.Guard.Name,
		Actions: tr.Actions,
		At:      m.clock.Now(),
	}
	m.state = tr.To

	observers := make([]subscriber, len(m.observers))
	copy(observers, m.observers)
	m.mu.Unlock()

	for _, sub := range observers {
		sub.o.OnTransition(rec)
	}
	return rec, nil
}

// Subscribe registers o and returns a function removing it.
func (m *Machine[C]) Subscribe(o Observer) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.observers = append(m.observers, subscriber{id: id, o: o})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.observers {
			if sub.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}
