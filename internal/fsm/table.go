// Package fsm interprets explicit transition tables.
//
// A Table maps (state, event) to an ordered list of candidate transitions,
// each with an optional named guard and a list of action identifiers. Next
// is a pure function: it never mutates anything and returns the first
// candidate whose guard passes. Machine layers the current state and typed
// observers on top of a Table.
package fsm

import (
	"errors"
	"fmt"
	"strings"
)

// State names a machine state. Hierarchical states use dotted names
// ("authenticated.ready").
type State string

// Event names an input to the machine.
type Event string

// ActionID names a side effect the owner of a machine interprets after a
// transition is taken.
type ActionID string

// Any matches every source state. Transitions declared on a concrete state
// are always tried before Any.
const Any State = "*"

var (
	// ErrInvalidEvent is returned when no transition is declared for the event.
	ErrInvalidEvent = errors.New("event not accepted in state")
	// ErrGuardRejected is matched by RejectedError.
	ErrGuardRejected = errors.New("all guards rejected the event")
)

// Guard is a named predicate over the machine context C.
type Guard[C any] struct {
	Name  string
	Check func(C) bool
}

// When builds a named guard.
func When[C any](name string, check func(C) bool) Guard[C] {
	return Guard[C]{Name: name, Check: check}
}

func (g Guard[C]) allows(c C) bool {
	return g.Check == nil || g.Check(c)
}

// Transition is one row of a table.
type Transition[C any] struct {
	From    State
	Event   Event
	To      State
	Guard   Guard[C]
	Actions []ActionID
}

// RejectedError lists the guards that refused an event.
type RejectedError struct {
	From   State
	Event  Event
	Guards []string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s in %s rejected by [%s]", e.Event, e.From, strings.Join(e.Guards, ", "))
}

func (e *RejectedError) Is(target error) bool { return target == ErrGuardRejected }

type key struct {
	from  State
	event Event
}

// Table is an immutable transition table.
type Table[C any] struct {
	rows map[key][]Transition[C]
}

// NewTable indexes transitions preserving declaration order per (state, event).
func NewTable[C any](transitions ...Transition[C]) *Table[C] {
	t := &Table[C]{rows: make(map[key][]Transition[C])}
	for _, tr := range transitions {
		k := key{tr.From, tr.Event}
		t.rows[k] = append(t.rows[k], tr)
	}
	return t
}

// Next returns the transition taken for event in state from given context c.
func (t *Table[C]) Next(from State, event Event, c C) (Transition[C], error) {
	candidates := t.candidates(from, event)
	if len(candidates) == 0 {
		return Transition[C]{}, fmt.Errorf("%w: %s in %s", ErrInvalidEvent, event, from)
	}

	var rejected []string
	for _, tr := range candidates {
		if tr.Guard.allows(c) {
			return tr, nil
		}
		rejected = append(rejected, tr.Guard.Name)
	}
	return Transition[C]{}, &RejectedError{From: from, Event: event, Guards: rejected}
}

// Accepts reports whether event would be taken in state from.
func (t *Table[C]) Accepts(from State, event Event, c C) bool {
	_, err := t.Next(from, event, c)
	return err == nil
}

func (t *Table[C]) candidates(from State, event Event) []Transition[C] {
	specific := t.rows[key{from, event}]
	wildcard := t.rows[key{Any, event}]
	if len(wildcard) == 0 {
		return specific
	}
	out := make([]Transition[C], 0, len(specific)+len(wildcard))
	out = append(out, specific...)
	return append(out, wildcard...)
}
