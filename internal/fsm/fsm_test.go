package fsm

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type door struct {
	locked bool
}

const (
	closed State = "closed"
	open   State = "open"
	broken State = "broken"

	push  Event = "PUSH"
	pull  Event = "PULL"
	smash Event = "SMASH"
)

func doorTable() *Table[*door] {
	return NewTable(
		Transition[*door]{From: closed, Event: push, To: open, Guard: When("unlocked", func(d *door) bool { return !d.locked })},
		Transition[*door]{From: open, Event: pull, To: closed, Actions: []ActionID{"latch"}},
		Transition[*door]{From: Any, Event: smash, To: broken},
	)
}

func TestTableNext(t *testing.T) {
	table := doorTable()

	tests := []struct {
		name    string
		from    State
		event   Event
		door    *door
		want    State
		wantErr error
	}{
		{"guard passes", closed, push, &door{}, open, nil},
		{"guard rejects", closed, push, &door{locked: true}, "", ErrGuardRejected},
		{"undeclared event", open, push, &door{}, "", ErrInvalidEvent},
		{"wildcard source", open, smash, &door{}, broken, nil},
		{"wildcard from concrete-less state", broken, smash, &door{}, broken, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := table.Next(tt.from, tt.event, tt.door)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, tr.To)
		})
	}
}

func TestRejectedErrorNamesGuards(t *testing.T) {
	_, err := doorTable().Next(closed, push, &door{locked: true})

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, []string{"unlocked"}, rejected.Guards)
}

func TestConcreteBeforeWildcard(t *testing.T) {
	table := NewTable(
		Transition[int]{From: Any, Event: "E", To: "wild"},
		Transition[int]{From: "a", Event: "E", To: "specific", Guard: When("positive", func(n int) bool { return n > 0 })},
	)

	tr, err := table.Next("a", "E", 1)
	require.NoError(t, err)
	assert.Equal(t, State("specific"), tr.To)

	tr, err = table.Next("a", "E", 0)
	require.NoError(t, err)
	assert.Equal(t, State("wild"), tr.To)
}

func TestMachineFireNotifiesObservers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	m := NewMachine("door", doorTable(), closed, clock)

	var records []Record
	unsubscribe := m.Subscribe(ObserverFunc(func(r Record) { records = append(records, r) }))

	_, err := m.Fire(push, &door{})
	require.NoError(t, err)
	rec, err := m.Fire(pull, &door{})
	require.NoError(t, err)

	assert.Equal(t, closed, m.State())
	assert.Equal(t, []ActionID{"latch"}, rec.Actions)
	assert.Equal(t, clock.Now(), rec.At)
	require.Len(t, records, 2)
	assert.Equal(t, "door", records[0].Machine)
	assert.Equal(t, closed, records[0].From)
	assert.Equal(t, open, records[0].To)

	unsubscribe()
	_, err = m.Fire(smash, &door{})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestMachineObserversRunInSubscriptionOrder(t *testing.T) {
	m := NewMachine("door", doorTable(), closed, nil)

	var calls []string
	observer := func(name string) Observer {
		return ObserverFunc(func(Record) { calls = append(calls, name) })
	}
	names := []string{"audit", "events", "ui", "metrics", "log", "trace", "debug", "replay"}
	unsubscribe := make(map[string]func())
	for _, name := range names {
		unsubscribe[name] = m.Subscribe(observer(name))
	}

	_, err := m.Fire(push, &door{})
	require.NoError(t, err)
	assert.Equal(t, names, calls)

	unsubscribe["ui"]()
	unsubscribe["ui"]()
	unsubscribe["replay"]()
	m.Subscribe(observer("late"))

	calls = nil
	_, err = m.Fire(pull, &door{})
	require.NoError(t, err)
	assert.Equal(t, []string{"audit", "events", "metrics", "log", "trace", "debug", "late"}, calls)
}

func TestMachineFailedFireKeepsState(t *testing.T) {
	m := NewMachine("door", doorTable(), closed, nil)
	called := false
	m.Subscribe(ObserverFunc(func(Record) { called = true }))

	_, err := m.Fire(push, &door{locked: true})
	require.Error(t, err)
	assert.Equal(t, closed, m.State())
	assert.False(t, called)
	assert.False(t, m.Can(push, &door{locked: true}))
	assert.True(t, m.Can(push, &door{}))
}
