package protofsm

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/lightningnetwork/lnode/lnutils"
)

var (
	// ErrUnknownState is returned when the current state, or the state a
	// handler asks to move to, is not part of the table.
	ErrUnknownState = errors.New("unknown state")

	// ErrInvalidTable is returned by Validate when the table was built
	// inconsistently.
	ErrInvalidTable = errors.New("invalid state table")
)

// StateName identifies a state of a state machine. The set of names is closed
// and fixed when the table is built.
type StateName string

// String returns the name as a string.
func (s StateName) String() string {
	return string(s)
}

// EventType identifies the kind of an event. Handlers are looked up by the
// pair of current state and event type.
type EventType string

// Event is an input to a state machine.
type Event interface {
	// EventType returns the type tag used to select a handler.
	EventType() EventType
}

// Handler processes a single event for a single state and returns the name of
// the next state. Returning the current state is a legal no-transition. If an
// error is returned, the machine stays in its current state.
type Handler[Env any] func(ctx context.Context, env Env,
	event Event) (StateName, error)

// DispatchObserver is notified after every dispatch with the state before and
// after the event, and the handler error if any.
type DispatchObserver func(from, to StateName, eventType EventType, err error)

// stateEntry holds the handlers of a single state.
type stateEntry[Env any] struct {
	handlers map[EventType]Handler[Env]
	terminal bool
}

// StateTable is a closed enumeration of states together with, for each state,
// the handlers of the events it reacts to. Env is the environment a handler
// operates on, typically the entity the machine drives.
//
// A table is built once with AddState and Handle, checked with Validate, and
// is read only afterwards so it can be shared between goroutines.
type StateTable[Env any] struct {
	name      string
	initial   StateName
	states    map[StateName]*stateEntry[Env]
	observers []DispatchObserver

	// buildErr is the first error encountered while building the table.
	buildErr error
}

// NewStateTable creates an empty table for a machine with the given name and
// initial state. The initial state still has to be added with AddState.
func NewStateTable[Env any](name string,
	initial StateName) *StateTable[Env] {

	return &StateTable[Env]{
		name:    name,
		initial: initial,
		states:  make(map[StateName]*stateEntry[Env]),
	}
}

// AddState registers a state. Terminal states accept no handlers and ignore
// every event delivered to them.
func (t *StateTable[Env]) AddState(state StateName,
	terminal bool) *StateTable[Env] {

	if _, ok := t.states[state]; ok {
		t.fail(fmt.Errorf("state %v added twice", state))
		return t
	}

	t.states[state] = &stateEntry[Env]{
		handlers: make(map[EventType]Handler[Env]),
		terminal: terminal,
	}

	return t
}

// Handle registers the handler for an event type in a state.
func (t *StateTable[Env]) Handle(state StateName, eventType EventType,
	handler Handler[Env]) *StateTable[Env] {

	entry, ok := t.states[state]
	switch {
	case !ok:
		t.fail(fmt.Errorf("handler for %v on unregistered state %v",
			eventType, state))

	case entry.terminal:
		t.fail(fmt.Errorf("handler for %v on terminal state %v",
			eventType, state))

	case handler == nil:
		t.fail(fmt.Errorf("nil handler for %v in %v", eventType,
			state))

	default:
		if _, dup := entry.handlers[eventType]; dup {
			t.fail(fmt.Errorf("duplicate handler for %v in %v",
				eventType, state))
			break
		}

		entry.handlers[eventType] = handler
	}

	return t
}

// RegisterObserver adds an observer that is called after each dispatch.
func (t *StateTable[Env]) RegisterObserver(
	observer DispatchObserver) *StateTable[Env] {

	t.observers = append(t.observers, observer)
	return t
}

func (t *StateTable[Env]) fail(err error) {
	if t.buildErr == nil {
		t.buildErr = err
	}
}

// Validate reports the first inconsistency found while the table was built,
// and checks that the initial state is known.
func (t *StateTable[Env]) Validate() error {
	if t.buildErr != nil {
		return fmt.Errorf("%s: %w: %v", t.name, ErrInvalidTable,
			t.buildErr)
	}

	if _, ok := t.states[t.initial]; !ok {
		return fmt.Errorf("%s: %w: initial state %v not registered",
			t.name, ErrInvalidTable, t.initial)
	}

	return nil
}

// Name returns the name of the machine.
func (t *StateTable[Env]) Name() string {
	return t.name
}

// InitialState returns the state new machines start in.
func (t *StateTable[Env]) InitialState() StateName {
	return t.initial
}

// IsKnown reports whether the state is part of the table.
func (t *StateTable[Env]) IsKnown(state StateName) bool {
	_, ok := t.states[state]
	return ok
}

// IsTerminal reports whether the state is a known terminal state.
func (t *StateTable[Env]) IsTerminal(state StateName) bool {
	entry, ok := t.states[state]
	return ok && entry.terminal
}

// States returns all state names in lexical order.
func (t *StateTable[Env]) States() []StateName {
	names := make([]StateName, 0, len(t.states))
	for name := range t.states {
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool {
		return names[i] < names[j]
	})

	return names
}

// Dispatch routes an event to the handler registered for the current state
// and returns the resulting state.
//
// An event without a handler, or any event delivered to a terminal state, is
// logged and ignored. If the handler fails the current state is returned
// together with the error. A handler naming a state outside the table is
// treated as ErrUnknownState and no transition happens.
func (t *StateTable[Env]) Dispatch(ctx context.Context, current StateName,
	env Env, event Event) (StateName, error) {

	next, err := t.dispatch(ctx, current, env, event)

	for _, observer := range t.observers {
		observer(current, next, event.EventType(), err)
	}

	return next, err
}

func (t *StateTable[Env]) dispatch(ctx context.Context, current StateName,
	env Env, event Event) (StateName, error) {

	entry, ok := t.states[current]
	if !ok {
		return current, fmt.Errorf("%s: current state %v: %w", t.name,
			current, ErrUnknownState)
	}

	eventType := event.EventType()

	log.Tracef("%s: dispatching %v in %v: %v", t.name, eventType,
		current, lnutils.SpewLogClosure(event))

	if entry.terminal {
		log.Debugf("%s: ignoring %v in terminal state %v", t.name,
			eventType, current)

		return current, nil
	}

	handler, ok := entry.handlers[eventType]
	if !ok {
		log.Debugf("%s: no handler for %v in %v, ignoring", t.name,
			eventType, current)

		return current, nil
	}

	next, err := handler(ctx, env, event)
	if err != nil {
		log.Debugf("%s: handler for %v in %v failed: %v", t.name,
			eventType, current, err)

		return current, err
	}

	if _, ok := t.states[next]; !ok {
		log.Errorf("%s: handler for %v in %v returned unknown state "+
			"%q", t.name, eventType, current, next)

		return current, fmt.Errorf("%s: next state %q: %w", t.name,
			next, ErrUnknownState)
	}

	if next != current {
		log.Debugf("%s: %v -> %v on %v", t.name, current, next,
			eventType)
	}

	return next, nil
}
