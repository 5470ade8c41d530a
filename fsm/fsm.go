package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrEventRejected is the error returned when the state machine
	// cannot process an event in the state that it is in.
	ErrEventRejected = errors.New("event rejected")

	// ErrInvalidContextType is returned when an action receives an event
	// context of the wrong type.
	ErrInvalidContextType = errors.New("invalid context")
)

const (
	// Default represents the default state of the system.
	Default StateType = ""

	// NoOp represents a no-op event.
	NoOp EventType = "NoOp"

	// OnError can be used when an action returns a generic error.
	OnError EventType = "OnError"
)

// StateType represents an extensible state type in the state machine.
type StateType string

// EventType represents an extensible event type in the state machine.
type EventType string

// EventContext represents the context to be passed to the action
// implementation.
type EventContext interface{}

// Action represents the action to be executed in a given state. Actions
// block, ctx bounds them.
type Action func(ctx context.Context, eventCtx EventContext) EventType

// Transitions represents a mapping of events and states.
type Transitions map[EventType]StateType

// State binds a state with an action and a set of events it can handle.
type State struct {
	// EntryFunc is a function that is called when the state is entered.
	EntryFunc func()

	// ExitFunc is a function that is called when the state is exited.
	ExitFunc func()

	// Action is the action to be executed in the state.
	Action Action

	// Transitions is a mapping of events and states.
	Transitions Transitions
}

// States represents a mapping of states and their implementations.
type States map[StateType]State

// Notification represents a notification sent to the state machine's
// observers.
type Notification struct {
	// PreviousState is the state the state machine was in before the
	// event was processed.
	PreviousState StateType

	// NextState is the state the state machine is in after the event was
	// processed.
	NextState StateType

	// Event is the event that was processed.
	Event EventType

	// LastActionError is the error of the action that produced Event.
	LastActionError error
}

// Observer is an interface that can be implemented by types that want to
// observe the state machine.
type Observer interface {
	Notify(Notification)
}

// StateMachine represents the state machine.
type StateMachine struct {
	// States holds the state definitions.
	States States

	// ActionEntryFunc is a function that is called before an action is
	// executed. It receives the state being entered.
	ActionEntryFunc func(StateType)

	// ActionExitFunc is a function that is called after an action is
	// executed.
	ActionExitFunc func(StateType)

	// mutex ensures that only 1 event is processed by the state machine
	// at any given time.
	mutex sync.Mutex

	// LastActionError is an error set by the last action executed.
	LastActionError error

	// previous represents the previous state.
	previous StateType

	// current represents the current state.
	current StateType

	// observers is a slice of observers that are notified when the
	// state machine transitions between states.
	observers []Observer

	// observerMutex ensures that observers are only added or removed
	// safely.
	observerMutex sync.Mutex
}

// NewStateMachine creates a new state machine in the Default state.
func NewStateMachine(states States) *StateMachine {
	return NewStateMachineWithState(states, Default)
}

// NewStateMachineWithState creates a new state machine in the given
// state.
func NewStateMachineWithState(states States,
	current StateType) *StateMachine {

	return &StateMachine{
		States:    states,
		current:   current,
		observers: make([]Observer, 0),
	}
}

// CurrentState returns the state the machine is in. It must not be called
// from an action.
func (s *StateMachine) CurrentState() StateType {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.current
}

// getNextState returns the next state for the event given the machine's
// current state, or an error if the event can't be handled in the given
// state.
func (s *StateMachine) getNextState(event EventType) (State, error) {
	state, ok := s.States[s.current]
	if !ok {
		return State{}, NewErrConfigError("current state not found")
	}

	if state.Transitions == nil {
		return State{}, NewErrConfigError(
			"current state has no transitions",
		)
	}

	next, ok := state.Transitions[event]
	if !ok {
		return State{}, NewErrConfigError(
			"event not found in current transitions",
		)
	}

	// Identify the state definition for the next state.
	state, ok = s.States[next]
	if !ok {
		return State{}, NewErrConfigError("next state not found")
	}

	if state.Action == nil {
		return State{}, NewErrConfigError("next state has no action")
	}

	// Transition over to the next state.
	s.previous = s.current
	s.current = next

	return state, nil
}

// SendEvent sends an event to the state machine and runs actions until one
// returns NoOp. It returns an error if an event cannot be processed in the
// state the machine is in.
func (s *StateMachine) SendEvent(ctx context.Context, event EventType,
	eventCtx EventContext) error {

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.States == nil {
		return NewErrConfigError("state machine config is nil")
	}

	var lastErr error
	for {
		// Determine the next state for the event given the machine's
		// current state.
		state, err := s.getNextState(event)
		if err != nil {
			log.Errorf("Event %v rejected in state %v: %v", event,
				s.current, err)

			return fmt.Errorf("%w: %v in %v", ErrEventRejected,
				event, s.current)
		}

		s.notify(Notification{
			PreviousState:   s.previous,
			NextState:       s.current,
			Event:           event,
			LastActionError: lastErr,
		})

		if s.ActionEntryFunc != nil {
			s.ActionEntryFunc(s.current)
		}

		if state.EntryFunc != nil {
			state.EntryFunc()
		}

		// Execute the next state's action and loop over again if the
		// event returned is not a no-op.
		s.LastActionError = nil
		nextEvent := state.Action(ctx, eventCtx)
		lastErr = s.LastActionError

		if state.ExitFunc != nil {
			state.ExitFunc()
		}

		if s.ActionExitFunc != nil {
			s.ActionExitFunc(s.current)
		}

		if nextEvent == NoOp {
			return nil
		}

		event = nextEvent
	}
}

// notify passes n to every observer.
func (s *StateMachine) notify(n Notification) {
	s.observerMutex.Lock()
	defer s.observerMutex.Unlock()

	for _, observer := range s.observers {
		observer.Notify(n)
	}
}

// RegisterObserver registers an observer with the state machine.
func (s *StateMachine) RegisterObserver(observer Observer) {
	s.observerMutex.Lock()
	defer s.observerMutex.Unlock()

	if observer != nil {
		s.observers = append(s.observers, observer)
	}
}

// RemoveObserver removes an observer from the state machine. It returns
// true if the observer was removed, false otherwise.
func (s *StateMachine) RemoveObserver(observer Observer) bool {
	s.observerMutex.Lock()
	defer s.observerMutex.Unlock()

	for i, o := range s.observers {
		if o == observer {
			s.observers = append(
				s.observers[:i], s.observers[i+1:]...,
			)
			return true
		}
	}

	return false
}

// HandleError is a helper function that can be used by actions to handle
// errors.
func (s *StateMachine) HandleError(err error) EventType {
	log.Debugf("StateMachine error in %v: %v", s.current, err)
	s.LastActionError = err

	return OnError
}

// NoOpAction is a no-op action that can be used by states that don't need
// to execute any action.
func NoOpAction(_ context.Context, _ EventContext) EventType {
	return NoOp
}

// ErrConfigError is an error returned when the state machine is
// misconfigured.
type ErrConfigError error

// NewErrConfigError creates a new ErrConfigError.
func NewErrConfigError(msg string) ErrConfigError {
	return (ErrConfigError)(fmt.Errorf("config error: %s", msg))
}

// ErrWaitingForStateTimeout is an error returned when the state machine
// times out while waiting for a state.
type ErrWaitingForStateTimeout error

// NewErrWaitingForStateTimeout creates a new ErrWaitingForStateTimeout.
func NewErrWaitingForStateTimeout(expected,
	actual StateType) ErrWaitingForStateTimeout {

	return (ErrWaitingForStateTimeout)(fmt.Errorf(
		"waiting for state timeout: expected %s, actual: %s",
		expected, actual,
	))
}
