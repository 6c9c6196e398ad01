package orchestrator

import (
	"sync"
	"time"
)

// State is the position of a question cycle in the orchestration protocol.
type State int

const (
	StateIdle State = iota
	StateAwaitingModel
	StateToolRequested
	StateAnswered
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateToolRequested:
		return "tool_requested"
	case StateAnswered:
		return "answered"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible within a cycle.
func (s State) Terminal() bool {
	return s == StateAnswered || s == StateAborted
}

// StateChange represents a state transition event.
type StateChange struct {
	SessionID string
	CycleID   string
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
}

// StateListener observes cycle state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

var validTransitions = map[State][]State{
	StateIdle:          {StateAwaitingModel},
	StateAwaitingModel: {StateToolRequested, StateAnswered, StateAborted},
	StateToolRequested: {StateAwaitingModel, StateAborted},
}

// cycleMachine enforces the transitions of one question cycle.
type cycleMachine struct {
	mu        sync.Mutex
	current   State
	sessionID string
	cycleID   string
	listeners []StateListener
}

func newCycleMachine(sessionID, cycleID string, listeners []StateListener) *cycleMachine {
	return &cycleMachine{
		current:   StateIdle,
		sessionID: sessionID,
		cycleID:   cycleID,
		listeners: listeners,
	}
}

func (m *cycleMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to state, notifying listeners outside the lock.
func (m *cycleMachine) Transition(state State, reason string) error {
	m.mu.Lock()
	if !transitionValid(m.current, state) {
		from := m.current
		m.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}
	event := StateChange{
		SessionID: m.sessionID,
		CycleID:   m.cycleID,
		FromState: m.current,
		ToState:   state,
		Timestamp: time.Now(),
		Reason:    reason,
	}
	m.current = state
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l.OnStateChange(event)
	}
	return nil
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
