package turn

import (
	"sync"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	FromState State
	ToState   State
	Timestamp time.Time
	Reason    string
	TurnID    string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(StateChange)

func (f StateListenerFunc) OnStateChange(event StateChange) { f(event) }

var validTransitions = map[State][]State{
	StateIdle:         {StateListening},
	StateListening:    {StateTranscribing, StateIdle},
	StateTranscribing: {StateGenerating, StateListening, StateIdle},
	StateGenerating:   {StateSynthesizing, StateInterrupted, StateIdle},
	StateSynthesizing: {StatePlaying, StateInterrupted, StateIdle},
	StatePlaying:      {StateIdle, StateInterrupted},
	StateInterrupted:  {StateListening},
}

// stateMachine guards the controller's state. Only the controller loop
// transitions it; State may be read from anywhere.
type stateMachine struct {
	currentState State
	enteredAt    time.Time
	mu           sync.RWMutex

	stateChangeListeners []StateListener
}

func newStateMachine() *stateMachine {
	return &stateMachine{currentState: StateIdle, enteredAt: time.Now()}
}

// State returns the current state.
func (tm *stateMachine) State() State {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.currentState
}

// Since returns how long the machine has been in its current state.
func (tm *stateMachine) Since() time.Duration {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return time.Since(tm.enteredAt)
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition moves to a new state with validation.
func (tm *stateMachine) Transition(state State, turnID, reason string) error {
	tm.mu.Lock()
	if !transitionValid(tm.currentState, state) {
		from := tm.currentState
		tm.mu.Unlock()
		return &InvalidTransitionError{From: from, To: state}
	}
	oldState := tm.currentState
	tm.currentState = state
	tm.enteredAt = time.Now()
	event := StateChange{
		FromState: oldState,
		ToState:   state,
		Timestamp: tm.enteredAt,
		Reason:    reason,
		TurnID:    turnID,
	}
	listeners := make([]StateListener, len(tm.stateChangeListeners))
	copy(listeners, tm.stateChangeListeners)
	tm.mu.Unlock()

	for _, listener := range listeners {
		listener.OnStateChange(event)
	}
	return nil
}

// AddListener registers a listener for state change events.
func (tm *stateMachine) AddListener(listener StateListener) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.stateChangeListeners = append(tm.stateChangeListeners, listener)
}

// InvalidTransitionError represents an invalid state transition attempt
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
