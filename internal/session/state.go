// Package session runs the live transcription pipeline: audio frames
// through voice activity detection into segments, segments through the
// engine, results onto the event bus in capture order.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of a realtime session.
type State int

const (
	// StateIdle - created, not yet started.
	StateIdle State = iota
	// StateRecording - frames flow through the pipeline.
	StateRecording
	// StatePaused - capture continues but frames are discarded.
	StatePaused
	// StateStopping - draining buffered audio and in-flight inference.
	StateStopping
	// StateStopped - terminal, all resources released.
	StateStopped
	// StateError - terminal, entered on fatal pipeline failure.
	StateError
)

// String returns the lowercase name used in events and API responses.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateError
}

// ErrInvalidState is returned for transitions the table rejects, such as
// starting a session that is already recording.
var ErrInvalidState = errors.New("invalid session state")

// Machine is the session state machine. Thread-safe.
//
// Transitions:
//
//	idle ── Start ──→ recording ⇄ paused
//	                      │          │
//	                      └── Stop ──┴──→ stopping ──→ stopped
//	(any non-terminal) ── Fail ──→ error
//
// Rules:
//   - Pause while paused and Resume while recording are accepted no-ops.
//   - Stop while idle goes straight to stopped; stop on a terminal state
//     is a no-op.
//   - Start anywhere but idle is rejected.
type Machine struct {
	mu    sync.RWMutex
	state State
}

// NewMachine creates a machine in the idle state.
func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Start moves idle to recording.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, m.state)
	}
	m.state = StateRecording
	return nil
}

// Pause moves recording to paused. Pausing a paused session is a no-op
// and reports changed=false so callers emit no transition event.
func (m *Machine) Pause() (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRecording:
		m.state = StatePaused
		return true, nil
	case StatePaused:
		return false, nil
	default:
		return false, fmt.Errorf("%w: cannot pause from %s", ErrInvalidState, m.state)
	}
}

// Resume moves paused to recording. Resuming a recording session is a
// no-op and reports changed=false.
func (m *Machine) Resume() (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StatePaused:
		m.state = StateRecording
		return true, nil
	case StateRecording:
		return false, nil
	default:
		return false, fmt.Errorf("%w: cannot resume from %s", ErrInvalidState, m.state)
	}
}

// BeginStop moves recording or paused to stopping. Idle goes straight to
// stopped. Returns whether a drain is needed; terminal states and an
// in-progress stop report false with no error.
func (m *Machine) BeginStop() (drain bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRecording, StatePaused:
		m.state = StateStopping
		return true, nil
	case StateIdle:
		m.state = StateStopped
		return false, nil
	case StateStopping, StateStopped, StateError:
		return false, nil
	default:
		return false, fmt.Errorf("%w: cannot stop from %s", ErrInvalidState, m.state)
	}
}

// FinishStop completes the drain, moving stopping to stopped.
func (m *Machine) FinishStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateStopping:
		m.state = StateStopped
		return nil
	case StateStopped, StateError:
		return nil
	default:
		return fmt.Errorf("%w: cannot finish stop from %s", ErrInvalidState, m.state)
	}
}

// Fail moves any non-terminal state to error. Returns false if the
// machine was already terminal.
func (m *Machine) Fail() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.IsTerminal() {
		return false
	}
	m.state = StateError
	return true
}
