// SPDX-License-Identifier: MIT

// Package fsm implements the supervisor's stream state machine. Exactly one
// transition may be in flight at a time; every control operation must pass
// through the guard before touching the pipeline.
package fsm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/picamctl/picamctl/internal/metrics"
)

// State is the externally visible pipeline state.
type State string

const (
	Idle              State = "idle"
	Starting          State = "starting"
	Streaming         State = "streaming"
	PausedForSnapshot State = "paused_for_snapshot"
	Stopping          State = "stopping"
	Rebooting         State = "rebooting"
	Error             State = "error"
)

// AllStates lists every state, for the one-hot state gauge.
var AllStates = []State{Idle, Starting, Streaming, PausedForSnapshot, Stopping, Rebooting, Error}

var (
	// ErrBusy is returned when another transition holds the guard.
	ErrBusy = errors.New("another operation is in progress")

	// ErrInvalidTransition is returned for an edge not in the transition table.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// edges is the static transition table. Rebooting and Error are reachable
// from everywhere and are handled separately in allowed().
var edges = map[State][]State{
	Idle:              {Starting},
	Starting:          {Streaming, Idle},
	Streaming:         {Stopping, PausedForSnapshot},
	PausedForSnapshot: {Streaming},
	Stopping:          {Idle},
	Error:             {Idle},
}

func allowed(from, to State) bool {
	if from == Rebooting {
		return false // terminal for this process instance
	}
	if to == Rebooting || to == Error {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Change describes a completed state transition.
type Change struct {
	Op  string
	Old State
	New State
	At  time.Time
	Err error // non-nil when the transition was a failure path
}

// Listener receives state change notifications. Listeners are invoked
// synchronously after the state has been updated, outside the machine's lock.
type Listener func(Change)

// Snapshot is a point-in-time view of the machine.
type Snapshot struct {
	State          State
	LastTransition time.Time
	CrashCount     int
}

// Machine is the guarded stream state machine.
type Machine struct {
	mu             sync.Mutex
	state          State
	inFlight       bool
	lastTransition time.Time
	crashCount     int
	listeners      []Listener
}

// New returns a machine in the Idle state.
func New() *Machine {
	m := &Machine{state: Idle, lastTransition: time.Now()}
	metrics.SetStreamState(string(Idle), stateNames())
	return m
}

// Subscribe registers a listener for state changes.
func (m *Machine) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the machine.
func (m *Machine) Status() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, LastTransition: m.lastTransition, CrashCount: m.crashCount}
}

// IncrementCrashes bumps the consecutive-crash counter and returns it.
func (m *Machine) IncrementCrashes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crashCount++
	return m.crashCount
}

// ResetCrashes clears the consecutive-crash counter.
func (m *Machine) ResetCrashes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crashCount = 0
}

// Txn is a transition in flight. It holds the single in-flight slot until
// End or Fail is called.
type Txn struct {
	m    *Machine
	op   string
	done bool
}

// Begin atomically validates the edge from the current state to the given
// intermediate state and acquires the in-flight slot. A second Begin while a
// transition is in flight fails with ErrBusy.
func (m *Machine) Begin(op string, to State) (*Txn, error) {
	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return nil, ErrBusy
	}
	from := m.state
	if !allowed(from, to) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s (op %s)", ErrInvalidTransition, from, to, op)
	}
	m.inFlight = true
	change := m.applyLocked(op, to, nil)
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	notify(listeners, change)
	return &Txn{m: m, op: op}, nil
}

// To moves the machine to the next state while still holding the guard.
func (t *Txn) To(next State) error {
	if t.done {
		return fmt.Errorf("transition %s already finished", t.op)
	}
	t.m.mu.Lock()
	from := t.m.state
	if !allowed(from, next) {
		t.m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (op %s)", ErrInvalidTransition, from, next, t.op)
	}
	change := t.m.applyLocked(t.op, next, nil)
	listeners := append([]Listener(nil), t.m.listeners...)
	t.m.mu.Unlock()

	notify(listeners, change)
	return nil
}

// Fail moves the machine to Error, records the cause, and releases the guard.
func (t *Txn) Fail(cause error) {
	if t.done {
		return
	}
	t.done = true
	t.m.mu.Lock()
	change := t.m.applyLocked(t.op, Error, cause)
	t.m.inFlight = false
	listeners := append([]Listener(nil), t.m.listeners...)
	t.m.mu.Unlock()

	notify(listeners, change)
}

// End releases the in-flight slot without changing state.
func (t *Txn) End() {
	if t.done {
		return
	}
	t.done = true
	t.m.mu.Lock()
	t.m.inFlight = false
	t.m.mu.Unlock()
}

// applyLocked updates state under the machine's lock and returns the change.
func (m *Machine) applyLocked(op string, to State, cause error) Change {
	change := Change{Op: op, Old: m.state, New: to, At: time.Now(), Err: cause}
	m.state = to
	m.lastTransition = change.At
	metrics.SetStreamState(string(to), stateNames())
	return change
}

func notify(listeners []Listener, change Change) {
	for _, l := range listeners {
		l(change)
	}
}

func stateNames() []string {
	names := make([]string, len(AllStates))
	for i, s := range AllStates {
		names[i] = string(s)
	}
	return names
}
