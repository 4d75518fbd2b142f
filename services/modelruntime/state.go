// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package modelruntime owns GPU-resident model lifecycle: a state machine
// governing legal transitions, VRAM-aware hot-swap between model types, and
// bounded token streaming for generation.
package modelruntime

import (
	"fmt"
	"sync"
	"time"

	"github.com/lifestrands/core/pkg/errkind"
)

// State is one of the six states a model runtime can occupy.
type State string

const (
	StateIdle       State = "IDLE"
	StateLoading    State = "LOADING"
	StateLoaded     State = "LOADED"
	StateGenerating State = "GENERATING"
	StateUnloading  State = "UNLOADING"
	StateError      State = "ERROR"
)

// legalTransitions is the transition graph, a direct port of
// VALID_TRANSITIONS in the original state_machine.py.
var legalTransitions = map[State]map[State]bool{
	StateIdle:       {StateLoading: true, StateError: true},
	StateLoading:    {StateLoaded: true, StateIdle: true, StateError: true},
	StateLoaded:     {StateGenerating: true, StateUnloading: true, StateError: true},
	StateGenerating: {StateLoaded: true, StateError: true},
	StateUnloading:  {StateIdle: true, StateError: true},
	StateError:      {StateIdle: true, StateLoading: true, StateUnloading: true},
}

// recoveryTarget is the state the machine re-enters after ERROR, keyed by
// the state the error interrupted.
var recoveryTarget = map[State]State{
	StateLoading:    StateIdle,
	StateGenerating: StateLoaded,
	StateUnloading:  StateIdle,
}

// Transition records one recorded state change in the ring buffer.
type Transition struct {
	From State
	To   State
	At   time.Time
	Note string
}

const transitionHistoryCap = 100

// Machine is a mutex-protected state machine for a single model instance.
// Every method is safe for concurrent use; callers never race on the
// current state.
type Machine struct {
	mu      sync.Mutex
	current State
	history []Transition
	counts  map[string]int
}

// NewMachine returns a machine starting in IDLE.
func NewMachine() *Machine {
	return &Machine{current: StateIdle, counts: make(map[string]int)}
}

// Current returns the machine's current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CanTransition reports whether `to` is legal from the current state.
func (m *Machine) CanTransition(to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return legalTransitions[m.current][to]
}

// Transition moves the machine to `to`, recording the transition. It fails
// with errkind.InvalidTransition if the move is not in the legal graph.
func (m *Machine) Transition(to State, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !legalTransitions[m.current][to] {
		return fmt.Errorf("%s -> %s not permitted: %w", m.current, to, errkind.Of(errkind.InvalidTransition))
	}
	m.record(m.current, to, note)
	m.current = to
	return nil
}

// record appends to the ring buffer, trimming the oldest entry once the
// buffer reaches its 100-entry cap.
func (m *Machine) record(from, to State, note string) {
	m.history = append(m.history, Transition{From: from, To: to, At: time.Now(), Note: note})
	if len(m.history) > transitionHistoryCap {
		m.history = m.history[len(m.history)-transitionHistoryCap:]
	}
	m.counts[fmt.Sprintf("%s->%s", from, to)]++
}

// HandleError transitions to ERROR, then immediately computes (without
// sleeping — callers that want a brief backoff schedule it themselves via
// RecoverAfter) the recovery target for the state the error interrupted.
func (m *Machine) HandleError(note string) (recoverTo State, err error) {
	m.mu.Lock()
	from := m.current
	if !legalTransitions[from][StateError] {
		m.mu.Unlock()
		return "", fmt.Errorf("cannot enter ERROR from %s: %w", from, errkind.Of(errkind.InvalidTransition))
	}
	m.record(from, StateError, note)
	m.current = StateError
	target, ok := recoveryTarget[from]
	if !ok {
		target = StateIdle
	}
	m.mu.Unlock()
	return target, nil
}

// RecoverAfter waits a brief backoff, then transitions from ERROR to
// target. Grounded on state_machine.py's handle_error, which sleeps 1s
// before re-entering the recovery state.
func (m *Machine) RecoverAfter(backoff time.Duration, target State) error {
	time.Sleep(backoff)
	return m.Transition(target, "auto-recovery")
}

// History returns a copy of the last n recorded transitions (n<=0 means all
// up to the 100-entry cap).
func (m *Machine) History(n int) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.history) {
		n = len(m.history)
	}
	out := make([]Transition, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}

// Stats returns per-edge transition counts, keyed "FROM->TO".
func (m *Machine) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}

// IsOperational reports whether the machine can serve requests right now
// (LOADED or GENERATING).
func (m *Machine) IsOperational() bool {
	s := m.Current()
	return s == StateLoaded || s == StateGenerating
}

// CanAcceptRequests reports whether a new generation request may be
// dispatched against this instance.
func (m *Machine) CanAcceptRequests() bool {
	return m.Current() == StateLoaded
}
