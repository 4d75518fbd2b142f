// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package modelruntime

import (
	"errors"
	"testing"

	"github.com/lifestrands/core/pkg/errkind"
)

func TestMachine_LegalTransitions(t *testing.T) {
	m := NewMachine()
	if m.Current() != StateIdle {
		t.Fatalf("expected initial state IDLE, got %s", m.Current())
	}
	steps := []State{StateLoading, StateLoaded, StateGenerating, StateLoaded, StateUnloading, StateIdle}
	for _, next := range steps {
		if err := m.Transition(next, "test"); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if m.Current() != StateIdle {
		t.Fatalf("expected final state IDLE, got %s", m.Current())
	}
}

func TestMachine_IllegalTransitionRejected(t *testing.T) {
	m := NewMachine()
	err := m.Transition(StateGenerating, "skip ahead")
	if err == nil {
		t.Fatal("expected InvalidTransition error")
	}
	if !errors.Is(err, errkind.ErrInvalidTransition) {
		t.Fatalf("expected errkind.ErrInvalidTransition, got %v", err)
	}
	if m.Current() != StateIdle {
		t.Fatalf("illegal transition must not move state, got %s", m.Current())
	}
}

func TestMachine_ErrorRecoveryTargets(t *testing.T) {
	cases := []struct {
		from     State
		wantTo   State
	}{
		{StateLoading, StateIdle},
		{StateGenerating, StateLoaded},
		{StateUnloading, StateIdle},
	}
	for _, c := range cases {
		m := NewMachine()
		_ = m.Transition(StateLoading, "setup")
		if c.from != StateLoading {
			_ = m.Transition(StateLoaded, "setup")
			if c.from == StateGenerating {
				_ = m.Transition(StateGenerating, "setup")
			} else if c.from == StateUnloading {
				_ = m.Transition(StateUnloading, "setup")
			}
		}
		target, err := m.HandleError("injected failure")
		if err != nil {
			t.Fatalf("HandleError from %s: %v", c.from, err)
		}
		if target != c.wantTo {
			t.Fatalf("recovery target for %s: got %s, want %s", c.from, target, c.wantTo)
		}
		if m.Current() != StateError {
			t.Fatalf("expected ERROR state after HandleError, got %s", m.Current())
		}
	}
}

func TestMachine_HistoryCapAt100(t *testing.T) {
	m := NewMachine()
	for i := 0; i < 150; i++ {
		_ = m.Transition(StateLoading, "cycle")
		_ = m.Transition(StateIdle, "cycle")
		_ = m.Transition(StateLoading, "cycle")
		_ = m.Transition(StateIdle, "cycle")
	}
	hist := m.History(0)
	if len(hist) != transitionHistoryCap {
		t.Fatalf("expected history capped at %d, got %d", transitionHistoryCap, len(hist))
	}
}

func TestMachine_HistoryFormsLegalWalk(t *testing.T) {
	m := NewMachine()
	_ = m.Transition(StateLoading, "")
	_ = m.Transition(StateLoaded, "")
	_ = m.Transition(StateGenerating, "")
	_ = m.Transition(StateLoaded, "")
	for _, tr := range m.History(0) {
		if !legalTransitions[tr.From][tr.To] {
			t.Fatalf("recorded transition %s->%s is not in the legal graph", tr.From, tr.To)
		}
	}
}
