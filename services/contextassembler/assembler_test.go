// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextassembler

import (
	"strings"
	"testing"
	"time"

	"github.com/lifestrands/core/services/characterstore"
)

func TestAssemble_EmptyRecordUsesDefaultPersona(t *testing.T) {
	a := New(DefaultBudgets())
	system, _ := a.Assemble(nil, nil)
	if !strings.Contains(system, "helpful assistant") {
		t.Fatalf("expected default persona, got %q", system)
	}
}

func TestAssemble_SystemPromptIncludesTraits(t *testing.T) {
	a := New(DefaultBudgets())
	rec := characterstore.NewMinimalRecord("Greta")
	rec.Personality.Traits = []string{"stoic", "loyal", "sharp-tongued"}
	system, _ := a.Assemble(rec, nil)
	if !strings.Contains(system, "Greta") {
		t.Fatal("expected name in system prompt")
	}
	if !strings.Contains(system, "stoic") {
		t.Fatal("expected traits in system prompt")
	}
}

func TestRelevantKnowledge_FiltersByJaccardThreshold(t *testing.T) {
	items := []characterstore.KnowledgeItem{
		{Topic: "blacksmithing", Content: "forges swords and armor"},
		{Topic: "astronomy", Content: "tracks the movement of stars"},
	}
	out := relevantKnowledge(items, []string{"tell me about your swords and forging"})
	if len(out) != 1 || out[0].Topic != "blacksmithing" {
		t.Fatalf("expected only blacksmithing to pass the threshold, got %+v", out)
	}
}

func TestTopMemories_OrdersByImportanceAndRecency(t *testing.T) {
	now := time.Now().UTC()
	memories := []characterstore.Memory{
		{Content: "old big event", Timestamp: now.Add(-1000 * time.Hour), Importance: 10},
		{Content: "minor recent event", Timestamp: now.Add(-1 * time.Hour), Importance: 2},
	}
	top := topMemories(memories, 1)
	if len(top) != 1 || top[0].Content != "old big event" {
		t.Fatalf("expected high-importance memory to rank first, got %+v", top)
	}
}

func TestEnforceBudget_TruncatesAtSentenceBoundary(t *testing.T) {
	text := "First sentence is here. Second sentence follows and is quite a bit longer than the first one."
	estimate := func(s string) int { return len(s) }
	out := enforceBudget(text, 24, estimate)
	if !strings.HasSuffix(out, ".") {
		t.Fatalf("expected truncation at sentence boundary, got %q", out)
	}
	if strings.Contains(out, "Second sent") && !strings.HasSuffix(out, "here.") {
		t.Fatalf("unexpected mid-sentence truncation: %q", out)
	}
}

func TestEnforceBudget_NeverTruncatesMidWord(t *testing.T) {
	text := "supercalifragilisticexpialidocious is a very long word indeed without punctuation"
	estimate := func(s string) int { return len(s) }
	out := enforceBudget(text, 10, estimate)
	if len(out) > 0 && out[len(out)-1] != ' ' {
		last := strings.Fields(text)[0]
		if strings.HasPrefix(last, out) && out != last {
			t.Fatalf("expected no mid-word cut, got %q", out)
		}
	}
}
