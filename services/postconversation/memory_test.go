// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package postconversation

import (
	"testing"

	"github.com/lifestrands/core/services/characterstore"
)

func TestCalculateMemoryImportanceBaseline(t *testing.T) {
	got := calculateMemoryImportance("We talked about the weather for a while and then said goodbye quietly.")
	if got != 5 {
		t.Fatalf("importance = %d, want 5", got)
	}
}

func TestCalculateMemoryImportanceBoostsStack(t *testing.T) {
	summary := "She was excited to share a personal secret about an urgent decision she learned was coming."
	got := calculateMemoryImportance(summary)
	if got != 9 {
		t.Fatalf("importance = %d, want 9 (5 baseline + 4 boosts)", got)
	}
}

func TestCalculateMemoryImportanceShortSummaryPenalty(t *testing.T) {
	got := calculateMemoryImportance("Brief chat.")
	if got != 4 {
		t.Fatalf("importance = %d, want 4 (5 baseline - 1 length penalty)", got)
	}
}

func TestCalculateMemoryImportanceClampsToRange(t *testing.T) {
	// All four boosts plus a long summary, still capped at 10.
	summary := "Excited and grateful, she faced an urgent crisis and learned a startling revelation about her family's secret love, all while discussing a major important decision that took longer than fifty characters to describe fully."
	got := calculateMemoryImportance(summary)
	if got > 10 {
		t.Fatalf("importance = %d, want <= 10", got)
	}
}

func TestAnalyzeEmotionalImpactPositive(t *testing.T) {
	got := analyzeEmotionalImpact("She was happy and excited, grateful for the wonderful news.")
	if got != characterstore.EmotionPositive {
		t.Fatalf("impact = %q, want positive", got)
	}
}

func TestAnalyzeEmotionalImpactNegative(t *testing.T) {
	got := analyzeEmotionalImpact("He felt sad, angry, and frustrated about the failed plan.")
	if got != characterstore.EmotionNegative {
		t.Fatalf("impact = %q, want negative", got)
	}
}

func TestAnalyzeEmotionalImpactNeutralOnTie(t *testing.T) {
	got := analyzeEmotionalImpact("She was happy but also sad about the outcome.")
	if got != characterstore.EmotionNeutral {
		t.Fatalf("impact = %q, want neutral on a tie", got)
	}
}

func TestExtractTagsMatchesAndCaps(t *testing.T) {
	summary := "They discussed her job, her family, a recent trip, new technology, and a school project, plus a hobby and personal growth."
	tags := extractTags(summary)
	if len(tags) != 5 {
		t.Fatalf("tags = %v, want 5 (capped)", tags)
	}
	want := []string{"work", "family", "education", "hobby", "travel"}
	for i, w := range want {
		if tags[i] != w {
			t.Fatalf("tags[%d] = %q, want %q (order: %v)", i, tags[i], w, tags)
		}
	}
}

func TestExtractTagsNoMatches(t *testing.T) {
	tags := extractTags("The weather was pleasant today.")
	if len(tags) != 0 {
		t.Fatalf("tags = %v, want none", tags)
	}
}
