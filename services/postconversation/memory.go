// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package postconversation

import (
	"strings"

	"github.com/lifestrands/core/services/characterstore"
)

var emotionalIndicators = []string{
	"excited", "worried", "happy", "sad", "angry", "surprised",
	"grateful", "frustrated", "proud", "disappointed", "nervous",
}

var personalIndicators = []string{
	"personal", "private", "family", "childhood", "dream", "goal",
	"fear", "hope", "secret", "relationship", "love", "hate",
}

var conflictIndicators = []string{
	"conflict", "argument", "decision", "choice", "problem",
	"challenge", "crisis", "important", "urgent", "critical",
}

var learningIndicators = []string{
	"learned", "discovered", "realized", "understood", "explained",
	"taught", "new information", "revelation", "insight",
}

// calculateMemoryImportance scores a summary 1-10, transliterated from
// summary_generator.py's _calculate_memory_importance: a baseline of 5,
// +1 per indicator lexicon that matches, -1 if the summary reads short.
func calculateMemoryImportance(summary string) int {
	lower := strings.ToLower(summary)
	importance := 5

	if containsAny(lower, emotionalIndicators) {
		importance++
	}
	if containsAny(lower, personalIndicators) {
		importance++
	}
	if containsAny(lower, conflictIndicators) {
		importance++
	}
	if containsAny(lower, learningIndicators) {
		importance++
	}
	if len(summary) < 50 {
		importance--
	}

	return clamp(importance, 1, 10)
}

var positiveIndicators = []string{
	"happy", "excited", "pleased", "satisfied", "grateful", "proud",
	"successful", "achieved", "wonderful", "great", "excellent",
}

var negativeIndicators = []string{
	"sad", "angry", "frustrated", "worried", "disappointed", "upset",
	"failed", "problem", "difficult", "challenging", "concerning",
}

// analyzeEmotionalImpact classifies a summary's overall tone, transliterated
// from summary_generator.py's _analyze_emotional_impact: majority of
// positive vs. negative indicator hits wins; a tie is neutral.
func analyzeEmotionalImpact(summary string) characterstore.EmotionalImpact {
	lower := strings.ToLower(summary)
	positive := countMatches(lower, positiveIndicators)
	negative := countMatches(lower, negativeIndicators)

	switch {
	case positive > negative:
		return characterstore.EmotionPositive
	case negative > positive:
		return characterstore.EmotionNegative
	default:
		return characterstore.EmotionNeutral
	}
}

var topicKeywords = map[string][]string{
	"work":             {"work", "job", "career", "professional", "business"},
	"family":           {"family", "parent", "child", "sibling", "relative"},
	"relationship":     {"friend", "relationship", "partner", "dating"},
	"health":           {"health", "medical", "doctor", "sick", "wellness"},
	"education":        {"school", "study", "learn", "education", "knowledge"},
	"hobby":            {"hobby", "interest", "passion", "recreation"},
	"travel":           {"travel", "trip", "vacation", "journey", "visit"},
	"technology":       {"technology", "computer", "software", "digital"},
	"personal_growth":  {"growth", "improvement", "development", "change"},
}

// topicOrder fixes the iteration order of topicKeywords so tag extraction
// is deterministic, matching a Python dict's insertion-order iteration.
var topicOrder = []string{
	"work", "family", "relationship", "health", "education",
	"hobby", "travel", "technology", "personal_growth",
}

// extractTags returns up to 5 topic tags matched against a summary,
// transliterated from summary_generator.py's _extract_tags.
func extractTags(summary string) []string {
	lower := strings.ToLower(summary)
	var tags []string
	for _, tag := range topicOrder {
		if len(tags) >= 5 {
			break
		}
		if containsAny(lower, topicKeywords[tag]) {
			tags = append(tags, tag)
		}
	}
	return tags
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func countMatches(haystack string, needles []string) int {
	count := 0
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			count++
		}
	}
	return count
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
