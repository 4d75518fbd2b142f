// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package contextassembler produces a (system_prompt, history_context)
// pair from a CharacterRecord and message list that fits a configured
// token budget.
package contextassembler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lifestrands/core/services/characterstore"
)

// Budgets holds the token ceilings the assembler enforces (defaults mirror
// original_source's context_builder.py).
type Budgets struct {
	Total     int
	System    int
	History   int
	Knowledge int
}

func DefaultBudgets() Budgets {
	return Budgets{Total: 8192, System: 2048, History: 4096, Knowledge: 2048}
}

// Message is one turn of conversation history fed to the assembler.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Assembler builds prompts from a CharacterRecord and conversation history.
// Stateless and safe for concurrent use; the chars/4 token estimate may be
// replaced by injecting a real tokenizer via WithTokenEstimator.
type Assembler struct {
	budgets   Budgets
	estimator func(string) int
}

func New(budgets Budgets) *Assembler {
	return &Assembler{budgets: budgets, estimator: estimateTokensCharDiv4}
}

// WithTokenEstimator overrides the chars/4 default with an injected
// tokenizer.
func (a *Assembler) WithTokenEstimator(f func(string) int) *Assembler {
	a.estimator = f
	return a
}

func estimateTokensCharDiv4(s string) int {
	return (len(s) + 3) / 4
}

// Assemble returns the system prompt and history context for a record and
// message list, each truncated to fit its budget.
func (a *Assembler) Assemble(record *characterstore.CharacterRecord, messages []Message) (systemPrompt, historyContext string) {
	systemPrompt = enforceBudget(a.buildSystemPrompt(record), a.budgets.System, a.estimator)
	historyContext = enforceBudget(a.buildHistoryContext(record, messages), a.budgets.History, a.estimator)
	combined := systemPrompt + "\n" + historyContext
	if a.estimator(combined) > a.budgets.Total {
		historyContext = enforceBudget(historyContext, a.budgets.Total-a.estimator(systemPrompt), a.estimator)
	}
	return systemPrompt, historyContext
}

// buildSystemPrompt deterministically concatenates identity, background,
// top traits/motivations/fears, and current status, skipping empty fields.
func (a *Assembler) buildSystemPrompt(record *characterstore.CharacterRecord) string {
	if record == nil || record.Name == "" {
		return "You are a helpful assistant. Respond naturally and in character."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", record.Name)

	var backgroundParts []string
	if record.Background.Age > 0 {
		backgroundParts = append(backgroundParts, fmt.Sprintf("%d years old", record.Background.Age))
	}
	if record.Background.Occupation != "" {
		backgroundParts = append(backgroundParts, fmt.Sprintf("works as %s", record.Background.Occupation))
	}
	if record.Background.Location != "" && record.Background.Location != "Unknown" {
		backgroundParts = append(backgroundParts, fmt.Sprintf("lives in %s", record.Background.Location))
	}
	if len(backgroundParts) > 0 {
		fmt.Fprintf(&b, " You are %s.", strings.Join(backgroundParts, ", "))
	}

	if traits := topN(record.Personality.Traits, 5); len(traits) > 0 {
		fmt.Fprintf(&b, " Your defining traits: %s.", strings.Join(traits, ", "))
	}
	if motivations := topN(record.Personality.Motivations, 3); len(motivations) > 0 {
		fmt.Fprintf(&b, " You are driven by: %s.", strings.Join(motivations, ", "))
	}
	if fears := topN(record.Personality.Fears, 2); len(fears) > 0 {
		fmt.Fprintf(&b, " You fear: %s.", strings.Join(fears, ", "))
	}

	var statusParts []string
	if record.CurrentStatus.Mood != "" {
		statusParts = append(statusParts, fmt.Sprintf("mood is %s", record.CurrentStatus.Mood))
	}
	if record.CurrentStatus.Health != "" {
		statusParts = append(statusParts, fmt.Sprintf("health is %s", record.CurrentStatus.Health))
	}
	if record.CurrentStatus.Energy != "" {
		statusParts = append(statusParts, fmt.Sprintf("energy is %s", record.CurrentStatus.Energy))
	}
	if len(statusParts) > 0 {
		fmt.Fprintf(&b, " Right now, your %s.", strings.Join(statusParts, " and your "))
	}

	b.WriteString(" Stay fully in character and never break the fourth wall.")
	return b.String()
}

func topN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

// buildHistoryContext concatenates relevant knowledge, salient
// relationships, top memories, and the last 10 messages.
func (a *Assembler) buildHistoryContext(record *characterstore.CharacterRecord, messages []Message) string {
	var b strings.Builder
	if record != nil {
		if knowledge := relevantKnowledge(record.Knowledge, recentUserQueries(messages, 5)); len(knowledge) > 0 {
			b.WriteString("Relevant knowledge:\n")
			for _, k := range knowledge {
				fmt.Fprintf(&b, "- %s: %s\n", k.Topic, k.Content)
			}
		}
		if rels := salientRelationships(record.Relationships); len(rels) > 0 {
			b.WriteString("Relationships:\n")
			for name, rel := range rels {
				fmt.Fprintf(&b, "- %s: %s (%s)\n", name, rel.Type, rel.Status)
			}
		}
		if memories := topMemories(record.Memories, 3); len(memories) > 0 {
			b.WriteString("Recent memories:\n")
			for _, m := range memories {
				fmt.Fprintf(&b, "- %s\n", m.Content)
			}
		}
	}
	if recent := lastN(messages, 10); len(recent) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range recent {
			speaker := "User"
			if m.Role == "assistant" {
				speaker = "You"
			}
			fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

func lastN(messages []Message, n int) []Message {
	if len(messages) <= n {
		return messages
	}
	return messages[len(messages)-n:]
}

func recentUserQueries(messages []Message, n int) []string {
	var queries []string
	for i := len(messages) - 1; i >= 0 && len(queries) < n; i-- {
		if messages[i].Role == "user" {
			queries = append(queries, messages[i].Content)
		}
	}
	return queries
}

// relevantKnowledge scores each item by Jaccard similarity between the
// lowercased word sets of the query and of topic||content, keeping items
// scoring >= 0.1 and returning the top 3 by score.
func relevantKnowledge(items []characterstore.KnowledgeItem, queries []string) []characterstore.KnowledgeItem {
	queryWords := wordSet(strings.Join(queries, " "))
	if len(queryWords) == 0 || len(items) == 0 {
		return nil
	}
	type scored struct {
		item  characterstore.KnowledgeItem
		score float64
	}
	var candidates []scored
	for _, item := range items {
		itemWords := wordSet(item.Topic + " " + item.Content)
		score := jaccard(queryWords, itemWords)
		if score >= 0.1 {
			candidates = append(candidates, scored{item, score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	var out []characterstore.KnowledgeItem
	for i := 0; i < len(candidates) && i < 3; i++ {
		out = append(out, candidates[i].item)
	}
	return out
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if b[w] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// salientRelationships returns relationships with intensity >= 6, the
// strongest bonds worth surfacing in context.
func salientRelationships(rels map[string]characterstore.Relationship) map[string]characterstore.Relationship {
	out := make(map[string]characterstore.Relationship)
	for name, rel := range rels {
		if rel.Intensity >= 6 {
			out[name] = rel
		}
	}
	return out
}

// topMemories returns the n memories with the highest importance+recency
// score.
func topMemories(memories []characterstore.Memory, n int) []characterstore.Memory {
	now := time.Now().UTC()
	sorted := append([]characterstore.Memory{}, memories...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return memoryRelevance(sorted[i], now) > memoryRelevance(sorted[j], now)
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func memoryRelevance(m characterstore.Memory, now time.Time) float64 {
	age := now.Sub(m.Timestamp)
	recency := 5.0 / (1.0 + age.Hours()/24.0)
	return float64(m.Importance) + recency
}

// enforceBudget truncates text at a sentence boundary if it exceeds the
// token budget, falling back to the nearest word boundary. Never returns a
// truncation mid-word.
func enforceBudget(text string, budget int, estimate func(string) int) string {
	if budget <= 0 || estimate(text) <= budget {
		return text
	}
	maxChars := budget * 4
	if maxChars > len(text) {
		maxChars = len(text)
	}
	for maxChars > 0 && estimate(text[:maxChars]) > budget {
		maxChars--
	}
	cut := text[:maxChars]
	if idx := lastSentenceBoundary(cut); idx > 0 {
		return cut[:idx+1]
	}
	if idx := strings.LastIndexAny(cut, " \n\t"); idx > 0 {
		return cut[:idx]
	}
	return ""
}

func lastSentenceBoundary(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			return i
		}
	}
	return -1
}
