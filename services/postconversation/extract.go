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
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lifestrands/core/services/contextassembler"
	"github.com/lifestrands/core/services/llm"
	"github.com/lifestrands/core/services/requestpipeline"
)

const (
	summaryGenerationTimeout = 30 * time.Second
	summaryPriority          = 0
)

// summaryPrompt is summary_generator.py's "conversation" template.
const summaryPrompt = `You are an expert conversation analyst. Create a concise summary of the following conversation between a user and an NPC character.

Focus on:
- Key topics discussed
- Important information exchanged
- Emotional tone and mood changes
- Any significant moments or revelations

Conversation:
%s

Provide a clear, objective summary in 2-3 sentences:`

// keyPointsPrompt is summary_generator.py's "key_points" template.
const keyPointsPrompt = `Analyze the following conversation and extract the most important key points and moments.

Conversation:
%s

List the top 3-5 key points as a JSON array of strings:`

// memoryEntryPrompt is summary_generator.py's "memory_entry" template.
const memoryEntryPrompt = `Convert this conversation summary into a memory entry for the NPC character.

Summary: %s
NPC Name: %s
Context: This was a conversation with a user.

Create a natural memory entry that the character would have about this interaction. Write it from the NPC's perspective in first person:`

// extractorPrompts are change_extractor.py's analysis_prompts, one per
// ChangeKind, each requesting a specific JSON response shape.
var extractorPrompts = map[ChangeKind]string{
	ChangePersonality: `Analyze this conversation for changes in the character's personality, traits, or behavior patterns.

Conversation:
%s

Current personality context: %s

Identify any personality changes, new traits revealed, or behavioral shifts. Respond with JSON:
{"changes": [{"type": "trait|motivation|fear|value|quirk", "item": "description", "confidence": 0.0-1.0, "reasoning": "why"}]}

If no changes detected, respond with {"changes": []}`,

	ChangeRelationship: `Analyze this conversation for changes in the character's relationship with the user.

Conversation:
%s

Current relationship context: %s

Identify any relationship developments, status changes, or new relationship information. Respond with JSON:
{"changes": [{"person": "user", "relationship_type": "friend|enemy|romantic|acquaintance|colleague", "status": "positive|negative|neutral|complicated", "intensity": -10 to 10, "reasoning": "why"}]}

If no changes detected, respond with {"changes": []}`,

	ChangeKnowledge: `Analyze this conversation for new knowledge or information the character has learned.

Conversation:
%s

Identify any new facts, information, or knowledge the character gained. Respond with JSON:
{"knowledge": [{"topic": "subject", "content": "what was learned", "confidence": 1-10, "source": "conversation"}]}

If nothing new was learned, respond with {"knowledge": []}`,

	ChangeStatus: `Analyze this conversation for changes in the character's current status, mood, or situation.

Conversation:
%s

Current status context: %s

Identify any status updates such as mood, health, energy, location, or activity changes. Respond with JSON:
{"status_changes": [{"field": "mood|health|energy|location|activity", "new_value": "value", "confidence": 0.0-1.0, "reasoning": "why"}]}

If no changes detected, respond with {"status_changes": []}`,

	ChangeMemory: `Analyze the emotional impact of this conversation on the character.

Conversation:
%s

Identify the conversation's overall emotional impact. Respond with JSON:
{"emotional_impact": {"primary_emotion": "name", "intensity": 1-10, "lasting_effect": "description", "confidence": 0.0-1.0}}`,
}

// generate submits a single summary-class prompt and collects the full
// response. Summary-class work always runs at requestpipeline's default
// summary priority, behind interactive chat.
func generate(ctx context.Context, sub GenerationSubmitter, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, summaryGenerationTimeout)
	defer cancel()

	messages := []llm.Message{{Role: "user", Content: prompt}}
	priority := requestpipeline.DefaultPriority(requestpipeline.ServiceClassSummary)
	tokens, err := sub.SubmitGeneration(ctx, requestpipeline.ServiceClassSummary, messages, llm.GenerationParams{}, priority, summaryGenerationTimeout)
	if err != nil {
		return "", fmt.Errorf("submit summary generation: %w", err)
	}
	return collectResponse(ctx, tokens)
}

// GenerateSummary produces the 2-3 sentence transcript summary, grounded on
// summary_generator.py's generate_summary.
func GenerateSummary(ctx context.Context, sub GenerationSubmitter, messages []contextassembler.Message) (string, error) {
	transcript := conversationText(messages)
	if strings.TrimSpace(transcript) == "" {
		return "Brief conversation with no substantial content.", nil
	}
	summary, err := generate(ctx, sub, fmt.Sprintf(summaryPrompt, transcript))
	if err != nil {
		return "", err
	}
	return cleanSummary(summary), nil
}

// cleanSummary strips the common LLM artifacts summary_generator.py's
// _clean_summary removes: a leading "Summary:" label and wrapping quotes.
func cleanSummary(summary string) string {
	summary = strings.TrimSpace(summary)
	if strings.HasPrefix(strings.ToLower(summary), "summary:") {
		summary = strings.TrimSpace(summary[len("summary:"):])
	}
	if len(summary) >= 2 && strings.HasPrefix(summary, `"`) && strings.HasSuffix(summary, `"`) {
		summary = summary[1 : len(summary)-1]
	}
	return summary
}

// ExtractKeyPoints pulls up to 5 key points out of the transcript, grounded
// on summary_generator.py's extract_key_points (JSON array, falling back to
// a line-by-line parse of a plain-text response).
func ExtractKeyPoints(ctx context.Context, sub GenerationSubmitter, messages []contextassembler.Message) ([]string, error) {
	if len(messages) < 2 {
		return nil, nil
	}
	transcript := conversationText(messages)
	response, err := generate(ctx, sub, fmt.Sprintf(keyPointsPrompt, transcript))
	if err != nil {
		return nil, err
	}

	var points []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &points); err == nil {
		return capStrings(points, 5, 200), nil
	}

	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") || strings.HasPrefix(line, "]") {
			continue
		}
		lines = append(lines, stripListMarker(line))
	}
	return capStrings(lines, 5, 200), nil
}

func capStrings(in []string, maxItems, maxLen int) []string {
	var out []string
	for _, s := range in {
		if len(out) >= maxItems {
			break
		}
		s = strings.TrimSpace(s)
		if s != "" && len(s) <= maxLen {
			out = append(out, s)
		}
	}
	return out
}

// stripListMarker removes a leading bullet/number marker ("1.", "-", "*")
// from a plain-text key point line.
func stripListMarker(line string) string {
	i := 0
	for i < len(line) && (line[i] == '-' || line[i] == '*' || line[i] == '.' || line[i] == ')' || (line[i] >= '0' && line[i] <= '9')) {
		i++
	}
	for i < len(line) && line[i] == ' ' {
		i++
	}
	return line[i:]
}

// GenerateMemoryEntry converts a summary into an NPC-perspective memory
// entry, grounded on summary_generator.py's generate_memory_entry.
func GenerateMemoryEntry(ctx context.Context, sub GenerationSubmitter, summary, npcName string) (string, error) {
	content, err := generate(ctx, sub, fmt.Sprintf(memoryEntryPrompt, summary, npcName))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// AnalyzeConversation fans the 5 change extractors out concurrently (the
// original's asyncio.gather, here an errgroup) and returns every surfaced
// ChangeRecord regardless of confidence; approvedChanges applies the
// auto-apply gate afterward.
func AnalyzeConversation(ctx context.Context, sub GenerationSubmitter, messages []contextassembler.Message, record characterContext) ([]ChangeRecord, error) {
	transcript := conversationText(messages)

	kinds := []ChangeKind{ChangePersonality, ChangeRelationship, ChangeKnowledge, ChangeStatus, ChangeMemory}
	results := make([][]ChangeRecord, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(func() error {
			prompt := buildExtractorPrompt(kind, transcript, record)
			response, err := generate(gctx, sub, prompt)
			if err != nil {
				return fmt.Errorf("extractor %s: %w", kind, err)
			}
			changes, err := parseExtractorResponse(kind, response)
			if err != nil {
				// A malformed extractor response should not sink the whole
				// analysis; treat it as "nothing surfaced."
				return nil
			}
			results[i] = changes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []ChangeRecord
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// characterContext carries the bits of the character record each extractor
// prompt interpolates as "current ... context", so the model reasons about
// deltas rather than absolutes.
type characterContext struct {
	Personality string
	Relationship string
	Status       string
	Name         string
}

func buildExtractorPrompt(kind ChangeKind, transcript string, ctx characterContext) string {
	tmpl := extractorPrompts[kind]
	switch kind {
	case ChangePersonality:
		return fmt.Sprintf(tmpl, transcript, ctx.Personality)
	case ChangeRelationship:
		return fmt.Sprintf(tmpl, transcript, ctx.Relationship)
	case ChangeStatus:
		return fmt.Sprintf(tmpl, transcript, ctx.Status)
	case ChangeKnowledge, ChangeMemory:
		return fmt.Sprintf(tmpl, transcript)
	default:
		return fmt.Sprintf(tmpl, transcript)
	}
}

func parseExtractorResponse(kind ChangeKind, response string) ([]ChangeRecord, error) {
	response = strings.TrimSpace(response)
	if response == "" {
		return nil, fmt.Errorf("empty extractor response")
	}

	switch kind {
	case ChangePersonality:
		var body struct {
			Changes []struct {
				Type       string  `json:"type"`
				Item       string  `json:"item"`
				Confidence float64 `json:"confidence"`
				Reasoning  string  `json:"reasoning"`
			} `json:"changes"`
		}
		if err := json.Unmarshal([]byte(response), &body); err != nil {
			return nil, err
		}
		out := make([]ChangeRecord, 0, len(body.Changes))
		for _, c := range body.Changes {
			out = append(out, ChangeRecord{
				Kind:       ChangePersonality,
				Data:       map[string]any{"change_type": c.Type, "item": c.Item},
				Confidence: c.Confidence,
				Reasoning:  c.Reasoning,
			})
		}
		return out, nil

	case ChangeRelationship:
		var body struct {
			Changes []struct {
				Person           string  `json:"person"`
				RelationshipType string  `json:"relationship_type"`
				Status           string  `json:"status"`
				Intensity        float64 `json:"intensity"`
				Reasoning        string  `json:"reasoning"`
			} `json:"changes"`
		}
		if err := json.Unmarshal([]byte(response), &body); err != nil {
			return nil, err
		}
		out := make([]ChangeRecord, 0, len(body.Changes))
		for _, c := range body.Changes {
			out = append(out, ChangeRecord{
				Kind: ChangeRelationship,
				Data: map[string]any{
					"person":            c.Person,
					"relationship_type": c.RelationshipType,
					"status":            c.Status,
					"intensity":         c.Intensity,
				},
				Confidence: confidenceFromIntensity(c.Intensity),
				Reasoning:  c.Reasoning,
			})
		}
		return out, nil

	case ChangeKnowledge:
		var body struct {
			Knowledge []struct {
				Topic      string  `json:"topic"`
				Content    string  `json:"content"`
				Confidence float64 `json:"confidence"`
				Source     string  `json:"source"`
			} `json:"knowledge"`
		}
		if err := json.Unmarshal([]byte(response), &body); err != nil {
			return nil, err
		}
		out := make([]ChangeRecord, 0, len(body.Knowledge))
		for _, k := range body.Knowledge {
			out = append(out, ChangeRecord{
				Kind: ChangeKnowledge,
				Data: map[string]any{
					"topic":   k.Topic,
					"content": k.Content,
					"source":  k.Source,
				},
				// Knowledge confidence is reported 1-10 in the original;
				// normalize to the package's 0-1 auto-apply scale.
				Confidence: k.Confidence / 10,
			})
		}
		return out, nil

	case ChangeStatus:
		var body struct {
			StatusChanges []struct {
				Field      string  `json:"field"`
				NewValue   string  `json:"new_value"`
				Confidence float64 `json:"confidence"`
				Reasoning  string  `json:"reasoning"`
			} `json:"status_changes"`
		}
		if err := json.Unmarshal([]byte(response), &body); err != nil {
			return nil, err
		}
		out := make([]ChangeRecord, 0, len(body.StatusChanges))
		for _, c := range body.StatusChanges {
			out = append(out, ChangeRecord{
				Kind:       ChangeStatus,
				Data:       map[string]any{"field": c.Field, "new_value": c.NewValue},
				Confidence: c.Confidence,
				Reasoning:  c.Reasoning,
			})
		}
		return out, nil

	case ChangeMemory:
		var body struct {
			EmotionalImpact struct {
				PrimaryEmotion string  `json:"primary_emotion"`
				Intensity      float64 `json:"intensity"`
				LastingEffect  string  `json:"lasting_effect"`
				Confidence     float64 `json:"confidence"`
			} `json:"emotional_impact"`
		}
		if err := json.Unmarshal([]byte(response), &body); err != nil {
			return nil, err
		}
		if body.EmotionalImpact.PrimaryEmotion == "" {
			return nil, nil
		}
		return []ChangeRecord{{
			Kind: ChangeMemory,
			Data: map[string]any{
				"primary_emotion": body.EmotionalImpact.PrimaryEmotion,
				"intensity":       body.EmotionalImpact.Intensity,
				"lasting_effect":  body.EmotionalImpact.LastingEffect,
			},
			Confidence: body.EmotionalImpact.Confidence,
		}}, nil
	}
	return nil, fmt.Errorf("unknown change kind %q", kind)
}

// confidenceFromIntensity maps a relationship extractor's -10..10 intensity
// onto the package's 0..1 confidence scale by magnitude: a strongly-stated
// relationship shift is reported with more confidence than a faint one.
func confidenceFromIntensity(intensity float64) float64 {
	abs := intensity
	if abs < 0 {
		abs = -abs
	}
	c := abs / 10
	if c > 1 {
		c = 1
	}
	return c
}
