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
	"time"

	"github.com/lifestrands/core/services/characterstore"
	"github.com/lifestrands/core/services/contextassembler"
	"github.com/lifestrands/core/services/llm"
	"github.com/lifestrands/core/services/requestpipeline"
)

// autoApprovalThreshold is SUMMARY_AUTO_APPROVAL_THRESHOLD's default. A
// change extracted with confidence >= this value is applied without human
// review; below it, it is dropped (confidence=0.59 is not applied;
// confidence=0.60 is applied).
const autoApprovalThreshold = 0.6

// SummaryRecord is the artifact stored under summary:{session_id}.
type SummaryRecord struct {
	SessionID       string                   `json:"session_id"`
	CharacterID     string                   `json:"character_id"`
	UserID          string                   `json:"user_id"`
	Summary         string                   `json:"summary"`
	KeyPoints       []string                 `json:"key_points"`
	Changes         []ChangeRecord           `json:"changes"`
	AppliedChanges  []ChangeRecord           `json:"applied_changes"`
	EmotionalImpact characterstore.EmotionalImpact `json:"emotional_impact"`
	ProcessedAt     time.Time                `json:"processed_at"`
}

// ChangeKind is the family a ChangeRecord belongs to, one per extractor
// prompt in change_extractor.py's analysis_prompts.
type ChangeKind string

const (
	ChangePersonality ChangeKind = "personality_changed"
	ChangeRelationship ChangeKind = "relationship_updated"
	ChangeKnowledge    ChangeKind = "knowledge_learned"
	ChangeStatus       ChangeKind = "status_updated"
	ChangeMemory       ChangeKind = "memory_added"
)

// ChangeRecord is one candidate character change surfaced by an extractor.
// Data holds the kind-specific fields (person/relationship_type/topic/...)
// as extracted from the model's JSON response.
type ChangeRecord struct {
	Kind       ChangeKind     `json:"change_type"`
	Data       map[string]any `json:"change_data"`
	Confidence float64        `json:"confidence"`
	Reasoning  string         `json:"reasoning,omitempty"`
}

// GenerationSubmitter is the subset of the Request Pipeline (C3) this
// package needs to run summary-class prompts.
type GenerationSubmitter interface {
	SubmitGeneration(ctx context.Context, class requestpipeline.ServiceClass, messages []llm.Message, params llm.GenerationParams, priority int, timeout time.Duration) (<-chan requestpipeline.StreamToken, error)
}

// CharacterRecordStore is the subset of the Character Store (C1) this
// package needs: fetch a record to extract against, and apply the merged
// result of an approved change set.
type CharacterRecordStore interface {
	Get(ctx context.Context, id string) (*characterstore.CharacterRecord, error)
	Update(ctx context.Context, id string, u characterstore.Update) (bool, error)
}

// SummaryStore persists the finished SummaryRecord and notifies subscribers.
type SummaryStore interface {
	SaveSummary(ctx context.Context, sessionID string, record SummaryRecord) error
	PublishCompleted(ctx context.Context, sessionID string) error
}

// conversationText renders a transcript as a plain back-and-forth script,
// the shape every extractor and the summary prompt expect.
func conversationText(messages []contextassembler.Message) string {
	var out string
	for _, m := range messages {
		role := "User"
		if m.Role == "assistant" {
			role = "Character"
		}
		out += role + ": " + m.Content + "\n"
	}
	return out
}

// collectResponse drains a token stream into a single string, stopping
// early on error or ctx cancellation.
func collectResponse(ctx context.Context, tokens <-chan requestpipeline.StreamToken) (string, error) {
	var out []byte
	for {
		select {
		case <-ctx.Done():
			return string(out), ctx.Err()
		case tok, ok := <-tokens:
			if !ok {
				return string(out), nil
			}
			if tok.Err != nil {
				return string(out), tok.Err
			}
			out = append(out, tok.Content...)
			if tok.Done {
				return string(out), nil
			}
		}
	}
}
