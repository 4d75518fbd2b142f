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
	"time"

	"github.com/lifestrands/core/services/characterstore"
)

// isAdmissible implements memory_updater.py's validate_change_data: each
// change family has its own minimum required fields before it is even
// considered for auto-application.
func isAdmissible(c ChangeRecord) bool {
	switch c.Kind {
	case ChangeRelationship:
		person, ok := c.Data["person"].(string)
		return ok && person != ""
	case ChangePersonality:
		changeType, _ := c.Data["change_type"].(string)
		item, _ := c.Data["item"].(string)
		return changeType != "" && item != ""
	case ChangeKnowledge:
		topic, _ := c.Data["topic"].(string)
		content, _ := c.Data["content"].(string)
		return topic != "" && content != ""
	case ChangeStatus:
		field, _ := c.Data["field"].(string)
		newValue, _ := c.Data["new_value"].(string)
		return field != "" && newValue != ""
	default:
		return false
	}
}

// approvedChanges filters to the changes admissible per isAdmissible and
// confident enough per autoApprovalThreshold (confidence=0.59 is not
// applied; confidence=0.60 is applied).
func approvedChanges(changes []ChangeRecord) []ChangeRecord {
	var out []ChangeRecord
	for _, c := range changes {
		if c.Kind == ChangeMemory {
			continue // emotional-impact records feed the memory entry directly, not the auto-apply gate.
		}
		if c.Confidence >= autoApprovalThreshold && isAdmissible(c) {
			out = append(out, c)
		}
	}
	return out
}

// buildUpdate folds a batch of approved ChangeRecords plus the session's
// derived memory entry into a single characterstore.Update, grounded on
// memory_updater.py's apply_changes dispatch (_apply_personality_change,
// _apply_relationship_update, _apply_knowledge_update, _apply_status_update)
// and add_conversation_memory.
func buildUpdate(approved []ChangeRecord, memory *characterstore.Memory) characterstore.Update {
	u := characterstore.Update{}
	if memory != nil {
		u.Memories = []characterstore.Memory{*memory}
	}

	var personality characterstore.Personality
	var hasPersonality bool
	relationships := map[string]characterstore.Relationship{}
	var knowledge []characterstore.KnowledgeItem
	var currentStatus characterstore.CurrentStatus
	var hasStatus bool

	for _, c := range approved {
		switch c.Kind {
		case ChangePersonality:
			hasPersonality = true
			item, _ := c.Data["item"].(string)
			switch changeType, _ := c.Data["change_type"].(string); changeType {
			case "trait":
				personality.Traits = append(personality.Traits, item)
			case "motivation":
				personality.Motivations = append(personality.Motivations, item)
			case "fear":
				personality.Fears = append(personality.Fears, item)
			case "value":
				personality.Values = append(personality.Values, item)
			case "quirk":
				personality.Quirks = append(personality.Quirks, item)
			}

		case ChangeRelationship:
			person, _ := c.Data["person"].(string)
			relType, _ := c.Data["relationship_type"].(string)
			status, _ := c.Data["status"].(string)
			intensity, _ := c.Data["intensity"].(float64)
			relationships[person] = characterstore.Relationship{
				Type:      characterstore.RelationshipType(relType),
				Status:    characterstore.RelationshipStatus(status),
				Intensity: relationshipIntensity(intensity),
				Notes:     c.Reasoning,
			}

		case ChangeKnowledge:
			topic, _ := c.Data["topic"].(string)
			content, _ := c.Data["content"].(string)
			source, _ := c.Data["source"].(string)
			knowledge = append(knowledge, characterstore.KnowledgeItem{
				Topic:      topic,
				Content:    content,
				Source:     source,
				Confidence: int(c.Confidence*10 + 0.5),
				AcquiredAt: time.Now().UTC(),
			})

		case ChangeStatus:
			hasStatus = true
			field, _ := c.Data["field"].(string)
			newValue, _ := c.Data["new_value"].(string)
			applyStatusField(&currentStatus, field, newValue)
		}
	}

	if hasPersonality {
		u.Personality = &personality
	}
	if len(relationships) > 0 {
		u.Relationships = relationships
	}
	if len(knowledge) > 0 {
		u.Knowledge = knowledge
	}
	if hasStatus {
		u.CurrentStatus = &currentStatus
	}

	return u
}

func applyStatusField(s *characterstore.CurrentStatus, field, value string) {
	switch field {
	case "mood":
		s.Mood = value
	case "health":
		s.Health = value
	case "energy":
		s.Energy = value
	case "location":
		s.Location = value
	case "activity":
		s.Activity = value
	}
}

// relationshipIntensity maps the extractor's -10..10 signed intensity onto
// the record schema's 1..10 magnitude scale.
func relationshipIntensity(signed float64) int {
	v := signed
	if v < 0 {
		v = -v
	}
	n := int(v + 0.5)
	if n < 1 {
		n = 1
	}
	if n > 10 {
		n = 10
	}
	return n
}
