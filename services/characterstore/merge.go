// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package characterstore

import (
	"sort"
	"strings"
	"time"
)

const maxRelationshipHistory = 10

// Update is a partial CharacterRecord to merge into an existing one. Nil
// slice/map fields mean "no change"; id/schema_version/created_at are
// ignored even if set, since those fields are immutable.
type Update struct {
	Name          *string
	Faction       *string
	Status        *RecordStatus
	Background    *Background
	Personality   *Personality
	CurrentStatus *CurrentStatus
	Relationships map[string]Relationship
	Knowledge     []KnowledgeItem
	Memories      []Memory
}

// ApplyUpdate merges an Update into original field by field:
// memories append+re-sort+truncate, knowledge upsert-by-topic, relationship
// per-person deep-merge with capped history, personality union-dedup with
// per-field caps, current_status shallow merge. original is not mutated;
// the merged copy is returned.
func ApplyUpdate(original *CharacterRecord, u Update) *CharacterRecord {
	merged := *original
	merged.UpdatedAt = time.Now().UTC()

	if u.Name != nil {
		merged.Name = *u.Name
	}
	if u.Faction != nil {
		merged.Faction = *u.Faction
	}
	if u.Status != nil {
		merged.Status = *u.Status
	}
	if u.Background != nil {
		merged.Background = *u.Background
	}
	if u.CurrentStatus != nil {
		merged.CurrentStatus = mergeCurrentStatus(original.CurrentStatus, *u.CurrentStatus)
	}
	if u.Personality != nil {
		merged.Personality = mergePersonality(original.Personality, *u.Personality)
	}
	if u.Relationships != nil {
		merged.Relationships = mergeRelationships(original.Relationships, u.Relationships)
	}
	if u.Knowledge != nil {
		merged.Knowledge = mergeKnowledge(original.Knowledge, u.Knowledge)
	}
	if u.Memories != nil {
		merged.Memories = mergeMemories(original.Memories, u.Memories)
	}
	return &merged
}

func mergeCurrentStatus(orig, patch CurrentStatus) CurrentStatus {
	out := orig
	if patch.Mood != "" {
		out.Mood = patch.Mood
	}
	if patch.Health != "" {
		out.Health = patch.Health
	}
	if patch.Energy != "" {
		out.Energy = patch.Energy
	}
	if patch.Location != "" {
		out.Location = patch.Location
	}
	if patch.Activity != "" {
		out.Activity = patch.Activity
	}
	if len(patch.RelationshipsAffected) > 0 {
		out.RelationshipsAffected = patch.RelationshipsAffected
	}
	return out
}

func mergePersonality(orig, patch Personality) Personality {
	return Personality{
		Traits:      unionDedup(orig.Traits, patch.Traits, 10),
		Motivations: unionDedup(orig.Motivations, patch.Motivations, 5),
		Fears:       unionDedup(orig.Fears, patch.Fears, 5),
		Values:      unionDedup(orig.Values, patch.Values, 5),
		Quirks:      unionDedup(orig.Quirks, patch.Quirks, 3),
	}
}

func unionDedup(a, b []string, max int) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range append(append([]string{}, a...), b...) {
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func mergeRelationships(orig, patch map[string]Relationship) map[string]Relationship {
	out := make(map[string]Relationship, len(orig)+len(patch))
	for k, v := range orig {
		out[k] = v
	}
	for person, next := range patch {
		existing, ok := out[person]
		if !ok {
			if len(next.History) > maxRelationshipHistory {
				next.History = next.History[len(next.History)-maxRelationshipHistory:]
			}
			out[person] = next
			continue
		}
		merged := existing
		if next.Type != "" {
			merged.Type = next.Type
		}
		if next.Status != "" {
			merged.Status = next.Status
		}
		if next.Intensity != 0 {
			merged.Intensity = next.Intensity
		}
		if next.Notes != "" {
			merged.Notes = next.Notes
		}
		merged.History = append(append([]string{}, existing.History...), next.History...)
		if len(merged.History) > maxRelationshipHistory {
			merged.History = merged.History[len(merged.History)-maxRelationshipHistory:]
		}
		out[person] = merged
	}
	return out
}

func mergeKnowledge(orig, patch []KnowledgeItem) []KnowledgeItem {
	out := append([]KnowledgeItem{}, orig...)
	index := make(map[string]int, len(out))
	for i, k := range out {
		index[strings.ToLower(k.Topic)] = i
	}
	for _, item := range patch {
		key := strings.ToLower(item.Topic)
		if i, ok := index[key]; ok {
			out[i] = item
			continue
		}
		index[key] = len(out)
		out = append(out, item)
	}
	if len(out) > maxKnowledge {
		out = out[:maxKnowledge]
	}
	return out
}

// memoryScore mirrors retention score: importance plus a recency
// boost (fresher memories score higher) plus an emotional-impact boost
// (non-neutral memories are retained preferentially).
func memoryScore(m Memory, now time.Time) float64 {
	score := float64(m.Importance)
	age := now.Sub(m.Timestamp)
	recencyBoost := 5.0 / (1.0 + age.Hours()/24.0)
	score += recencyBoost
	if m.EmotionalImpact == EmotionPositive || m.EmotionalImpact == EmotionNegative {
		score += 1.0
	}
	return score
}

func mergeMemories(orig, patch []Memory) []Memory {
	all := append(append([]Memory{}, orig...), patch...)
	now := time.Now().UTC()
	if len(all) > maxMemories {
		sort.SliceStable(all, func(i, j int) bool {
			return memoryScore(all[i], now) > memoryScore(all[j], now)
		})
		all = all[:maxMemories]
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Timestamp.After(all[j].Timestamp)
	})
	return all
}
