// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package characterstore persists CharacterRecords and offers filter
// queries, nearest-neighbour vector search, and merge-on-update semantics.
package characterstore

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// RelationshipType is the fixed vocabulary a relationship's Type must be
// drawn from.
type RelationshipType string

const (
	RelationshipFamily        RelationshipType = "family"
	RelationshipFriend        RelationshipType = "friend"
	RelationshipEnemy         RelationshipType = "enemy"
	RelationshipAcquaintance  RelationshipType = "acquaintance"
	RelationshipRomantic      RelationshipType = "romantic"
	RelationshipColleague     RelationshipType = "colleague"
	RelationshipMentor        RelationshipType = "mentor"
	RelationshipStudent       RelationshipType = "student"
)

type RelationshipStatus string

const (
	RelationshipPositive    RelationshipStatus = "positive"
	RelationshipNegative    RelationshipStatus = "negative"
	RelationshipNeutral     RelationshipStatus = "neutral"
	RelationshipComplicated RelationshipStatus = "complicated"
)

type EmotionalImpact string

const (
	EmotionPositive EmotionalImpact = "positive"
	EmotionNegative EmotionalImpact = "negative"
	EmotionNeutral  EmotionalImpact = "neutral"
)

type RecordStatus string

const (
	StatusActive   RecordStatus = "active"
	StatusInactive RecordStatus = "inactive"
	StatusArchived RecordStatus = "archived"
)

type Background struct {
	Age        int      `json:"age" validate:"gte=0,lte=200"`
	Occupation string   `json:"occupation,omitempty"`
	Location   string   `json:"location" validate:"required"`
	History    string   `json:"history,omitempty"`
	Family     []string `json:"family,omitempty"`
	Education  string   `json:"education,omitempty"`
}

type Personality struct {
	Traits      []string `json:"traits" validate:"required,min=1,max=10"`
	Motivations []string `json:"motivations,omitempty" validate:"max=5"`
	Fears       []string `json:"fears,omitempty" validate:"max=5"`
	Values      []string `json:"values,omitempty" validate:"max=5"`
	Quirks      []string `json:"quirks,omitempty" validate:"max=3"`
}

type CurrentStatus struct {
	Mood                  string   `json:"mood,omitempty"`
	Health                string   `json:"health,omitempty"`
	Energy                string   `json:"energy,omitempty"`
	Location              string   `json:"location,omitempty"`
	Activity              string   `json:"activity,omitempty"`
	RelationshipsAffected []string `json:"relationships_affected,omitempty"`
}

type Relationship struct {
	Type      RelationshipType   `json:"type" validate:"required"`
	Status    RelationshipStatus `json:"status" validate:"required"`
	Intensity int                `json:"intensity" validate:"gte=1,lte=10"`
	Notes     string             `json:"notes,omitempty"`
	History   []string           `json:"history,omitempty"`
}

type KnowledgeItem struct {
	Topic        string    `json:"topic" validate:"required"`
	Content      string    `json:"content" validate:"required"`
	Source       string    `json:"source,omitempty"`
	Confidence   int       `json:"confidence" validate:"gte=1,lte=10"`
	AcquiredAt   time.Time `json:"acquired_at"`
}

type Memory struct {
	Content         string          `json:"content" validate:"required"`
	Timestamp       time.Time       `json:"timestamp" validate:"required"`
	Importance      int             `json:"importance" validate:"gte=1,lte=10"`
	EmotionalImpact EmotionalImpact `json:"emotional_impact,omitempty"`
	PeopleInvolved  []string        `json:"people_involved,omitempty"`
	Tags            []string        `json:"tags,omitempty"`
}

// maxMemories and maxKnowledge mirror per-field caps.
const (
	maxMemories  = 50
	maxKnowledge = 100
)

// CharacterRecord is the persistent identity: the NPC's full life strand.
type CharacterRecord struct {
	ID            string                   `json:"id"`
	SchemaVersion string                   `json:"schema_version"`
	Name          string                   `json:"name" validate:"required,min=1,max=100"`
	Faction       string                   `json:"faction,omitempty"`
	Status        RecordStatus             `json:"status"`
	Background    Background               `json:"background"`
	Personality   Personality              `json:"personality"`
	CurrentStatus CurrentStatus            `json:"current_status"`
	Relationships map[string]Relationship  `json:"relationships,omitempty"`
	Knowledge     []KnowledgeItem          `json:"knowledge,omitempty"`
	Memories      []Memory                 `json:"memories,omitempty"`
	Embedding     []float32                `json:"embedding,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	UpdatedAt     time.Time                `json:"updated_at"`

	// Extra is not serialized (json:"-") and no decoder fills it: JSON
	// fields outside this struct are dropped when a record is read or
	// written.
	Extra map[string]any `json:"-"`
}

const currentSchemaVersion = "1.0"

// NewMinimalRecord builds a valid, minimal CharacterRecord for a name,
// mirroring the original's create_empty_life_strand defaults.
func NewMinimalRecord(name string) *CharacterRecord {
	now := time.Now().UTC()
	return &CharacterRecord{
		SchemaVersion: currentSchemaVersion,
		Name:          name,
		Status:        StatusActive,
		Background: Background{
			Age:      25,
			Location: "Unknown",
		},
		Personality: Personality{
			Traits: []string{"friendly", "curious"},
		},
		Relationships: map[string]Relationship{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Validate checks the record against schema-derived struct tags plus the
// invariants that validator tags can't express (relationship intensity
// keyed by person, memory/knowledge cross-field caps).
func (r *CharacterRecord) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	for person, rel := range r.Relationships {
		if err := validate.Struct(rel); err != nil {
			return err
		}
		_ = person
	}
	for _, k := range r.Knowledge {
		if err := validate.Struct(k); err != nil {
			return err
		}
	}
	for _, m := range r.Memories {
		if err := validate.Struct(m); err != nil {
			return err
		}
	}
	if len(r.Memories) > maxMemories {
		r.Memories = r.Memories[:maxMemories]
	}
	if len(r.Knowledge) > maxKnowledge {
		r.Knowledge = r.Knowledge[:maxKnowledge]
	}
	return nil
}

// Sanitize truncates oversized text fields and arrays for safe storage,
// mirroring the original's sanitize_life_strand field/array size tables.
func (r *CharacterRecord) Sanitize() {
	r.Name = truncate(r.Name, 100)
	r.Background.History = truncate(r.Background.History, 2000)
	r.Background.Education = truncate(r.Background.Education, 500)
	r.CurrentStatus.Activity = truncate(r.CurrentStatus.Activity, 200)

	r.Personality.Traits = capSlice(r.Personality.Traits, 10)
	r.Personality.Motivations = capSlice(r.Personality.Motivations, 5)
	r.Personality.Fears = capSlice(r.Personality.Fears, 5)
	r.Personality.Values = capSlice(r.Personality.Values, 5)
	r.Personality.Quirks = capSlice(r.Personality.Quirks, 3)
	r.Knowledge = capKnowledge(r.Knowledge, maxKnowledge)
	r.Memories = capMemories(r.Memories, maxMemories)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	if idx := lastSpace(cut); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "..."
}

func lastSpace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ' ' {
			return i
		}
	}
	return -1
}

func capSlice(s []string, max int) []string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func capKnowledge(k []KnowledgeItem, max int) []KnowledgeItem {
	if len(k) <= max {
		return k
	}
	return k[:max]
}

func capMemories(m []Memory, max int) []Memory {
	if len(m) <= max {
		return m
	}
	return m[:max]
}
