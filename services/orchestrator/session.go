// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator owns per-session conversation state: it accepts user
// messages over WebSocket, assembles prompts via the context assembler,
// streams model responses back through the request pipeline, and triggers
// post-conversation processing when a session ends.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lifestrands/core/pkg/errkind"
	"github.com/lifestrands/core/pkg/extensions"
	"github.com/lifestrands/core/services/characterstore"
	"github.com/lifestrands/core/services/contextassembler"
	"github.com/lifestrands/core/services/llm"
	"github.com/lifestrands/core/services/requestpipeline"
)

const (
	sessionTTL          = 24 * time.Hour
	defaultIdleTimeout  = 30 * time.Minute
	idleReapInterval    = 5 * time.Minute
	generationTimeout   = 2 * time.Minute
)

// Session is one active conversation between a user and a character.
type Session struct {
	ID           string
	CharacterID  string
	UserID       string
	Messages     []contextassembler.Message
	CreatedAt    time.Time
	LastActivity time.Time
	Active       bool
}

func (s *Session) idleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// PostConversationJob is the payload enqueued for C6 when a session ends.
type PostConversationJob struct {
	SessionID   string                     `json:"session_id"`
	CharacterID string                     `json:"character_id"`
	UserID      string                     `json:"user_id"`
	Messages    []contextassembler.Message `json:"messages"`
	CreatedAt   time.Time                  `json:"created_at"`
	EndedAt     time.Time                  `json:"ended_at"`
}

// SessionStore mirrors active sessions to a durable cache with a 24h TTL.
// Implemented against Redis in production; fakeable in tests.
type SessionStore interface {
	Save(ctx context.Context, s *Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// JobEnqueuer hands a finished conversation off to the post-conversation
// worker (C6).
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job PostConversationJob) error
}

// CharacterRecordFetcher is the subset of the Character Store (C1) the
// orchestrator needs to assemble prompts.
type CharacterRecordFetcher interface {
	Get(ctx context.Context, id string) (*characterstore.CharacterRecord, error)
}

// PromptAssembler is the subset of the Context Assembler (C4) the
// orchestrator needs.
type PromptAssembler interface {
	Assemble(record *characterstore.CharacterRecord, messages []contextassembler.Message) (systemPrompt, historyContext string)
}

// GenerationSubmitter is the subset of the Request Pipeline (C3) the
// orchestrator needs to submit chat generations.
type GenerationSubmitter interface {
	SubmitGeneration(ctx context.Context, class requestpipeline.ServiceClass, messages []llm.Message, params llm.GenerationParams, priority int, timeout time.Duration) (<-chan requestpipeline.StreamToken, error)
}

// Config holds Manager tuning knobs.
type Config struct {
	IdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{IdleTimeout: defaultIdleTimeout}
}

// Manager owns every active Session on this node and drives the idle
// reaper. Safe for concurrent use.
type Manager struct {
	cfg        Config
	mu         sync.Mutex
	sessions   map[string]*Session
	store      SessionStore
	characters CharacterRecordFetcher
	assembler  PromptAssembler
	pipeline   GenerationSubmitter
	jobs       JobEnqueuer
	logger     *slog.Logger
	filter     extensions.MessageFilter
	audit      extensions.AuditLogger

	stop chan struct{}
	wg   sync.WaitGroup
}

// SetMessageFilter overrides the default NopMessageFilter with a
// content-moderation implementation. Intended to be called once during
// startup, before any session traffic arrives.
func (m *Manager) SetMessageFilter(f extensions.MessageFilter) {
	if f != nil {
		m.filter = f
	}
}

// SetAuditLogger overrides the default NopAuditLogger with a compliance
// implementation. Intended to be called once during startup.
func (m *Manager) SetAuditLogger(a extensions.AuditLogger) {
	if a != nil {
		m.audit = a
	}
}

func NewManager(cfg Config, store SessionStore, characters CharacterRecordFetcher, assembler PromptAssembler, pipeline GenerationSubmitter, jobs JobEnqueuer, logger *slog.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		sessions:   make(map[string]*Session),
		store:      store,
		characters: characters,
		assembler:  assembler,
		pipeline:   pipeline,
		jobs:       jobs,
		logger:     logger,
		filter:     &extensions.NopMessageFilter{},
		audit:      &extensions.NopAuditLogger{},
		stop:       make(chan struct{}),
	}
}

// Start creates a new session for (character_id, user_id) and mirrors it to
// the session cache with a 24h TTL.
func (m *Manager) Start(ctx context.Context, characterID, userID string) (string, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		CharacterID:  characterID,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(ctx, s, sessionTTL); err != nil {
			m.logger.Warn("orchestrator: failed to mirror session to cache", "session_id", s.ID, "error", err)
		}
	}
	m.logAudit(ctx, extensions.AuditEvent{
		EventType: "chat.session", UserID: userID, Action: "create",
		ResourceType: "session", ResourceID: s.ID, Outcome: "success",
		Metadata: map[string]any{"character_id": characterID},
	})
	return s.ID, nil
}

// logAudit records an audit event, logging failures rather than propagating
// them: an unavailable audit sink should never block a conversation turn.
func (m *Manager) logAudit(ctx context.Context, event extensions.AuditEvent) {
	if err := m.audit.Log(ctx, event); err != nil {
		m.logger.Warn("orchestrator: audit log failed", "event_type", event.EventType, "error", err)
	}
}

func (m *Manager) get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.Active {
		return nil, fmt.Errorf("session %s: %w", sessionID, errkind.Of(errkind.NotFound))
	}
	return s, nil
}

// ProcessMessage appends the user's message, assembles a prompt from the
// current CharacterRecord and history, submits a chat generation, and
// returns the stream of tokens. The caller is responsible for draining the
// stream and reporting its outcome back via FinishMessage.
func (m *Manager) ProcessMessage(ctx context.Context, sessionID, text string) (<-chan requestpipeline.StreamToken, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	result, err := m.filter.FilterInput(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: input filter: %w", err)
	}
	if result.WasBlocked {
		m.logAudit(ctx, extensions.AuditEvent{
			EventType: "chat.message", UserID: s.UserID, Action: "send",
			ResourceType: "session", ResourceID: sessionID, Outcome: "blocked",
			Metadata: map[string]any{"reason": result.BlockReason},
		})
		return nil, fmt.Errorf("message blocked: %s: %w", result.BlockReason, errkind.Of(errkind.ValidationFailed))
	}
	text = result.Filtered

	m.mu.Lock()
	s.LastActivity = time.Now().UTC()
	s.Messages = append(s.Messages, contextassembler.Message{Role: "user", Content: text})
	history := append([]contextassembler.Message(nil), s.Messages...)
	characterID := s.CharacterID
	m.mu.Unlock()

	record, err := m.characters.Get(ctx, characterID)
	if err != nil && !errors.Is(err, errkind.ErrNotFound) {
		// A missing record still gets the assembler's default persona;
		// any other fetch failure is surfaced to the caller.
		return nil, err
	}

	systemPrompt, historyContext := m.assembler.Assemble(record, history)
	system := systemPrompt
	if historyContext != "" {
		system = systemPrompt + "\n\n" + historyContext
	}

	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: text},
	}

	tokens, err := m.pipeline.SubmitGeneration(ctx, requestpipeline.ServiceClassChat, messages,
		llm.GenerationParams{}, requestpipeline.DefaultPriority(requestpipeline.ServiceClassChat), generationTimeout)
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// FinishMessage is called once the caller has drained the token stream
// returned by ProcessMessage. A cancelled stream discards the partial
// assistant message from history.
func (m *Manager) FinishMessage(ctx context.Context, sessionID, assistantText string, cancelled bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if !cancelled {
		s.Messages = append(s.Messages, contextassembler.Message{Role: "assistant", Content: assistantText})
	}
	s.LastActivity = time.Now().UTC()
	snapshot := *s
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(ctx, &snapshot, sessionTTL); err != nil {
			m.logger.Warn("orchestrator: failed to re-persist session", "session_id", sessionID, "error", err)
		}
	}
}

// End marks the session inactive, persists its final state, enqueues a
// post-conversation job, and removes it from active memory.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", sessionID, errkind.Of(errkind.NotFound))
	}
	s.Active = false
	s.LastActivity = time.Now().UTC()
	snapshot := *s
	snapshot.Messages = append([]contextassembler.Message(nil), s.Messages...)
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(ctx, sessionID); err != nil {
			m.logger.Warn("orchestrator: failed to delete session from cache", "session_id", sessionID, "error", err)
		}
	}

	if m.jobs != nil && len(snapshot.Messages) > 0 {
		job := PostConversationJob{
			SessionID:   snapshot.ID,
			CharacterID: snapshot.CharacterID,
			UserID:      snapshot.UserID,
			Messages:    snapshot.Messages,
			CreatedAt:   snapshot.CreatedAt,
			EndedAt:     snapshot.LastActivity,
		}
		if err := m.jobs.Enqueue(ctx, job); err != nil {
			m.logger.Error("orchestrator: failed to enqueue post-conversation job", "session_id", sessionID, "error", err)
		}
	}
	m.logAudit(ctx, extensions.AuditEvent{
		EventType: "chat.session", UserID: snapshot.UserID, Action: "end",
		ResourceType: "session", ResourceID: sessionID, Outcome: "success",
		Metadata: map[string]any{"message_count": len(snapshot.Messages)},
	})
	return nil
}

// StartReaper begins the idle-session reaper: every 5 minutes, any session
// whose last activity exceeds the configured idle timeout is ended exactly
// as End() would end it.
func (m *Manager) StartReaper(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(idleReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.reapIdle(ctx)
			}
		}
	}()
}

func (m *Manager) reapIdle(ctx context.Context) {
	now := time.Now().UTC()
	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.idleFor(now) > m.cfg.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Info("orchestrator: reaping idle session", "session_id", id, "idle_timeout", m.cfg.IdleTimeout)
		if err := m.End(ctx, id); err != nil {
			m.logger.Warn("orchestrator: failed to reap idle session", "session_id", id, "error", err)
		}
	}
}

// StopReaper halts the idle reaper goroutine and waits for it to exit.
func (m *Manager) StopReaper() {
	close(m.stop)
	m.wg.Wait()
}

// ActiveCount reports how many sessions are currently held in memory.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SessionSummary is the per-session shape pushed to /ws/monitor clients.
type SessionSummary struct {
	ID           string    `json:"id"`
	CharacterID  string    `json:"character_id"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// History returns a copy of a session's message transcript, for
// GET /chat/conversation/{id}/history.
func (m *Manager) History(sessionID string) ([]contextassembler.Message, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contextassembler.Message(nil), s.Messages...), nil
}

// ActiveSessions snapshots every session currently held in memory, for the
// periodic monitor broadcast.
func (m *Manager) ActiveSessions() []SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionSummary{
			ID:           s.ID,
			CharacterID:  s.CharacterID,
			UserID:       s.UserID,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
		})
	}
	return out
}
