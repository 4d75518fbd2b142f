// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides interfaces and implementations for the chat and
// summary backends a character's turn is generated against: a hosted
// provider (Anthropic, OpenAI), a self-hosted HTTP endpoint (Ollama,
// Hugging Face text-generation-inference), or a llama.cpp server's HTTP
// completion endpoint. All backends speak the same LLMClient interface so the Model
// Runtime (C2) can hot-swap between them without the orchestrator or
// request pipeline knowing which one is loaded.
package llm

import (
	"context"
)

// Message is a single turn in a conversation sent to an LLMClient.
// Role is one of "system", "user", "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams holds the sampling parameters for one generation call.
// Nil pointer fields mean "use the backend's default." NPC chat has no
// function-calling surface, so unlike the hosted providers' native APIs
// there is no tool/tool-choice field here — only Claude's extended
// thinking budget carries over, since a character's private reasoning
// before a line of dialogue is a legitimate roleplay affordance.
type GenerationParams struct {
	Temperature    *float32 `json:"temperature"`
	TopK           *int     `json:"top_k"`
	TopP           *float32 `json:"top_p"`
	MaxTokens      *int     `json:"max_tokens"`
	Stop           []string `json:"stop"`
	EnableThinking bool     `json:"thinking,omitempty"`
	BudgetTokens   int      `json:"budget_tokens,omitempty"`
}

// StreamEventType categorizes a StreamEvent.
type StreamEventType string

const (
	// StreamEventToken carries a fragment of the visible reply.
	StreamEventToken StreamEventType = "token"
	// StreamEventThinking carries a fragment of Claude's extended-thinking
	// trace; only emitted when GenerationParams.EnableThinking is set.
	StreamEventThinking StreamEventType = "thinking"
	// StreamEventError signals a failure; streaming stops after it fires.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one unit emitted by ChatStream.
type StreamEvent struct {
	Type    StreamEventType
	Content string
	Error   string
}

// StreamCallback receives StreamEvents in generation order from a single
// goroutine. Returning an error aborts the stream.
type StreamCallback func(event StreamEvent) error

// LLMClient is the contract every chat backend implements, letting the
// Model Runtime swap Anthropic/OpenAI/Ollama/llama.cpp/HF-TGI backends
// behind one interface.
type LLMClient interface {
	// Generate completes a single prompt with no conversation history.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat sends a full conversation and blocks for the complete reply.
	Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error)

	// ChatStream is Chat with the reply delivered token-by-token via callback.
	// Every failure is reported by the returned error. Some backends also
	// pass the callback a StreamEventError first (Ollama does so for an
	// error chunk inside the stream); other backends and failure paths
	// return without one, and an error returned by the callback ends the
	// stream without one.
	ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) error
}
