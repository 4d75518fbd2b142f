// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIVersion = "2023-06-01"
	defaultBaseURL      = "https://api.anthropic.com/v1/messages"
	defaultClaudeModel  = "claude-3-5-sonnet-20240620"
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    []systemBlock      `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Thinking  *thinkingParams    `json:"thinking,omitempty"`

	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	StopSeqs    []string `json:"stop_sequences,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	ID      string             `json:"id"`
	Type    string             `json:"type"`
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
	Error   *anthropicError    `json:"error,omitempty"`
}

type systemBlock struct {
	Type         string        `json:"type"`
	Text         string        `json:"text"`
	CacheControl *cacheControl `json:"cache_control,omitempty"`
}

type thinkingParams struct {
	Type         string `json:"type"` // Must be "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

type cacheControl struct {
	Type string `json:"type"` // Must be "ephemeral"
}

type anthropicContent struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// --- Client Implementation ---

type AnthropicClient struct {
	httpClient *http.Client
	apiKey     *sealedSecret
	model      string
}

func NewAnthropicClient() (*AnthropicClient, error) {
	secret, err := sealSecret("ANTHROPIC_API_KEY", "/run/secrets/anthropic_api_key")
	if err != nil {
		return nil, err
	}
	model := firstNonEmpty(osEnv("CLAUDE_MODEL"), defaultClaudeModel)

	return &AnthropicClient{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		apiKey:     secret,
		model:      model,
	}, nil
}


// Generate implements the LLMClient interface
func (a *AnthropicClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	messages := []Message{
		{Role: "user", Content: prompt},
	}
	return a.Chat(ctx, messages, params)
}

// Chat implements the LLMClient interface
func (a *AnthropicClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	var apiMessages []anthropicMessage
	var systemPrompt string

	// 1. Convert generic messages to Anthropic format
	for _, msg := range messages {
		if strings.ToLower(msg.Role) == "system" {
			systemPrompt = msg.Content
			continue
		}

		role := msg.Role
		// Map "assistant" (standard) to "assistant" (anthropic) - usually same
		// Map "user" to "user"

		apiMessages = append(apiMessages, anthropicMessage{
			Role:    role,
			Content: msg.Content,
		})
	}

	// Handle System Prompt with Caching
	var systemBlocks []systemBlock
	if systemPrompt != "" {
		block := systemBlock{
			Type: "text",
			Text: systemPrompt,
		}
		if len(systemPrompt) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		systemBlocks = append(systemBlocks, block)
	}

	// Build Payload
	reqPayload := anthropicRequest{
		Model:     a.model,
		Messages:  apiMessages,
		System:    systemBlocks,
		MaxTokens: 4096,
	}

	if params.EnableThinking {
		minRequired := params.BudgetTokens + 2048 // budget plus room for the answer
		if reqPayload.MaxTokens < minRequired {
			reqPayload.MaxTokens = minRequired
		}
		reqPayload.Thinking = &thinkingParams{Type: "enabled", BudgetTokens: params.BudgetTokens}
	}

	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", defaultBaseURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	apiKey, err := a.apiKey.reveal()
	if err != nil {
		return "", fmt.Errorf("failed to unseal Anthropic API key: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")

	slog.Debug("Sending REST request to Anthropic", "model", a.model)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	slog.Info("Raw Anthropic Response", "status", resp.StatusCode, "body_length", len(bodyBytes), "body_snippet", string(bodyBytes))

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anthropic API returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(bodyBytes, &apiResp); err != nil {
		return "", fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if apiResp.Error != nil {
		return "", fmt.Errorf("anthropic API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	if len(apiResp.Content) == 0 {
		return "", fmt.Errorf("received empty content from Anthropic")
	}

	finalText := ""

	for _, block := range apiResp.Content {
		if block.Type == "text" {
			finalText += block.Text
		}
		if block.Type == "thinking" {
			slog.Info("Claude Thoughts", "thinking", block.Thinking)
		}
	}

	if finalText == "" {
		return "", fmt.Errorf("received content but no text block found (check logs for thoughts)")
	}

	return finalText, nil
}

// =============================================================================
// Streaming Types (for SSE parsing)
// =============================================================================

// anthropicStreamEvent represents a single SSE event from Anthropic.
type anthropicStreamEvent struct {
	Type string `json:"type"`
}

// anthropicContentBlockDelta contains delta content for streaming.
type anthropicContentBlockDelta struct {
	Type  string                `json:"type"`
	Index int                   `json:"index"`
	Delta anthropicDeltaContent `json:"delta"`
}

// anthropicDeltaContent contains the actual text delta.
type anthropicDeltaContent struct {
	Type     string `json:"type"` // "text_delta" or "thinking_delta"
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// anthropicMessageDelta contains the message-level delta (stop reason, etc).
type anthropicMessageDelta struct {
	Type  string `json:"type"`
	Delta struct {
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
}

// anthropicStreamError represents an error event in the stream.
type anthropicStreamError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// Streaming Implementation
// =============================================================================

// ChatStream implements streaming chat for the LLMClient interface.
func (a *AnthropicClient) ChatStream(
	ctx context.Context,
	messages []Message,
	params GenerationParams,
	callback StreamCallback,
) error {
	// Build the streaming request (reuse logic from Chat)
	reqPayload, err := a.buildStreamRequest(messages, params)
	if err != nil {
		return err
	}

	// Create HTTP request
	reqBodyBytes, err := json.Marshal(reqPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", defaultBaseURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	apiKey, err := a.apiKey.reveal()
	if err != nil {
		return fmt.Errorf("failed to unseal Anthropic API key: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("accept", "text/event-stream")

	slog.Debug("Sending streaming request to Anthropic", "model", a.model)

	// Use a longer timeout for streaming
	streamClient := &http.Client{Timeout: 5 * time.Minute}
	resp, err := streamClient.Do(req)
	if err != nil {
		// Send error event to callback
		_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		errMsg := fmt.Sprintf("Anthropic API returned status %d", resp.StatusCode)
		_ = callback(StreamEvent{Type: StreamEventError, Error: errMsg})
		return fmt.Errorf("%s: %s", errMsg, string(bodyBytes))
	}

	// Process SSE stream
	return a.processSSEStream(ctx, resp.Body, callback)
}

// buildStreamRequest creates the Anthropic request payload with streaming enabled.
func (a *AnthropicClient) buildStreamRequest(
	messages []Message,
	params GenerationParams,
) (anthropicRequest, error) {
	var apiMessages []anthropicMessage
	var systemPrompt string

	// Convert generic messages to Anthropic format
	for _, msg := range messages {
		if strings.ToLower(msg.Role) == "system" {
			systemPrompt = msg.Content
			continue
		}
		apiMessages = append(apiMessages, anthropicMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	// Handle System Prompt with Caching
	var systemBlocks []systemBlock
	if systemPrompt != "" {
		block := systemBlock{
			Type: "text",
			Text: systemPrompt,
		}
		if len(systemPrompt) > 1024 {
			block.CacheControl = &cacheControl{Type: "ephemeral"}
		}
		systemBlocks = append(systemBlocks, block)
	}

	// Build Payload with streaming enabled
	reqPayload := anthropicRequest{
		Model:     a.model,
		Messages:  apiMessages,
		System:    systemBlocks,
		MaxTokens: 4096,
		Stream:    true, // Enable streaming
	}

	// Apply optional parameters
	if params.Temperature != nil {
		reqPayload.Temperature = params.Temperature
	}
	if params.TopP != nil {
		reqPayload.TopP = params.TopP
	}
	if params.TopK != nil {
		reqPayload.TopK = params.TopK
	}
	if len(params.Stop) > 0 {
		reqPayload.StopSeqs = params.Stop
	}

	// Enable Thinking if requested
	if params.EnableThinking {
		reqPayload.Thinking = &thinkingParams{
			Type:         "enabled",
			BudgetTokens: params.BudgetTokens,
		}
		minRequired := params.BudgetTokens + 2048
		if reqPayload.MaxTokens < minRequired {
			reqPayload.MaxTokens = minRequired
		}
	}

	return reqPayload, nil
}

// processSSEStream reads and processes the SSE event stream.
func (a *AnthropicClient) processSSEStream(
	ctx context.Context,
	body io.Reader,
	callback StreamCallback,
) error {
	scanner := bufio.NewScanner(body)
	var eventType string
	var dataBuffer strings.Builder

	for scanner.Scan() {
		// Check for context cancellation
		select {
		case <-ctx.Done():
			_ = callback(StreamEvent{Type: StreamEventError, Error: "stream cancelled"})
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if dataBuffer.Len() > 0 && eventType != "" {
				if err := a.handleSSEEvent(eventType, dataBuffer.String(), callback); err != nil {
					return err
				}
				dataBuffer.Reset()
				eventType = ""
			}
			continue
		}

		// Parse SSE format
		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
		} else if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}

	if err := scanner.Err(); err != nil {
		_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
		return fmt.Errorf("stream read error: %w", err)
	}

	return nil
}

// handleSSEEvent processes a single SSE event.
func (a *AnthropicClient) handleSSEEvent(
	eventType string,
	data string,
	callback StreamCallback,
) error {
	switch eventType {
	case "content_block_delta":
		var delta anthropicContentBlockDelta
		if err := json.Unmarshal([]byte(data), &delta); err != nil {
			slog.Warn("Failed to parse content_block_delta", "error", err, "data", data)
			return nil // Don't fail on parse errors, continue stream
		}

		// Determine event type based on delta type
		switch delta.Delta.Type {
		case "text_delta":
			if delta.Delta.Text != "" {
				if err := callback(StreamEvent{
					Type:    StreamEventToken,
					Content: delta.Delta.Text,
				}); err != nil {
					return fmt.Errorf("callback error: %w", err)
				}
			}
		case "thinking_delta":
			if delta.Delta.Thinking != "" {
				if err := callback(StreamEvent{
					Type:    StreamEventThinking,
					Content: delta.Delta.Thinking,
				}); err != nil {
					return fmt.Errorf("callback error: %w", err)
				}
			}
		}

	case "error":
		var streamErr anthropicStreamError
		if err := json.Unmarshal([]byte(data), &streamErr); err != nil {
			slog.Warn("Failed to parse error event", "error", err, "data", data)
			_ = callback(StreamEvent{Type: StreamEventError, Error: "stream error"})
			return fmt.Errorf("stream error: %s", data)
		}
		errMsg := fmt.Sprintf("%s: %s", streamErr.Error.Type, streamErr.Error.Message)
		_ = callback(StreamEvent{Type: StreamEventError, Error: errMsg})
		return fmt.Errorf("Anthropic stream error: %s", errMsg)

	case "message_start", "content_block_start", "content_block_stop", "message_delta", "message_stop", "ping":
		// These are informational events, ignore them
		slog.Debug("Received SSE event", "type", eventType)

	default:
		slog.Debug("Unknown SSE event type", "type", eventType, "data", data)
	}

	return nil
}
