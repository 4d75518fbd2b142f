// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newMockOllamaServer returns a test server that responds to /api/chat with
// whatever NDJSON the handler writes.
func newMockOllamaServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

func newTestOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		model:      model,
	}
}

func TestDefaultStreamProcessor_ProcessChunk_ContentToken(t *testing.T) {
	t.Parallel()

	cfg := DefaultStreamConfig()
	processor := NewDefaultStreamProcessor(cfg, nil)

	chunk := &ollamaStreamChunk{
		Message: Message{
			Role:    "assistant",
			Content: "Hello",
		},
		Done: false,
	}

	var receivedEvent StreamEvent
	callback := func(event StreamEvent) error {
		receivedEvent = event
		return nil
	}

	done, err := processor.ProcessChunk(context.Background(), chunk, callback)

	if err != nil {
		t.Fatalf("ProcessChunk returned error: %v", err)
	}
	if done {
		t.Error("ProcessChunk returned done=true for non-final chunk")
	}
	if receivedEvent.Type != StreamEventToken {
		t.Errorf("Expected StreamEventToken, got %v", receivedEvent.Type)
	}
	if receivedEvent.Content != "Hello" {
		t.Errorf("Expected content 'Hello', got '%s'", receivedEvent.Content)
	}
	if processor.GetTokenCount() != 1 {
		t.Errorf("Expected token count 1, got %d", processor.GetTokenCount())
	}
	if processor.GetResponseLength() != 5 {
		t.Errorf("Expected response length 5, got %d", processor.GetResponseLength())
	}
}

// Verifies that a character's inner-voice tokens surface as StreamEventThinking
// when redaction is off.
func TestDefaultStreamProcessor_ProcessChunk_InnerVoiceToken(t *testing.T) {
	t.Parallel()

	cfg := StreamConfig{
		RedactInnerVoice:   false,
		MaxInnerVoiceChars: 0,
		MaxResponseLength:  0,
	}
	processor := NewDefaultStreamProcessor(cfg, nil)

	chunk := &ollamaStreamChunk{
		Thinking: "She doesn't trust this stranger yet...",
		Done:     false,
	}

	var receivedEvent StreamEvent
	callback := func(event StreamEvent) error {
		receivedEvent = event
		return nil
	}

	done, err := processor.ProcessChunk(context.Background(), chunk, callback)

	if err != nil {
		t.Fatalf("ProcessChunk returned error: %v", err)
	}
	if done {
		t.Error("ProcessChunk returned done=true for non-final chunk")
	}
	if receivedEvent.Type != StreamEventThinking {
		t.Errorf("Expected StreamEventThinking, got %v", receivedEvent.Type)
	}
	if receivedEvent.Content != "She doesn't trust this stranger yet..." {
		t.Errorf("Expected inner voice content, got '%s'", receivedEvent.Content)
	}
}

// Verifies that the inner voice is withheld when RedactInnerVoice is set.
func TestDefaultStreamProcessor_ProcessChunk_InnerVoiceRedacted(t *testing.T) {
	t.Parallel()

	cfg := StreamConfig{
		RedactInnerVoice: true,
	}
	processor := NewDefaultStreamProcessor(cfg, nil)

	chunk := &ollamaStreamChunk{
		Thinking: "This is a secret grudge she's holding.",
		Done:     false,
	}

	callbackCalled := false
	callback := func(event StreamEvent) error {
		callbackCalled = true
		return nil
	}

	done, err := processor.ProcessChunk(context.Background(), chunk, callback)

	if err != nil {
		t.Fatalf("ProcessChunk returned error: %v", err)
	}
	if done {
		t.Error("ProcessChunk returned done=true for non-final chunk")
	}
	if callbackCalled {
		t.Error("Callback should not be called when inner voice is redacted")
	}
}

func TestDefaultStreamProcessor_ProcessChunk_ChunkError(t *testing.T) {
	t.Parallel()

	cfg := DefaultStreamConfig()
	processor := NewDefaultStreamProcessor(cfg, nil)

	chunk := &ollamaStreamChunk{
		Error: "model not found",
		Done:  false,
	}

	var receivedEvent StreamEvent
	callback := func(event StreamEvent) error {
		receivedEvent = event
		return nil
	}

	done, err := processor.ProcessChunk(context.Background(), chunk, callback)

	if err == nil {
		t.Fatal("ProcessChunk should return error for chunk with error field")
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Errorf("Error should contain 'model not found', got: %v", err)
	}
	if !done {
		t.Error("ProcessChunk should return done=true for error chunks")
	}
	if receivedEvent.Type != StreamEventError {
		t.Errorf("Expected StreamEventError, got %v", receivedEvent.Type)
	}
	if receivedEvent.Error != "model not found" {
		t.Errorf("Expected error 'model not found', got '%s'", receivedEvent.Error)
	}
}

func TestDefaultStreamProcessor_ProcessChunk_DoneFlag(t *testing.T) {
	t.Parallel()

	cfg := DefaultStreamConfig()
	processor := NewDefaultStreamProcessor(cfg, nil)

	chunk := &ollamaStreamChunk{
		Done:       true,
		DoneReason: "stop",
	}

	callback := func(event StreamEvent) error {
		return nil
	}

	done, err := processor.ProcessChunk(context.Background(), chunk, callback)

	if err != nil {
		t.Fatalf("ProcessChunk returned error: %v", err)
	}
	if !done {
		t.Error("ProcessChunk should return done=true when chunk.Done is true")
	}
}

func TestDefaultStreamProcessor_ProcessChunk_ResponseLengthLimit(t *testing.T) {
	t.Parallel()

	cfg := StreamConfig{
		MaxResponseLength: 10,
	}
	processor := NewDefaultStreamProcessor(cfg, nil)

	chunk1 := &ollamaStreamChunk{
		Message: Message{Content: "Hello"},
		Done:    false,
	}

	var events []StreamEvent
	callback := func(event StreamEvent) error {
		events = append(events, event)
		return nil
	}

	_, err := processor.ProcessChunk(context.Background(), chunk1, callback)
	if err != nil {
		t.Fatalf("ProcessChunk returned error: %v", err)
	}

	chunk2 := &ollamaStreamChunk{
		Message: Message{Content: " World!"},
		Done:    false,
	}

	_, err = processor.ProcessChunk(context.Background(), chunk2, callback)
	if err != nil {
		t.Fatalf("ProcessChunk returned error: %v", err)
	}

	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Content != "Hello" {
		t.Errorf("First event should be 'Hello', got '%s'", events[0].Content)
	}
	if events[1].Content != " Worl" {
		t.Errorf("Second event should be ' Worl' (truncated), got '%s'", events[1].Content)
	}
	if processor.GetResponseLength() != 10 {
		t.Errorf("Response length should be 10, got %d", processor.GetResponseLength())
	}
}

// Verifies that a character's inner voice is capped at MaxInnerVoiceChars.
func TestDefaultStreamProcessor_ProcessChunk_InnerVoiceLengthLimit(t *testing.T) {
	t.Parallel()

	cfg := StreamConfig{
		RedactInnerVoice:   false,
		MaxInnerVoiceChars: 10,
	}
	processor := NewDefaultStreamProcessor(cfg, nil)

	chunk := &ollamaStreamChunk{
		Thinking: "This is a very long internal monologue",
		Done:     false,
	}

	var receivedEvent StreamEvent
	callback := func(event StreamEvent) error {
		receivedEvent = event
		return nil
	}

	_, err := processor.ProcessChunk(context.Background(), chunk, callback)
	if err != nil {
		t.Fatalf("ProcessChunk returned error: %v", err)
	}

	if len(receivedEvent.Content) != 10 {
		t.Errorf("Inner voice content should be truncated to 10 chars, got %d", len(receivedEvent.Content))
	}
	if receivedEvent.Content != "This is a " {
		t.Errorf("Expected 'This is a ', got '%s'", receivedEvent.Content)
	}
}

func TestDefaultStreamProcessor_ProcessChunk_CallbackError(t *testing.T) {
	t.Parallel()

	cfg := DefaultStreamConfig()
	processor := NewDefaultStreamProcessor(cfg, nil)

	chunk := &ollamaStreamChunk{
		Message: Message{Content: "Hello"},
		Done:    false,
	}

	expectedErr := errors.New("callback failed")
	callback := func(event StreamEvent) error {
		return expectedErr
	}

	_, err := processor.ProcessChunk(context.Background(), chunk, callback)

	if err == nil {
		t.Fatal("ProcessChunk should return error when callback fails")
	}
	if !strings.Contains(err.Error(), "callback") {
		t.Errorf("Error should mention callback, got: %v", err)
	}
}

func TestChatStream_BasicSuccess(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("Expected path /api/chat, got %s", r.URL.Path)
		}
		if r.Header.Get("Accept") != "application/x-ndjson" {
			t.Errorf("Expected Accept: application/x-ndjson, got %s", r.Header.Get("Accept"))
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hello"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":" there"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"!"},"done":false}`)
		fmt.Fprintln(w, `{"done":true,"done_reason":"stop"}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	messages := []Message{
		{Role: "user", Content: "Hi"},
	}

	var response strings.Builder
	callback := func(event StreamEvent) error {
		if event.Type == StreamEventToken {
			response.WriteString(event.Content)
		}
		return nil
	}

	err := client.ChatStream(context.Background(), messages, GenerationParams{}, callback)

	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if response.String() != "Hello there!" {
		t.Errorf("Expected 'Hello there!', got '%s'", response.String())
	}
}

// Verifies a character's inner voice streams alongside the spoken reply.
func TestChatStream_WithInnerVoice(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"thinking":"He seems nervous, I should reassure him.","done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"It's alright, you can trust me."},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "gpt-oss")

	var innerVoice string
	var responseContent string

	callback := func(event StreamEvent) error {
		switch event.Type {
		case StreamEventThinking:
			innerVoice += event.Content
		case StreamEventToken:
			responseContent += event.Content
		}
		return nil
	}

	err := client.ChatStream(context.Background(), []Message{
		{Role: "user", Content: "I'm not sure I should be here."},
	}, GenerationParams{}, callback)

	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if innerVoice != "He seems nervous, I should reassure him." {
		t.Errorf("Expected inner voice text, got '%s'", innerVoice)
	}
	if responseContent != "It's alright, you can trust me." {
		t.Errorf("Expected spoken reply, got '%s'", responseContent)
	}
}

// Verifies the inner voice is never delivered to the client when redacted.
func TestChatStream_InnerVoiceRedacted(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"thinking":"I still don't believe her story.","done":false}`)
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Response only"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "gpt-oss")

	cfg := StreamConfig{
		RedactInnerVoice:  true,
		MaxResponseLength: 100 * 1024,
	}

	var innerVoiceReceived bool
	var responseContent string

	callback := func(event StreamEvent) error {
		switch event.Type {
		case StreamEventThinking:
			innerVoiceReceived = true
		case StreamEventToken:
			responseContent += event.Content
		}
		return nil
	}

	err := client.ChatStreamWithConfig(context.Background(), []Message{
		{Role: "user", Content: "Test"},
	}, GenerationParams{}, callback, cfg)

	if err != nil {
		t.Fatalf("ChatStreamWithConfig returned error: %v", err)
	}
	if innerVoiceReceived {
		t.Error("Inner voice should not be received when RedactInnerVoice is true")
	}
	if responseContent != "Response only" {
		t.Errorf("Expected 'Response only', got '%s'", responseContent)
	}
}

func TestChatStream_ServerError(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"error":"internal server error"}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	err := client.ChatStream(context.Background(), []Message{
		{Role: "user", Content: "Hi"},
	}, GenerationParams{}, func(event StreamEvent) error {
		return nil
	})

	if err == nil {
		t.Fatal("ChatStream should return error for server error")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("Error should contain status code, got: %v", err)
	}
}

func TestChatStream_StreamError(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"Starting..."},"done":false}`)
		fmt.Fprintln(w, `{"error":"model crashed"}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	var errorReceived bool
	var errorMessage string

	err := client.ChatStream(context.Background(), []Message{
		{Role: "user", Content: "Hi"},
	}, GenerationParams{}, func(event StreamEvent) error {
		if event.Type == StreamEventError {
			errorReceived = true
			errorMessage = event.Error
		}
		return nil
	})

	if err == nil {
		t.Fatal("ChatStream should return error when stream contains error")
	}
	if !errorReceived {
		t.Error("Error event should be emitted before returning")
	}
	if errorMessage != "model crashed" {
		t.Errorf("Expected error 'model crashed', got '%s'", errorMessage)
	}
}

func TestChatStream_ContextCancellation(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"First"},"done":false}`)

		time.Sleep(500 * time.Millisecond)

		fmt.Fprintln(w, `{"message":{"content":"Second"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := client.ChatStream(ctx, []Message{
		{Role: "user", Content: "Hi"},
	}, GenerationParams{}, func(event StreamEvent) error {
		return nil
	})

	if err == nil {
		t.Fatal("ChatStream should return error on context cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got: %v", err)
	}
}

func TestChatStream_CallbackAbort(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"First"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"Second"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"Third"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	tokenCount := 0
	abortErr := errors.New("user abort")

	err := client.ChatStream(context.Background(), []Message{
		{Role: "user", Content: "Hi"},
	}, GenerationParams{}, func(event StreamEvent) error {
		if event.Type == StreamEventToken {
			tokenCount++
			if tokenCount >= 2 {
				return abortErr
			}
		}
		return nil
	})

	if err == nil {
		t.Fatal("ChatStream should return error when callback aborts")
	}
	if !strings.Contains(err.Error(), "callback") {
		t.Errorf("Error should mention callback, got: %v", err)
	}
	if tokenCount != 2 {
		t.Errorf("Expected 2 tokens before abort, got %d", tokenCount)
	}
}

func TestChatStream_MalformedJSON(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"First"},"done":false}`)
		fmt.Fprintln(w, `{not valid json}`)
		fmt.Fprintln(w, `{"message":{"content":"Second"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	var tokens []string
	err := client.ChatStream(context.Background(), []Message{
		{Role: "user", Content: "Hi"},
	}, GenerationParams{}, func(event StreamEvent) error {
		if event.Type == StreamEventToken {
			tokens = append(tokens, event.Content)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("ChatStream should not fail on malformed JSON, got: %v", err)
	}
	if len(tokens) != 2 {
		t.Errorf("Expected 2 tokens, got %d", len(tokens))
	}
	if tokens[0] != "First" || tokens[1] != "Second" {
		t.Errorf("Expected [First, Second], got %v", tokens)
	}
}

func TestChatStream_EmptyLines(t *testing.T) {
	t.Parallel()

	server := newMockOllamaServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"content":"Hello"},"done":false}`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"message":{"content":" World"},"done":false}`)
		fmt.Fprintln(w, `{"done":true}`)
	})
	defer server.Close()

	client := newTestOllamaClient(server.URL, "test-model")

	var response strings.Builder
	err := client.ChatStream(context.Background(), []Message{
		{Role: "user", Content: "Hi"},
	}, GenerationParams{}, func(event StreamEvent) error {
		if event.Type == StreamEventToken {
			response.WriteString(event.Content)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("ChatStream returned error: %v", err)
	}
	if response.String() != "Hello World" {
		t.Errorf("Expected 'Hello World', got '%s'", response.String())
	}
}

func TestDefaultStreamConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultStreamConfig()

	if cfg.RedactInnerVoice {
		t.Error("Default RedactInnerVoice should be false")
	}
	if cfg.MaxInnerVoiceChars != 0 {
		t.Errorf("Default MaxInnerVoiceChars should be 0, got %d", cfg.MaxInnerVoiceChars)
	}
	if cfg.RateLimitPerSecond != 0 {
		t.Errorf("Default RateLimitPerSecond should be 0, got %d", cfg.RateLimitPerSecond)
	}
	if cfg.MaxResponseLength != 100*1024 {
		t.Errorf("Default MaxResponseLength should be 102400, got %d", cfg.MaxResponseLength)
	}
}

func TestParseStreamChunk_ValidJSON(t *testing.T) {
	t.Parallel()

	client := &OllamaClient{}

	testCases := []struct {
		name     string
		input    string
		expected ollamaStreamChunk
	}{
		{
			name:  "content only",
			input: `{"message":{"role":"assistant","content":"Hello"},"done":false}`,
			expected: ollamaStreamChunk{
				Message: Message{Role: "assistant", Content: "Hello"},
				Done:    false,
			},
		},
		{
			name:  "inner voice only",
			input: `{"thinking":"Let me think...","done":false}`,
			expected: ollamaStreamChunk{
				Thinking: "Let me think...",
				Done:     false,
			},
		},
		{
			name:  "done chunk",
			input: `{"done":true,"done_reason":"stop","total_duration":1500000000}`,
			expected: ollamaStreamChunk{
				Done:          true,
				DoneReason:    "stop",
				TotalDuration: 1500000000,
			},
		},
		{
			name:  "error chunk",
			input: `{"error":"model not found"}`,
			expected: ollamaStreamChunk{
				Error: "model not found",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			chunk, err := client.parseStreamChunk([]byte(tc.input))
			if err != nil {
				t.Fatalf("parseStreamChunk returned error: %v", err)
			}
			if chunk.Message.Content != tc.expected.Message.Content {
				t.Errorf("Content mismatch: expected '%s', got '%s'",
					tc.expected.Message.Content, chunk.Message.Content)
			}
			if chunk.Thinking != tc.expected.Thinking {
				t.Errorf("Thinking mismatch: expected '%s', got '%s'",
					tc.expected.Thinking, chunk.Thinking)
			}
			if chunk.Done != tc.expected.Done {
				t.Errorf("Done mismatch: expected %v, got %v",
					tc.expected.Done, chunk.Done)
			}
			if chunk.Error != tc.expected.Error {
				t.Errorf("Error mismatch: expected '%s', got '%s'",
					tc.expected.Error, chunk.Error)
			}
		})
	}
}

func TestParseStreamChunk_InvalidJSON(t *testing.T) {
	t.Parallel()

	client := &OllamaClient{}

	invalidInputs := []string{
		`{not valid`,
		`"just a string"`,
		``,
		`{missing: quotes}`,
	}

	for _, input := range invalidInputs {
		t.Run(input, func(t *testing.T) {
			_, err := client.parseStreamChunk([]byte(input))
			if err == nil {
				t.Errorf("parseStreamChunk should return error for invalid JSON: %s", input)
			}
		})
	}
}
