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
	"os"
	"strings"
	"time"
)

type LocalLlamaCppClient struct {
	httpClient *http.Client `json:"http_client"`
	baseURL    string       `json:"base_url"`
}

type LocalLlamaCppClientPayload struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

func NewLocalLlamaCppClient() (*LocalLlamaCppClient, error) {
	baseURL := os.Getenv("LLM_SERVICE_URL_BASE")
	if baseURL == "" {
		return nil, fmt.Errorf("LLM_SERVICE_URL_BASE environment variable not set")
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &LocalLlamaCppClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
	}, nil
}

// Generate implements the LLMClient interface
func (l *LocalLlamaCppClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	completionURL := l.baseURL + "/completion"
	payload := newCompletionPayload(prompt, params)

	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal the payload: %w", err)
	}
	slog.Info("calling llama.cpp completion endpoint", "url", completionURL)

	// Use NewRequestWithContext to respect context cancellation/timeout
	req, err := http.NewRequestWithContext(ctx, "POST", completionURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request to llm: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make a request to the llm: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read the llm's response: %w", err)
	}
	var llmResponseBody llamaCppResp
	if err := json.Unmarshal(body, &llmResponseBody); err != nil {
		return "", fmt.Errorf("failed to parse the llm response %w", err)
	}
	return llmResponseBody.Content, nil
}

type llamaCppResp struct {
	Content string `json:"content"`
}

// Chat implements the LLMClient interface. llama.cpp's server exposes only
// a raw-completion endpoint, so the conversation is rendered into a single
// role-tagged prompt before calling Generate.
func (l *LocalLlamaCppClient) Chat(ctx context.Context, messages []Message,
	params GenerationParams) (string, error) {
	return l.Generate(ctx, renderChatPrompt(messages), params)
}

// ChatStream implements the LLMClient interface by opening llama.cpp's
// server with "stream": true and reading its SSE chunks, each a JSON object
// with a "content" field and, on the last chunk, "stop": true.
func (l *LocalLlamaCppClient) ChatStream(ctx context.Context, messages []Message,
	params GenerationParams, callback StreamCallback) error {

	completionURL := l.baseURL + "/completion"
	payload := newCompletionPayload(renderChatPrompt(messages), params)
	payload.Stream = true

	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal streaming payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", completionURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create streaming request to llm: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
		return fmt.Errorf("failed to open streaming request to llm: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		errMsg := fmt.Sprintf("llm streaming returned status %d", resp.StatusCode)
		_ = callback(StreamEvent{Type: StreamEventError, Error: errMsg})
		return fmt.Errorf("%s: %s", errMsg, string(body))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "" {
			continue
		}

		var chunk llamaCppStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			slog.Warn("failed to parse llama.cpp stream chunk", "error", err)
			continue
		}
		if chunk.Content != "" {
			if err := callback(StreamEvent{Type: StreamEventToken, Content: chunk.Content}); err != nil {
				return fmt.Errorf("content callback error: %w", err)
			}
		}
		if chunk.Stop {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}
	return nil
}

type llamaCppStreamChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// newCompletionPayload builds a LocalLlamaCppClientPayload from
// GenerationParams with the same defaults Generate falls back to.
func newCompletionPayload(prompt string, params GenerationParams) LocalLlamaCppClientPayload {
	payload := LocalLlamaCppClientPayload{Prompt: prompt}
	if params.MaxTokens != nil {
		payload.NPredict = *params.MaxTokens
		payload.MaxTokens = params.MaxTokens
	} else {
		payload.NPredict = 512
	}
	if params.Temperature != nil {
		payload.Temperature = params.Temperature
	} else {
		defaultTemperature := float32(0.2)
		payload.Temperature = &defaultTemperature
	}
	if params.TopK != nil {
		payload.TopK = params.TopK
	} else {
		defaultTopK := 20
		payload.TopK = &defaultTopK
	}
	if params.TopP != nil {
		payload.TopP = params.TopP
	} else {
		defaultTopP := float32(0.9)
		payload.TopP = &defaultTopP
	}
	if params.Stop != nil {
		payload.Stop = params.Stop
	} else {
		payload.Stop = []string{"\n"}
	}
	return payload
}
