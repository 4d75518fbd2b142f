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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// HFTransformersClient talks to a self-hosted Hugging Face
// text-generation-inference server. Unlike Ollama/llama.cpp it has no
// native chat endpoint, so Chat renders the conversation into a single
// prompt using the model's chat template markers before calling /generate.
type HFTransformersClient struct {
	httpClient *http.Client
	baseURL    string
}

type hfGenerateRequest struct {
	Inputs     string         `json:"inputs"`
	Parameters hfGenParameters `json:"parameters"`
}

type hfGenParameters struct {
	Temperature   *float32 `json:"temperature,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	TopP          *float32 `json:"top_p,omitempty"`
	MaxNewTokens  int      `json:"max_new_tokens"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

type hfGenerateResponse struct {
	GeneratedText string `json:"generated_text"`
}

func NewHFTransformersClient() (*HFTransformersClient, error) {
	baseURL := os.Getenv("HF_TGI_BASE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("HF_TGI_BASE_URL environment variable not set")
	}
	return &HFTransformersClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// Generate implements the LLMClient interface.
func (h *HFTransformersClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return h.complete(ctx, prompt, params)
}

// Chat implements the LLMClient interface by flattening the conversation
// into a single prompt, since text-generation-inference has no chat API.
func (h *HFTransformersClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	return h.complete(ctx, renderChatPrompt(messages), params)
}

// ChatStream is unsupported: text-generation-inference's streaming API
// uses a different transport (SSE over /generate_stream) that the rest of
// this client doesn't implement yet.
func (h *HFTransformersClient) ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) error {
	return fmt.Errorf("streaming not supported for HFTransformersClient")
}

func (h *HFTransformersClient) complete(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	maxNew := 512
	if params.MaxTokens != nil {
		maxNew = *params.MaxTokens
	}

	payload := hfGenerateRequest{
		Inputs: prompt,
		Parameters: hfGenParameters{
			Temperature:   params.Temperature,
			TopK:          params.TopK,
			TopP:          params.TopP,
			MaxNewTokens:  maxNew,
			StopSequences: params.Stop,
		},
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal TGI request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", h.baseURL+"/generate", bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create TGI request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("TGI request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read TGI response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("TGI returned status %d: %s", resp.StatusCode, string(body))
	}

	var out hfGenerateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse TGI response: %w", err)
	}
	return out.GeneratedText, nil
}

// renderChatPrompt flattens a conversation into the generic
// "<role>: <content>" format most open chat-tuned models were fine-tuned
// against, ending with an open "assistant:" turn for the model to complete.
func renderChatPrompt(messages []Message) string {
	var b strings.Builder
	for _, msg := range messages {
		role := msg.Role
		if role == "" {
			role = "user"
		}
		b.WriteString(strings.ToUpper(role[:1]) + role[1:])
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	b.WriteString("Assistant: ")
	return b.String()
}
