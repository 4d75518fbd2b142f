// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Embedder produces vectors for text via an explicit capability
// (replacing a duck-typed dummy-vector fallback) with a real and a
// disabled variant; DisabledEmbedder is the disabled one.
type Embedder interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions reports the fixed vector length this embedder produces.
	Dimensions() int
}

// DisabledEmbedder returns the same zero vector for every input. Vector
// search over records produced by this embedder is a deliberate no-op;
// every record compares as maximally similar to every other.
type DisabledEmbedder struct {
	dim int
}

func NewDisabledEmbedder(dim int) *DisabledEmbedder { return &DisabledEmbedder{dim: dim} }

func (d *DisabledEmbedder) Dimensions() int { return d.dim }

func (d *DisabledEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, d.dim)
	}
	return out, nil
}

// OpenAIEmbedder calls OpenAI's embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

func NewOpenAIEmbedder(dim int) (*OpenAIEmbedder, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  openai.SmallEmbedding3,
		dim:    dim,
	}, nil
}

func (o *OpenAIEmbedder) Dimensions() int { return o.dim }

func (o *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input:      texts,
		Model:      o.model,
		Dimensions: o.dim,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI embeddings call failed: %w", err)
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// OllamaEmbedder calls a local Ollama server's /api/embeddings endpoint,
// one text at a time (Ollama's embeddings API is single-input per request).
type OllamaEmbedder struct {
	httpClient *http.Client
	baseURL    string
	model      string
	dim        int
}

func NewOllamaEmbedder(baseURL, model string, dim int) *OllamaEmbedder {
	return &OllamaEmbedder{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		model:      model,
		dim:        dim,
	}
}

func (o *OllamaEmbedder) Dimensions() int { return o.dim }

type ollamaEmbeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (o *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		body, err := json.Marshal(ollamaEmbeddingRequest{Model: o.model, Prompt: text})
		if err != nil {
			return nil, fmt.Errorf("marshaling embedding request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/embeddings", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating embedding request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := o.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("sending embedding request: %w", err)
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading embedding response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("embedding failed with status %d: %s", resp.StatusCode, string(respBody))
		}
		var parsed ollamaEmbeddingResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return nil, fmt.Errorf("parsing embedding response: %w", err)
		}
		out[i] = parsed.Embedding
	}
	return out, nil
}
