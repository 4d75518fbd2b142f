// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package modelruntime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lifestrands/core/services/llm"
)

// fakeLLMClient is a minimal in-memory LLMClient used only by this package's
// tests; it never makes a network call.
type fakeLLMClient struct {
	mu      sync.Mutex
	tokens  []string
	delay   time.Duration
	failure error
}

func (f *fakeLLMClient) Generate(_ context.Context, _ string, _ llm.GenerationParams) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func (f *fakeLLMClient) Chat(_ context.Context, _ []llm.Message, _ llm.GenerationParams) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func (f *fakeLLMClient) ChatStream(ctx context.Context, _ []llm.Message, _ llm.GenerationParams, cb llm.StreamCallback) error {
	if f.failure != nil {
		return cb(llm.StreamEvent{Type: llm.StreamEventError, Error: f.failure.Error()})
	}
	for _, tok := range f.tokens {
		if f.delay > 0 {
			select {
			case <-time.After(f.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := cb(llm.StreamEvent{Type: llm.StreamEventToken, Content: tok}); err != nil {
			return err
		}
	}
	return nil
}

func newTestRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()
	backends := map[ModelType]llm.LLMClient{
		ModelTypeChat:    &fakeLLMClient{tokens: []string{"hello", " ", "world"}},
		ModelTypeSummary: &fakeLLMClient{tokens: []string{"summary"}},
	}
	embedder := llm.NewDisabledEmbedder(8)
	rt, err := New(cfg, backends, embedder, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rt
}

func TestRuntime_LoadIsNoOpWhenAlreadyCurrent(t *testing.T) {
	rt := newTestRuntime(t, DefaultConfig())
	ctx := context.Background()
	first, err := rt.Load(ctx, ModelTypeChat)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := rt.Load(ctx, ModelTypeChat)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first.InstanceID != second.InstanceID {
		t.Fatal("expected no-op reload to return the same instance")
	}
}

func TestRuntime_OverlappedSwapWhenVRAMAllows(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TotalVRAMBytes = 48 * 1024 * 1024 * 1024
	rt := newTestRuntime(t, cfg)
	ctx := context.Background()

	if _, err := rt.Load(ctx, ModelTypeChat); err != nil {
		t.Fatalf("load chat: %v", err)
	}
	swapped, err := rt.Load(ctx, ModelTypeSummary)
	if err != nil {
		t.Fatalf("load summary: %v", err)
	}
	if swapped.ModelType != ModelTypeSummary {
		t.Fatalf("expected summary instance, got %s", swapped.ModelType)
	}
	if rt.CurrentInstance().ModelType != ModelTypeSummary {
		t.Fatal("expected current instance to be summary after overlapped swap")
	}
}

func TestRuntime_SequentialSwapWhenVRAMTight(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TotalVRAMBytes = minVRAMEstimate + minVRAMEstimate/2
	cfg.SafetyMarginBytes = 0
	rt := newTestRuntime(t, cfg)
	ctx := context.Background()

	if _, err := rt.Load(ctx, ModelTypeChat); err != nil {
		t.Fatalf("load chat: %v", err)
	}
	swapped, err := rt.Load(ctx, ModelTypeSummary)
	if err != nil {
		t.Fatalf("load summary: %v", err)
	}
	if swapped.ModelType != ModelTypeSummary {
		t.Fatalf("expected summary instance, got %s", swapped.ModelType)
	}
}

func TestRuntime_PreloadPromotionIsZeroLatency(t *testing.T) {
	rt := newTestRuntime(t, DefaultConfig())
	ctx := context.Background()

	if _, err := rt.Load(ctx, ModelTypeChat); err != nil {
		t.Fatalf("load chat: %v", err)
	}
	if err := rt.Preload(ctx, ModelTypeSummary); err != nil {
		t.Fatalf("preload summary: %v", err)
	}
	rt.mu.Lock()
	preloaded := rt.preload
	rt.mu.Unlock()
	if preloaded == nil {
		t.Fatal("expected preload slot to be populated")
	}
	promoted, err := rt.Load(ctx, ModelTypeSummary)
	if err != nil {
		t.Fatalf("promote preload: %v", err)
	}
	if promoted.InstanceID != preloaded.InstanceID {
		t.Fatal("expected promotion to reuse the preloaded instance, not load a new one")
	}
	rt.mu.Lock()
	if rt.preload != nil {
		t.Fatal("expected preload slot to be cleared after promotion")
	}
	rt.mu.Unlock()
}

func TestRuntime_GenerateStreamDeliversTokensThenDone(t *testing.T) {
	rt := newTestRuntime(t, DefaultConfig())
	ctx := context.Background()
	ch, err := rt.GenerateStream(ctx, ModelTypeChat, []llm.Message{{Role: "user", Content: "hi"}}, llm.GenerationParams{})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	var got []string
	var sawDone bool
	for tok := range ch {
		if tok.Done {
			sawDone = true
			if tok.Err != nil {
				t.Fatalf("unexpected stream error: %v", tok.Err)
			}
			continue
		}
		got = append(got, tok.Content)
	}
	if !sawDone {
		t.Fatal("expected a final Done token")
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 tokens, got %d: %v", len(got), got)
	}
}

func TestRuntime_GenerateStreamCancellation(t *testing.T) {
	backends := map[ModelType]llm.LLMClient{
		ModelTypeChat: &fakeLLMClient{tokens: []string{"a", "b", "c", "d", "e"}, delay: 20 * time.Millisecond},
	}
	rt, err := New(DefaultConfig(), backends, llm.NewDisabledEmbedder(8), slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := rt.GenerateStream(ctx, ModelTypeChat, nil, llm.GenerationParams{})
	if err != nil {
		t.Fatalf("GenerateStream: %v", err)
	}
	<-ch
	cancel()
	for range ch {
		// drain until the goroutine observes cancellation and closes the channel
	}
	inst := rt.CurrentInstance()
	if inst.Machine.Current() != StateLoaded && inst.Machine.Current() != StateError {
		t.Fatalf("expected instance to leave GENERATING after cancellation, got %s", inst.Machine.Current())
	}
}

func TestRuntime_GenerateEmbeddingsNormalizes(t *testing.T) {
	rt := newTestRuntime(t, DefaultConfig())
	vectors, err := rt.GenerateEmbeddings(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("GenerateEmbeddings: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vectors))
	}
	if rt.EmbeddingDimensions() != 8 {
		t.Fatalf("expected dimension 8, got %d", rt.EmbeddingDimensions())
	}
}

func TestRuntime_EmergencyShutdownClearsSlots(t *testing.T) {
	rt := newTestRuntime(t, DefaultConfig())
	ctx := context.Background()
	if _, err := rt.Load(ctx, ModelTypeChat); err != nil {
		t.Fatalf("load chat: %v", err)
	}
	rt.EmergencyShutdown()
	if rt.CurrentInstance() != nil {
		t.Fatal("expected current instance to be cleared after emergency shutdown")
	}
}
