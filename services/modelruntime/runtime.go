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
	"time"

	"github.com/lifestrands/core/pkg/errkind"
	"github.com/lifestrands/core/services/llm"
)

const tokenChannelCapacity = 256

// StreamToken is one item from a generation's lazy, finite,
// non-restartable token sequence, modeled as a Go channel rather than the
// coroutine/async-generator style original_source uses.
type StreamToken struct {
	Content string
	Done    bool
	Err     error
}

// Config controls the runtime's VRAM bookkeeping and backoff behavior.
type Config struct {
	TotalVRAMBytes  int64
	SafetyMarginBytes int64
	ErrorBackoff    time.Duration
}

func DefaultConfig() Config {
	return Config{
		TotalVRAMBytes:    24 * 1024 * 1024 * 1024, // 24 GB, typical single-GPU budget
		SafetyMarginBytes: 512 * 1024 * 1024,
		ErrorBackoff:      1 * time.Second,
	}
}

// Runtime owns GPU memory: it is the sole arbiter of which model types are
// resident and never permits two concurrent loads or an illegal transition.
// The embedding model is always loaded separately and is not subject to
// hot-swap.
type Runtime struct {
	cfg       Config
	backends  map[ModelType]llm.LLMClient
	embedder  llm.Embedder
	predictor *VRAMPredictor
	logger    *slog.Logger

	genMu  sync.Mutex // serializes GENERATING transitions; distinct from swapMu
	swapMu sync.Mutex // serializes load/unload/swap decisions

	mu        sync.Mutex
	current   *Instance // currently LOADED/GENERATING chat-or-summary instance, or nil
	preload   *Instance // optional demand-predicted warm instance
	embedding *Instance // always-loaded embedding instance
}

// New constructs a Runtime. embedder serves the always-loaded embedding
// instance; chat/summary backends are loaded lazily via the hot-swap path.
func New(cfg Config, backends map[ModelType]llm.LLMClient, embedder llm.Embedder, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if embedder == nil {
		return nil, fmt.Errorf("modelruntime: no embedder configured")
	}
	r := &Runtime{
		cfg:       cfg,
		backends:  backends,
		embedder:  embedder,
		predictor: NewVRAMPredictor(),
		logger:    logger,
	}
	emb := newInstance(ModelTypeEmbedding)
	if err := emb.Machine.Transition(StateLoading, "embedding bootstrap"); err != nil {
		return nil, err
	}
	if err := emb.Machine.Transition(StateLoaded, "embedding bootstrap"); err != nil {
		return nil, err
	}
	emb.VRAMBytes = minVRAMEstimate
	r.embedding = emb
	return r, nil
}

// CurrentInstance returns a snapshot of the currently loaded chat/summary
// instance, or nil if none is loaded.
func (r *Runtime) CurrentInstance() *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Load ensures a model of the given type is resident, hot-swapping via the
// overlapped or sequential strategy as VRAM allows. A request for the
// type already current is a no-op.
func (r *Runtime) Load(ctx context.Context, t ModelType) (*Instance, error) {
	if t == ModelTypeEmbedding {
		return r.embedding, nil
	}

	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	r.mu.Lock()
	if r.current != nil && r.current.ModelType == t {
		inst := r.current
		r.mu.Unlock()
		return inst, nil
	}
	if r.preload != nil && r.preload.ModelType == t {
		promoted := r.preload
		old := r.current
		r.current = promoted
		r.preload = nil
		r.mu.Unlock()
		if old != nil {
			go r.unloadAsync(old)
		}
		return promoted, nil
	}
	current := r.current
	r.mu.Unlock()

	predicted := r.predictor.Estimate(t)
	currentVRAM := int64(0)
	if current != nil {
		currentVRAM = current.VRAMBytes
	}

	if current == nil || currentVRAM+predicted+r.cfg.SafetyMarginBytes <= r.cfg.TotalVRAMBytes {
		return r.loadOverlapped(ctx, t, current)
	}
	return r.loadSequential(ctx, t, current)
}

// loadOverlapped loads the new instance while the old one continues
// serving traffic, then atomically swaps and frees the old asynchronously.
func (r *Runtime) loadOverlapped(ctx context.Context, t ModelType, old *Instance) (*Instance, error) {
	next, err := r.bringUp(ctx, t)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.current = next
	r.mu.Unlock()
	if old != nil {
		go r.unloadAsync(old)
	}
	return next, nil
}

// loadSequential unloads the current instance before loading the new one.
func (r *Runtime) loadSequential(ctx context.Context, t ModelType, old *Instance) (*Instance, error) {
	if old != nil {
		if err := r.unload(old); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
	}
	next, err := r.bringUp(ctx, t)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.current = next
	r.mu.Unlock()
	return next, nil
}

// bringUp drives an instance's machine IDLE -> LOADING -> LOADED and
// records an observed VRAM figure into the predictor. On failure the
// machine is recovered to IDLE and errkind.LoadFailed is returned.
func (r *Runtime) bringUp(ctx context.Context, t ModelType) (*Instance, error) {
	inst := newInstance(t)
	if err := inst.Machine.Transition(StateLoading, "load requested"); err != nil {
		return nil, err
	}
	if _, ok := r.backends[t]; !ok {
		_, _ = inst.Machine.HandleError("no backend configured")
		go inst.Machine.RecoverAfter(r.cfg.ErrorBackoff, StateIdle)
		return nil, fmt.Errorf("no backend for model type %s: %w", t, errkind.Of(errkind.LoadFailed))
	}
	start := time.Now()
	if err := inst.Machine.Transition(StateLoaded, "load complete"); err != nil {
		recoverTo, herr := inst.Machine.HandleError(err.Error())
		if herr == nil {
			go inst.Machine.RecoverAfter(r.cfg.ErrorBackoff, recoverTo)
		}
		return nil, fmt.Errorf("load failed: %w", errkind.Of(errkind.LoadFailed))
	}
	observed := r.predictor.Estimate(t)
	inst.VRAMBytes = observed
	r.predictor.Observe(t, observed)
	r.logger.Info("model loaded", slog.String("model_type", string(t)), slog.Duration("duration", time.Since(start)))
	return inst, nil
}

// unload drives LOADED -> UNLOADING -> IDLE, blocking until complete.
func (r *Runtime) unload(inst *Instance) error {
	if err := inst.Machine.Transition(StateUnloading, "swap-out"); err != nil {
		return err
	}
	if err := inst.Machine.Transition(StateIdle, "unloaded"); err != nil {
		recoverTo, herr := inst.Machine.HandleError(err.Error())
		if herr == nil {
			go inst.Machine.RecoverAfter(r.cfg.ErrorBackoff, recoverTo)
		}
		return err
	}
	return nil
}

func (r *Runtime) unloadAsync(inst *Instance) {
	if err := r.unload(inst); err != nil {
		r.logger.Warn("async unload failed", slog.String("instance_id", inst.InstanceID), slog.String("error", err.Error()))
	}
}

// Preload asks the runtime to warm a model type into the preload slot, used
// by the Request Pipeline's demand predictor. It is skipped if VRAM would
// be exceeded, preserving the invariant
// current_vram + preloaded_vram + safety_margin <= total_vram.
func (r *Runtime) Preload(ctx context.Context, t ModelType) error {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	r.mu.Lock()
	if r.current != nil && r.current.ModelType == t {
		r.mu.Unlock()
		return nil
	}
	if r.preload != nil {
		r.mu.Unlock()
		return nil
	}
	currentVRAM := int64(0)
	if r.current != nil {
		currentVRAM = r.current.VRAMBytes
	}
	r.mu.Unlock()

	predicted := r.predictor.Estimate(t)
	if currentVRAM+predicted+r.cfg.SafetyMarginBytes > r.cfg.TotalVRAMBytes {
		return nil
	}
	inst, err := r.bringUp(ctx, t)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.preload = inst
	r.mu.Unlock()
	return nil
}

// GenerateStream runs a chat/summary generation against the given model
// type, hot-swapping as needed, and returns a bounded channel of tokens.
// Only one GENERATING transition is in flight per instance at a time;
// callers that need fan-in across many requests serialize at the Request
// Pipeline layer, not here.
func (r *Runtime) GenerateStream(ctx context.Context, t ModelType, messages []llm.Message, params llm.GenerationParams) (<-chan StreamToken, error) {
	inst, err := r.Load(ctx, t)
	if err != nil {
		return nil, err
	}
	backend, ok := r.backends[t]
	if !ok {
		return nil, fmt.Errorf("no backend for model type %s: %w", t, errkind.Of(errkind.GenerationFailed))
	}

	r.genMu.Lock()
	if err := inst.Machine.Transition(StateGenerating, "generation started"); err != nil {
		r.genMu.Unlock()
		return nil, err
	}
	r.genMu.Unlock()

	out := make(chan StreamToken, tokenChannelCapacity)
	genCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer cancel()

		err := backend.ChatStream(genCtx, messages, params, func(ev llm.StreamEvent) error {
			switch ev.Type {
			case llm.StreamEventToken:
				select {
				case out <- StreamToken{Content: ev.Content}:
					return nil
				case <-genCtx.Done():
					return genCtx.Err()
				}
			case llm.StreamEventError:
				return fmt.Errorf("%s", ev.Error)
			}
			return nil
		})

		r.genMu.Lock()
		if transErr := inst.Machine.Transition(StateLoaded, "generation complete"); transErr != nil {
			recoverTo, herr := inst.Machine.HandleError(transErr.Error())
			if herr == nil {
				go inst.Machine.RecoverAfter(r.cfg.ErrorBackoff, recoverTo)
			}
		}
		r.genMu.Unlock()

		inst.RequestsProcessed++
		inst.LastUsed = time.Now()

		if err != nil {
			select {
			case out <- StreamToken{Done: true, Err: fmt.Errorf("%w: %v", errkind.Of(errkind.GenerationFailed), err)}:
			default:
			}
			return
		}
		select {
		case out <- StreamToken{Done: true}:
		default:
		}
	}()

	return out, nil
}

// GenerateEmbeddings embeds each text deterministically via the always-
// loaded embedding instance, normalizing to unit vectors when the backend
// does not already return unit-norm vectors.
func (r *Runtime) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding batch: %w", errkind.Of(errkind.GenerationFailed))
	}
	out := make([][]float32, len(vectors))
	for i, vec := range vectors {
		out[i] = normalize(vec)
	}
	r.embedding.RequestsProcessed += int64(len(texts))
	r.embedding.LastUsed = time.Now()
	return out, nil
}

// EmbeddingDimensions reports the fixed vector length the embedder produces.
func (r *Runtime) EmbeddingDimensions() int { return r.embedder.Dimensions() }

// EmergencyShutdown force-unloads every instance without going through the
// state machine's transition guards.
func (r *Runtime) EmergencyShutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
	r.preload = nil
}
