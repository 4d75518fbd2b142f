// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package requestpipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lifestrands/core/pkg/errkind"
	"github.com/lifestrands/core/services/llm"
	"github.com/lifestrands/core/services/modelruntime"
)

// Runtime is the subset of modelruntime.Runtime the pipeline depends on,
// so unit tests can substitute a fake without a real GPU-backed runtime.
type Runtime interface {
	GenerateStream(ctx context.Context, t modelruntime.ModelType, messages []llm.Message, params llm.GenerationParams) (<-chan modelruntime.StreamToken, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Preload(ctx context.Context, t modelruntime.ModelType) error
}

// Config controls worker counts, embedding batching, and queue capacity.
type Config struct {
	GenerationWorkers int
	EmbeddingWorkers  int
	QueueCapacity     int
	MaxBatchSize      int
	BatchTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		GenerationWorkers: 4,
		EmbeddingWorkers:  2,
		QueueCapacity:     100,
		MaxBatchSize:      10,
		BatchTimeout:      200 * time.Millisecond,
	}
}

// Pipeline accepts per-service-class requests and dispatches them through
// a priority queue to the Model Runtime, admission-gated by a circuit
// breaker per class.
type Pipeline struct {
	cfg      Config
	runtime  Runtime
	logger   *slog.Logger
	breakers map[ServiceClass]*Breaker
	genQueue *PriorityQueue
	embQueue *PriorityQueue
	demand   *DemandPredictor

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, runtime Runtime, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		cfg:     cfg,
		runtime: runtime,
		logger:  logger,
		breakers: map[ServiceClass]*Breaker{
			ServiceClassChat:      NewBreaker(DefaultBreakerConfig()),
			ServiceClassSummary:   NewBreaker(DefaultBreakerConfig()),
			ServiceClassEmbedding: NewBreaker(DefaultBreakerConfig()),
		},
		genQueue: NewPriorityQueue(cfg.QueueCapacity),
		embQueue: NewPriorityQueue(cfg.QueueCapacity),
		demand:   NewDemandPredictor(runtime),
		stop:     make(chan struct{}),
	}
	return p
}

// Start launches the fixed worker pools and the demand predictor's cycle.
func (p *Pipeline) Start(ctx context.Context) {
	for i := 0; i < p.cfg.GenerationWorkers; i++ {
		p.wg.Add(1)
		go p.generationWorker(ctx)
	}
	for i := 0; i < p.cfg.EmbeddingWorkers; i++ {
		p.wg.Add(1)
		go p.embeddingWorker(ctx)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.demand.Run(ctx, p.stop, p.genQueue)
	}()
}

// Stop halts all workers and waits for in-flight requests to wind down.
func (p *Pipeline) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func serviceClassToModelType(c ServiceClass) modelruntime.ModelType {
	switch c {
	case ServiceClassChat:
		return modelruntime.ModelTypeChat
	case ServiceClassSummary:
		return modelruntime.ModelTypeSummary
	default:
		return modelruntime.ModelTypeChat
	}
}

// SubmitGeneration enqueues a chat/summary generation request and returns a
// lazy token stream once a worker has begun dispatching it.
func (p *Pipeline) SubmitGeneration(ctx context.Context, class ServiceClass, messages []llm.Message, params llm.GenerationParams, priority int, timeout time.Duration) (<-chan StreamToken, error) {
	if err := p.breakers[class].Allow(); err != nil {
		return nil, err
	}
	if priority == 0 {
		priority = DefaultPriority(class)
	}
	result := make(chan generationResult, 1)
	req := &QueuedRequest{
		ServiceClass: class,
		Priority:     priority,
		EnqueuedAt:   time.Now(),
		Generation:   &GenerationJob{Messages: messages, Params: params, Result: result},
	}
	if timeout > 0 {
		req.Deadline = req.EnqueuedAt.Add(timeout)
	}
	p.demand.Record(class)
	if err := p.genQueue.Push(req); err != nil {
		return nil, err
	}
	select {
	case res := <-result:
		if res.Err != nil {
			p.breakers[class].RecordFailure()
			return nil, res.Err
		}
		return adaptTokens(res.Tokens), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w", errkind.Of(errkind.Timeout))
	}
}

func adaptTokens(in <-chan modelruntime.StreamToken) <-chan StreamToken {
	out := make(chan StreamToken, cap(in))
	go func() {
		defer close(out)
		for tok := range in {
			out <- StreamToken{Content: tok.Content, Done: tok.Done, Err: tok.Err}
		}
	}()
	return out
}

// SubmitEmbedding enqueues an embedding request, batched opportunistically
// with other pending requests by the embedding worker.
func (p *Pipeline) SubmitEmbedding(ctx context.Context, texts []string, priority int, timeout time.Duration) ([][]float32, error) {
	if err := p.breakers[ServiceClassEmbedding].Allow(); err != nil {
		return nil, err
	}
	if priority == 0 {
		priority = DefaultPriority(ServiceClassEmbedding)
	}
	result := make(chan embeddingResult, 1)
	req := &QueuedRequest{
		ServiceClass: ServiceClassEmbedding,
		Priority:     priority,
		EnqueuedAt:   time.Now(),
		Embedding:    &EmbeddingJob{Texts: texts, Result: result},
	}
	if timeout > 0 {
		req.Deadline = req.EnqueuedAt.Add(timeout)
	}
	p.demand.Record(ServiceClassEmbedding)
	if err := p.embQueue.Push(req); err != nil {
		return nil, err
	}
	select {
	case res := <-result:
		if res.Err != nil {
			p.breakers[ServiceClassEmbedding].RecordFailure()
			return nil, res.Err
		}
		p.breakers[ServiceClassEmbedding].RecordSuccess()
		return res.Vectors, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w", errkind.Of(errkind.Timeout))
	}
}

// generationWorker pops the highest-priority generation request, ensures
// the Model Runtime holds the required model, and submits the token stream
// back via the request's completion handle.
func (p *Pipeline) generationWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		req := p.genQueue.Pop(p.stop)
		if req == nil {
			return
		}
		if req.Generation == nil {
			continue
		}
		if req.Expired(time.Now()) {
			req.Generation.Result <- generationResult{Err: errkind.Of(errkind.Timeout)}
			continue
		}
		t := serviceClassToModelType(req.ServiceClass)
		tokens, err := p.runtime.GenerateStream(ctx, t, req.Generation.Messages, req.Generation.Params)
		if err != nil {
			p.breakers[req.ServiceClass].RecordFailure()
			req.Generation.Result <- generationResult{Err: err}
			continue
		}
		p.breakers[req.ServiceClass].RecordSuccess()
		req.Generation.Result <- generationResult{Tokens: tokens}
	}
}

// embeddingWorker collects pending embedding requests until MaxBatchSize
// texts are gathered or BatchTimeout elapses, whichever is first, then
// issues one call to the embedding instance and slices results back to
// each caller by recorded offsets.
func (p *Pipeline) embeddingWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		batch, ok := p.collectBatch()
		if !ok {
			return
		}
		if len(batch) == 0 {
			continue
		}
		var allTexts []string
		offsets := make([]int, 0, len(batch))
		for _, req := range batch {
			offsets = append(offsets, len(allTexts))
			allTexts = append(allTexts, req.Embedding.Texts...)
		}
		vectors, err := p.runtime.GenerateEmbeddings(ctx, allTexts)
		if err != nil {
			for _, req := range batch {
				req.Embedding.Result <- embeddingResult{Err: err}
			}
			continue
		}
		for i, req := range batch {
			start := offsets[i]
			end := start + len(req.Embedding.Texts)
			req.Embedding.Result <- embeddingResult{Vectors: vectors[start:end]}
		}
	}
}

func (p *Pipeline) collectBatch() ([]*QueuedRequest, bool) {
	first := p.embQueue.Pop(p.stop)
	if first == nil {
		return nil, false
	}
	batch := []*QueuedRequest{first}
	texts := len(first.Embedding.Texts)

	deadline := time.NewTimer(p.cfg.BatchTimeout)
	defer deadline.Stop()

	for texts < p.cfg.MaxBatchSize {
		if p.embQueue.Depth() == 0 {
			select {
			case <-deadline.C:
				return batch, true
			case <-p.stop:
				return batch, true
			case <-time.After(5 * time.Millisecond):
				continue
			}
		}
		immediate := make(chan struct{})
		close(immediate)
		next := p.embQueue.Pop(immediate)
		if next == nil {
			continue
		}
		batch = append(batch, next)
		texts += len(next.Embedding.Texts)
	}
	return batch, true
}

// HealthSnapshot reports circuit breaker states, queue depth, and worker
// liveness, per the Request Pipeline's health() contract.
type HealthSnapshot struct {
	CircuitBreakers map[ServiceClass]string
	QueueDepth      int
	WorkersLive     int
}

func (p *Pipeline) Health() HealthSnapshot {
	states := make(map[ServiceClass]string, len(p.breakers))
	for class, b := range p.breakers {
		states[class] = b.State().String()
	}
	return HealthSnapshot{
		CircuitBreakers: states,
		QueueDepth:      p.genQueue.Depth() + p.embQueue.Depth(),
		WorkersLive:     p.cfg.GenerationWorkers + p.cfg.EmbeddingWorkers,
	}
}
