// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command worker starts the Post-Conversation Worker (C6) pool, draining
// summary_queue and folding approved changes back into the Character
// Store (C1) it shares a database with.
//
// # Environment Variables
//
//   - DATABASE_URL: Postgres DSN the Character Store also uses
//   - REDIS_URL: the queue this worker drains
//   - LLM_BACKEND_TYPE: LLM provider - local, openai, ollama, claude (default: local)
//   - EMBEDDING_DIMENSIONS: vector length (default: 384)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/lifestrands/core/pkg/logging"
	"github.com/lifestrands/core/pkg/tracing"
	"github.com/lifestrands/core/services/characterstore"
	"github.com/lifestrands/core/services/llm"
	"github.com/lifestrands/core/services/modelruntime"
	"github.com/lifestrands/core/services/postconversation"
	"github.com/lifestrands/core/services/requestpipeline"
)

func main() {
	_ = godotenv.Load()

	appLog := logging.New(logging.Config{Level: logging.LevelInfo, Service: "postconversation-worker", JSON: true})
	defer appLog.Close()
	logger := appLog.Slog()
	slog.SetDefault(logger)

	backendType := getEnvString("LLM_BACKEND_TYPE", "local")
	dimensions := getEnvInt("EMBEDDING_DIMENSIONS", 384)

	cleanup, err := tracing.Init("postconversation-worker")
	if err != nil {
		log.Fatalf("failed to set up the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	store, err := characterstore.Open(context.Background(), characterstore.Config{
		DSN:           os.Getenv("DATABASE_URL"),
		EmbeddingDims: dimensions,
	})
	if err != nil {
		log.Fatalf("failed to open character store: %v", err)
	}
	defer store.Close()

	redisOpts, err := redis.ParseURL(getEnvString("REDIS_URL", "redis://localhost:6379/0"))
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	queue := postconversation.NewRedisQueue(redisClient)

	chatClient, err := newBackend(backendType)
	if err != nil {
		log.Fatalf("failed to initialize LLM backend %q: %v", backendType, err)
	}
	embedder, err := llm.NewOpenAIEmbedder(dimensions)
	if err != nil {
		log.Fatalf("failed to initialize embedder: %v", err)
	}
	backends := map[modelruntime.ModelType]llm.LLMClient{
		modelruntime.ModelTypeChat:    chatClient,
		modelruntime.ModelTypeSummary: chatClient,
	}
	runtime, err := modelruntime.New(modelruntime.DefaultConfig(), backends, embedder, logger)
	if err != nil {
		log.Fatalf("failed to construct model runtime: %v", err)
	}
	pipeline := requestpipeline.New(requestpipeline.DefaultConfig(), runtime, logger)
	pipeline.Start(context.Background())
	defer pipeline.Stop()

	pool := postconversation.NewPool(queue, store, pipeline, queue, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting post-conversation worker", "llm_backend", backendType)
	pool.Run(ctx)
}

func newBackend(backendType string) (llm.LLMClient, error) {
	switch backendType {
	case "openai":
		return llm.NewOpenAIClient()
	case "ollama":
		return llm.NewOllamaClient()
	case "claude", "anthropic":
		return llm.NewAnthropicClient()
	default:
		return llm.NewLocalLlamaCppClient()
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
