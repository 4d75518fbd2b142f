// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command modelruntime starts the combined Model Runtime (C2) and Request
// Pipeline (C3) HTTP server.
//
// # Environment Variables
//
//   - MODELRUNTIME_PORT: HTTP server port (default: 12220)
//   - LLM_BACKEND_TYPE: LLM provider - local, openai, ollama, claude, huggingface (default: local)
//   - EMBEDDING_DIMENSIONS: vector length produced by the embedder (default: 384)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/lifestrands/core/pkg/logging"
	"github.com/lifestrands/core/pkg/tracing"
	"github.com/lifestrands/core/services/llm"
	"github.com/lifestrands/core/services/modelruntime"
	"github.com/lifestrands/core/services/requestpipeline"
)

func main() {
	_ = godotenv.Load()

	appLog := logging.New(logging.Config{Level: logging.LevelInfo, Service: "modelruntime", JSON: true})
	defer appLog.Close()
	logger := appLog.Slog()
	slog.SetDefault(logger)

	port := getEnvString("MODELRUNTIME_PORT", "12220")
	backendType := getEnvString("LLM_BACKEND_TYPE", "local")
	dimensions := getEnvInt("EMBEDDING_DIMENSIONS", 384)

	cleanup, err := tracing.Init("modelruntime-service")
	if err != nil {
		log.Fatalf("failed to set up the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	chatClient, err := newBackend(backendType)
	if err != nil {
		log.Fatalf("failed to initialize LLM backend %q: %v", backendType, err)
	}
	backends := map[modelruntime.ModelType]llm.LLMClient{
		modelruntime.ModelTypeChat:    chatClient,
		modelruntime.ModelTypeSummary: chatClient,
	}

	embedder, err := newEmbedder(dimensions)
	if err != nil {
		log.Fatalf("failed to initialize embedder: %v", err)
	}

	runtime, err := modelruntime.New(modelruntime.DefaultConfig(), backends, embedder, logger)
	if err != nil {
		log.Fatalf("failed to construct model runtime: %v", err)
	}

	pipeline := requestpipeline.New(requestpipeline.DefaultConfig(), runtime, logger)
	pipeline.Start(context.Background())
	defer pipeline.Stop()

	router := gin.Default()
	router.Use(tracing.Middleware("modelruntime-service"))
	modelruntime.RegisterRoutes(router, runtime)

	slog.Info("starting model runtime", "port", port, "backend", backendType, "embedding_dimensions", dimensions)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("model runtime server error: %v", err)
	}
}

func newBackend(backendType string) (llm.LLMClient, error) {
	switch backendType {
	case "openai":
		return llm.NewOpenAIClient()
	case "ollama":
		return llm.NewOllamaClient()
	case "claude", "anthropic":
		return llm.NewAnthropicClient()
	case "huggingface", "tgi":
		return llm.NewHFTransformersClient()
	default:
		return llm.NewLocalLlamaCppClient()
	}
}

func newEmbedder(dimensions int) (llm.Embedder, error) {
	if getEnvString("EMBEDDING_BACKEND", "openai") == "disabled" {
		return llm.NewDisabledEmbedder(dimensions), nil
	}
	return llm.NewOpenAIEmbedder(dimensions)
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
