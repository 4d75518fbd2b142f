// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command characterstore starts the Character Store (C1) HTTP server.
//
// # Environment Variables
//
//   - CHARACTERSTORE_PORT: HTTP server port (default: 12230)
//   - DATABASE_URL: Postgres DSN
//   - EMBEDDING_DIMENSIONS: vector column width (default: 384)
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
	"github.com/lifestrands/core/services/characterstore"
	"github.com/lifestrands/core/services/llm"
)

func main() {
	_ = godotenv.Load()

	appLog := logging.New(logging.Config{Level: logging.LevelInfo, Service: "characterstore", JSON: true})
	defer appLog.Close()
	logger := appLog.Slog()
	slog.SetDefault(logger)

	port := getEnvString("CHARACTERSTORE_PORT", "12230")
	dims := getEnvInt("EMBEDDING_DIMENSIONS", 384)

	cleanup, err := tracing.Init("characterstore-service")
	if err != nil {
		log.Fatalf("failed to set up the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	store, err := characterstore.Open(context.Background(), characterstore.Config{
		DSN:           os.Getenv("DATABASE_URL"),
		EmbeddingDims: dims,
	})
	if err != nil {
		log.Fatalf("failed to open character store: %v", err)
	}
	defer store.Close()

	embedder, err := llm.NewOpenAIEmbedder(dims)
	if err != nil {
		log.Fatalf("failed to initialize embedder: %v", err)
	}
	store.SetEmbedder(embedder)

	if weaviateURL := os.Getenv("WEAVIATE_SERVICE_URL"); weaviateURL != "" {
		vectorIndex, err := characterstore.NewWeaviateIndex(context.Background(), weaviateURL)
		if err != nil {
			slog.Warn("weaviate knowledge-chunk index unavailable, falling back to record-level search only", "error", err)
		} else {
			store.SetVectorIndex(vectorIndex)
			slog.Info("knowledge-chunk search backed by weaviate", "url", weaviateURL)
		}
	}

	router := gin.Default()
	router.Use(tracing.Middleware("characterstore-service"))
	characterstore.RegisterRoutes(router, store, embedder)

	slog.Info("starting character store", "port", port, "embedding_dimensions", dims)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("character store server error: %v", err)
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
