// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the Conversation Orchestrator (C5) HTTP and
// WebSocket server, composing its own Model Runtime (C2) and Request
// Pipeline (C3) handles in-process so a session's chat turns never leave
// this binary to stream.
//
// # Environment Variables
//
//   - ORCHESTRATOR_PORT: HTTP/WebSocket server port (default: 12210)
//   - DATABASE_URL: Postgres DSN the Character Store also uses
//   - REDIS_URL: session cache and post-conversation queue
//   - LLM_BACKEND_TYPE: LLM provider - local, openai, ollama, claude (default: local)
//   - EMBEDDING_DIMENSIONS: vector length (default: 384)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
//   - GCS_LOG_BUCKET: if set, ships log entries to this Cloud Storage bucket
//   - GCS_LOG_SA_KEY: service account key path for GCS_LOG_BUCKET (default: /etc/lifestrands/gcs-key.json)
//   - CONFIG_FILE: YAML file of hot-reloadable runtime knobs (default: /etc/lifestrands/orchestrator.yaml)
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/lifestrands/core/pkg/config"
	"github.com/lifestrands/core/pkg/extensions"
	"github.com/lifestrands/core/pkg/logging"
	"github.com/lifestrands/core/pkg/tracing"
	"github.com/lifestrands/core/services/characterstore"
	"github.com/lifestrands/core/services/contextassembler"
	"github.com/lifestrands/core/services/llm"
	"github.com/lifestrands/core/services/modelruntime"
	"github.com/lifestrands/core/services/orchestrator"
	"github.com/lifestrands/core/services/orchestrator/middleware"
	"github.com/lifestrands/core/services/orchestrator/observability"
	"github.com/lifestrands/core/services/postconversation"
	"github.com/lifestrands/core/services/requestpipeline"
)

func main() {
	_ = godotenv.Load()

	logCfg := logging.Config{Level: logging.LevelInfo, Service: "orchestrator", JSON: true}
	if bucket := os.Getenv("GCS_LOG_BUCKET"); bucket != "" {
		exporter, err := logging.NewGCSExporter(context.Background(), bucket, "orchestrator",
			getEnvString("GCS_LOG_SA_KEY", "/etc/lifestrands/gcs-key.json"), 100)
		if err != nil {
			log.Printf("gcs log export unavailable, continuing with stderr/file logging only: %v", err)
		} else {
			logCfg.Exporter = exporter
		}
	}
	appLog := logging.New(logCfg)
	defer appLog.Close()
	logger := appLog.Slog()
	slog.SetDefault(logger)

	port := getEnvString("ORCHESTRATOR_PORT", "12210")
	backendType := getEnvString("LLM_BACKEND_TYPE", "local")
	dimensions := getEnvInt("EMBEDDING_DIMENSIONS", 384)

	cleanup, err := tracing.Init("orchestrator-service")
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

	sessionStore := orchestrator.NewRedisSessionStore(redisClient)
	jobs := postconversation.NewRedisQueue(redisClient)

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

	runtimeCfg, err := config.Load(getEnvString("CONFIG_FILE", "/etc/lifestrands/orchestrator.yaml"))
	if err != nil {
		slog.Warn("failed to load runtime config, using built-in defaults", "error", err)
	}
	cfgWatcher, err := config.NewWatcher(getEnvString("CONFIG_FILE", "/etc/lifestrands/orchestrator.yaml"), func(rt config.Runtime) {
		slog.Info("runtime config reloaded", "session_idle_timeout_seconds", rt.SessionIdleTimeoutSeconds, "moderation_enabled", rt.ModerationEnabled)
	})
	if err != nil {
		slog.Warn("runtime config hot-reload unavailable", "error", err)
	} else {
		defer cfgWatcher.Close()
	}

	orchestratorCfg := orchestrator.DefaultConfig()
	orchestratorCfg.IdleTimeout = runtimeCfg.IdleTimeout(orchestratorCfg.IdleTimeout)

	assembler := contextassembler.New(contextassembler.DefaultBudgets())
	manager := orchestrator.NewManager(orchestratorCfg, sessionStore, store, assembler, pipeline, jobs, logger)
	opts := extensions.DefaultOptions()
	manager.SetMessageFilter(opts.MessageFilter)
	manager.SetAuditLogger(opts.AuditLogger)
	manager.StartReaper(context.Background())
	defer manager.StopReaper()

	hub := orchestrator.NewMonitorHub()
	metrics := observability.InitMetrics()

	router := gin.Default()
	router.Use(tracing.Middleware("orchestrator-service"))
	// Belt-and-suspenders behind the Gateway's JWT/API-key boundary: with
	// no identity provider configured this accepts every caller as
	// local-user/admin, matching the CLI-friendly default the auth
	// middleware was built for.
	router.Use(middleware.AuthMiddleware(opts.AuthProvider))
	orchestrator.RegisterRoutes(router, manager, hub)
	router.GET("/ws/:session_id", orchestrator.HandleConversationWebSocket(manager, hub, metrics))
	router.GET("/ws/monitor", orchestrator.HandleMonitorBroadcast(manager))

	slog.Info("starting orchestrator", "port", port, "llm_backend", backendType)
	if err := router.Run(":" + port); err != nil {
		log.Fatalf("orchestrator server error: %v", err)
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
