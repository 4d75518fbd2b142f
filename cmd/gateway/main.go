// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command gateway starts the API Gateway (C7): the single client-facing
// entrypoint that authenticates, rate-limits, and forwards requests to the
// Character Store, Model Runtime, Orchestrator, and Post-Conversation
// services.
//
// # Environment Variables
//
//   - GATEWAY_PORT: HTTP server port (default: 12200)
//   - JWT_SECRET: HMAC signing secret for issued bearer tokens
//   - JWT_EXPIRATION_MINUTES: bearer token lifetime (default: 60)
//   - RATE_LIMIT_PER_MINUTE: requests allowed per client per 60s window (default: 100)
//   - MAX_REQUEST_BYTES: inbound body size cap (default: 10485760, i.e. 10MiB)
//   - MODEL_SERVICE_URL: Model Runtime base URL (default: http://localhost:12220)
//   - NPC_SERVICE_URL: Character Store base URL (default: http://localhost:12230)
//   - ORCHESTRATOR_SERVICE_URL: Orchestrator base URL (default: http://localhost:12210)
//   - SUMMARY_SERVICE_URL: Post-Conversation service base URL (default: http://localhost:12240)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (default: aleutian-otel-collector:4317)
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/lifestrands/core/pkg/logging"
	"github.com/lifestrands/core/pkg/tracing"
	"github.com/lifestrands/core/services/gateway"
)

func main() {
	_ = godotenv.Load()

	appLog := logging.New(logging.Config{Level: logging.LevelInfo, Service: "gateway", JSON: true})
	defer appLog.Close()
	logger := appLog.Slog()
	slog.SetDefault(logger)

	port := getEnvString("GATEWAY_PORT", "12200")
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET must be set")
	}
	jwtExpiration := time.Duration(getEnvInt("JWT_EXPIRATION_MINUTES", 60)) * time.Minute
	rateLimit := getEnvInt("RATE_LIMIT_PER_MINUTE", 100)
	maxRequestBytes := int64(getEnvInt("MAX_REQUEST_BYTES", 10*1024*1024))

	cleanup, err := tracing.Init("gateway-service")
	if err != nil {
		log.Fatalf("failed to set up the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	tokens := gateway.NewTokenIssuer(jwtSecret, jwtExpiration)
	apiKeys := gateway.NewAPIKeyStore()
	limiter := gateway.NewSlidingWindowLimiter(rateLimit)
	users := gateway.NewUserStore()

	routes := gateway.DefaultRoutes(
		getEnvString("MODEL_SERVICE_URL", "http://localhost:12220"),
		getEnvString("ORCHESTRATOR_SERVICE_URL", "http://localhost:12210"),
		getEnvString("NPC_SERVICE_URL", "http://localhost:12230"),
		getEnvString("SUMMARY_SERVICE_URL", "http://localhost:12240"),
	)
	router := gateway.NewRouter(routes)
	gw := gateway.NewGateway(tokens, apiKeys, limiter, router, logger)

	r := gin.Default()
	r.Use(tracing.Middleware("gateway-service"))
	r.Use(gateway.RequestSizeLimit(maxRequestBytes))
	gateway.RegisterAuthRoutes(r, users, tokens)
	r.Any("/api/*path", gw.Handle)

	slog.Info("starting gateway", "port", port, "rate_limit_per_minute", rateLimit)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("gateway server error: %v", err)
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
