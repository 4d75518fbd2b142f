package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("lifestrands.llm.ollama")

// OllamaClient drives a self-hosted Ollama server for NPCs whose model
// doesn't warrant a hosted-provider API key — the common case for
// background characters running a small local model.
type OllamaClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

type ollamaChatRequest struct {
	Model    string                 `json:"model"`
	Messages []Message              `json:"messages"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message   Message `json:"message"`
	CreatedAt string  `json:"created_at"`
	Done      bool    `json:"done"`
}

// StreamConfig tunes how a character's streamed reply is delivered to the
// client. RateLimitPerSecond in particular doubles as a typing-cadence
// knob: capping token delivery gives a slow, human-feeling reveal instead
// of the whole line appearing in one burst.
type StreamConfig struct {
	// RedactInnerVoice drops the character's private reasoning tokens
	// (used by reasoning-capable local models) from the callback so only
	// the spoken line reaches the transcript.
	RedactInnerVoice   bool `json:"redact_inner_voice"`
	MaxInnerVoiceChars int  `json:"max_inner_voice_chars"`
	RateLimitPerSecond int  `json:"rate_limit_per_second"`
	MaxResponseLength  int  `json:"max_response_length"`
}

// DefaultStreamConfig streams at full speed with a generous response cap
// and the character's inner voice passed through uncensored.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		RedactInnerVoice:   false,
		MaxInnerVoiceChars: 0,
		RateLimitPerSecond: 0,
		MaxResponseLength:  100 * 1024,
	}
}

// ollamaStreamChunk is a single NDJSON line from Ollama's streaming chat API.
type ollamaStreamChunk struct {
	Model         string  `json:"model,omitempty"`
	CreatedAt     string  `json:"created_at,omitempty"`
	Message       Message `json:"message,omitempty"`
	Thinking      string  `json:"thinking,omitempty"`
	Done          bool    `json:"done"`
	DoneReason    string  `json:"done_reason,omitempty"`
	TotalDuration int64   `json:"total_duration,omitempty"`
	Error         string  `json:"error,omitempty"`
}

var (
	streamMetricsOnce sync.Once
	streamTokenCount  metric.Int64Counter
	streamDuration    metric.Float64Histogram
	streamErrorCount  metric.Int64Counter
)

func initStreamMetrics() {
	streamMetricsOnce.Do(func() {
		meter := otel.Meter("lifestrands.llm.ollama")

		var err error
		streamTokenCount, err = meter.Int64Counter(
			"ollama_stream_tokens_total",
			metric.WithDescription("Total dialogue tokens streamed from Ollama"),
		)
		if err != nil {
			slog.Warn("failed to create stream token counter", "error", err)
		}

		streamDuration, err = meter.Float64Histogram(
			"ollama_stream_duration_seconds",
			metric.WithDescription("Duration of a streamed character reply"),
		)
		if err != nil {
			slog.Warn("failed to create stream duration histogram", "error", err)
		}

		streamErrorCount, err = meter.Int64Counter(
			"ollama_stream_errors_total",
			metric.WithDescription("Total streaming errors"),
		)
		if err != nil {
			slog.Warn("failed to create stream error counter", "error", err)
		}
	})
}

func NewOllamaClient() (*OllamaClient, error) {
	baseURL := os.Getenv("OLLAMA_BASE_URL")
	model := os.Getenv("OLLAMA_MODEL")
	if baseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	if model == "" {
		slog.Warn("OLLAMA_MODEL not set, character must specify a model per request, defaulting to gpt-oss")
		model = "gpt-oss"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	slog.Info("initializing Ollama client", "base_url", baseURL, "default_model", model)
	return &OllamaClient{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		model:      model,
	}, nil
}

// Generate implements the LLMClient interface.
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	slog.Debug("generating text via Ollama", "model", o.model)

	generateURL := o.baseURL + "/api/generate"
	payload := ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  false,
		Options: samplingOptions(params),
	}

	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", generateURL, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("Ollama API call failed", "error", err)
		return "", fmt.Errorf("ollama API call failed: %w", err)
	}
	defer resp.Body.Close()

	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to read response body from Ollama: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			var errResp struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(respBodyBytes, &errResp); err == nil && strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
				slog.Warn("Ollama model not found", "model", o.model)
				return "", fmt.Errorf("model %q not found locally, run: ollama pull %s", o.model, o.model)
			}
		}
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBodyBytes))
		return "", fmt.Errorf("ollama failed with status %d: %s", resp.StatusCode, string(respBodyBytes))
	}

	var ollamaResp ollamaGenerateResponse
	if err := json.Unmarshal(respBodyBytes, &ollamaResp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("failed to parse JSON response from Ollama", "error", err, "response", string(respBodyBytes))
		return "", fmt.Errorf("failed to parse Ollama response: %w", err)
	}

	slog.Debug("received response from Ollama")
	return ollamaResp.Response, nil
}

// Chat implements the LLMClient interface.
func (o *OllamaClient) Chat(ctx context.Context, messages []Message, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	slog.Debug("generating character reply via Ollama", "model", o.model)
	chatURL := o.baseURL + "/api/chat"
	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   false,
		Options:  samplingOptions(params),
	}
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to create chat request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to send request to %s: %w", chatURL, err)
	}
	defer resp.Body.Close()
	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		span.RecordError(readErr)
		span.SetStatus(codes.Error, readErr.Error())
		return "", fmt.Errorf("failed to read response body: %w", readErr)
	}
	if resp.StatusCode != http.StatusOK {
		httpErr := fmt.Errorf("ollama chat failed with status %d: %s", resp.StatusCode, string(respBody))
		slog.Error("Ollama chat returned an error", "status_code", resp.StatusCode, "response", string(respBody))
		span.RecordError(httpErr)
		span.SetStatus(codes.Error, httpErr.Error())
		return "", httpErr
	}
	var ollamaResp ollamaChatResponse
	if err = json.Unmarshal(respBody, &ollamaResp); err != nil {
		slog.Error("failed to parse JSON chat response from Ollama", "error", err, "response", string(respBody))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to parse Ollama chat response: %w", err)
	}
	if ollamaResp.Message.Role != "assistant" {
		slog.Warn("Ollama chat response message role was not 'assistant'", "role", ollamaResp.Message.Role)
	}
	return ollamaResp.Message.Content, nil
}

// samplingOptions maps GenerationParams onto Ollama's options map, filling
// in the defaults a character falls back to when a caller doesn't specify
// sampling parameters explicitly.
func samplingOptions(params GenerationParams) map[string]interface{} {
	options := make(map[string]interface{})
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	} else {
		options["temperature"] = float32(0.2)
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	} else {
		options["top_k"] = 20
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	} else {
		options["top_p"] = float32(0.9)
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	} else {
		options["num_predict"] = 8192
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}
	return options
}

// StreamProcessor turns parsed NDJSON chunks into StreamEvents.
type StreamProcessor interface {
	ProcessChunk(ctx context.Context, chunk *ollamaStreamChunk, callback StreamCallback) (bool, error)
	GetTokenCount() int
	GetResponseLength() int
}

// DefaultStreamProcessor applies the inner-voice redaction, length caps and
// typing-cadence rate limiting configured by StreamConfig.
type DefaultStreamProcessor struct {
	cfg           StreamConfig
	rateLimiter   *rate.Limiter
	tokenCount    int
	responseLen   int
	innerVoiceLen int
}

func NewDefaultStreamProcessor(cfg StreamConfig, rateLimiter *rate.Limiter) *DefaultStreamProcessor {
	if rateLimiter == nil && cfg.RateLimitPerSecond > 0 {
		rateLimiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), 1)
	}
	return &DefaultStreamProcessor{cfg: cfg, rateLimiter: rateLimiter}
}

func (p *DefaultStreamProcessor) ProcessChunk(ctx context.Context, chunk *ollamaStreamChunk, callback StreamCallback) (bool, error) {
	if chunk.Error != "" {
		return p.handleChunkError(chunk, callback)
	}
	if err := p.processInnerVoice(ctx, chunk, callback); err != nil {
		return false, err
	}
	if err := p.processSpokenToken(ctx, chunk, callback); err != nil {
		return false, err
	}
	return chunk.Done, nil
}

func (p *DefaultStreamProcessor) handleChunkError(chunk *ollamaStreamChunk, callback StreamCallback) (bool, error) {
	_ = callback(StreamEvent{Type: StreamEventError, Error: chunk.Error})
	return true, fmt.Errorf("ollama stream error: %s", chunk.Error)
}

// processInnerVoice forwards a character's private reasoning tokens unless
// redaction or the per-stream length cap says otherwise.
func (p *DefaultStreamProcessor) processInnerVoice(ctx context.Context, chunk *ollamaStreamChunk, callback StreamCallback) error {
	if chunk.Thinking == "" || p.cfg.RedactInnerVoice {
		return nil
	}

	content := chunk.Thinking
	if p.cfg.MaxInnerVoiceChars > 0 {
		remaining := p.cfg.MaxInnerVoiceChars - p.innerVoiceLen
		if remaining <= 0 {
			return nil
		}
		if len(content) > remaining {
			content = content[:remaining]
		}
	}
	p.innerVoiceLen += len(content)

	if err := p.waitForRateLimiter(ctx); err != nil {
		return err
	}
	if err := callback(StreamEvent{Type: StreamEventThinking, Content: content}); err != nil {
		return fmt.Errorf("inner voice callback error: %w", err)
	}
	return nil
}

// processSpokenToken forwards the character's visible reply text.
func (p *DefaultStreamProcessor) processSpokenToken(ctx context.Context, chunk *ollamaStreamChunk, callback StreamCallback) error {
	if chunk.Message.Content == "" {
		return nil
	}

	content := chunk.Message.Content
	if p.cfg.MaxResponseLength > 0 {
		remaining := p.cfg.MaxResponseLength - p.responseLen
		if remaining <= 0 {
			return nil
		}
		if len(content) > remaining {
			content = content[:remaining]
		}
	}
	p.responseLen += len(content)
	p.tokenCount++

	if err := p.waitForRateLimiter(ctx); err != nil {
		return err
	}
	if err := callback(StreamEvent{Type: StreamEventToken, Content: content}); err != nil {
		return fmt.Errorf("content callback error: %w", err)
	}
	return nil
}

func (p *DefaultStreamProcessor) waitForRateLimiter(ctx context.Context) error {
	if p.rateLimiter == nil {
		return nil
	}
	return p.rateLimiter.Wait(ctx)
}

func (p *DefaultStreamProcessor) GetTokenCount() int     { return p.tokenCount }
func (p *DefaultStreamProcessor) GetResponseLength() int { return p.responseLen }

// ChatStream implements the LLMClient interface.
func (o *OllamaClient) ChatStream(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback) error {
	return o.ChatStreamWithConfig(ctx, messages, params, callback, DefaultStreamConfig())
}

// ChatStreamWithConfig streams a character's reply with explicit delivery
// tuning (inner-voice redaction, typing cadence, length caps).
func (o *OllamaClient) ChatStreamWithConfig(ctx context.Context, messages []Message, params GenerationParams, callback StreamCallback, cfg StreamConfig) error {
	initStreamMetrics()

	ctx, span := tracer.Start(ctx, "OllamaClient.ChatStream")
	defer span.End()
	o.setStreamSpanAttributes(span, messages, cfg)

	startTime := time.Now()
	slog.Debug("starting streamed character reply via Ollama", "model", o.model, "num_messages", len(messages))

	resp, err := o.executeStreamRequest(ctx, messages, params, span)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	processor := NewDefaultStreamProcessor(cfg, nil)
	err = o.readStreamResponse(ctx, resp.Body, processor, callback)
	o.recordStreamMetrics(ctx, processor, startTime, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream processing error")
		return err
	}
	return nil
}

func (o *OllamaClient) setStreamSpanAttributes(span interface {
	SetAttributes(...attribute.KeyValue)
}, messages []Message, cfg StreamConfig) {
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
		attribute.Bool("stream.redact_inner_voice", cfg.RedactInnerVoice),
	)
}

func (o *OllamaClient) executeStreamRequest(ctx context.Context, messages []Message, params GenerationParams, span interface {
	RecordError(error, ...trace.EventOption)
	SetStatus(codes.Code, string)
}) (*http.Response, error) {
	chatURL := o.baseURL + "/api/chat"
	payload := ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   true,
		Options:  samplingOptions(params),
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal error")
		return nil, fmt.Errorf("failed to marshal streaming request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", chatURL, bytes.NewBuffer(reqBody))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request creation error")
		return nil, fmt.Errorf("failed to create streaming request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request error")
		o.recordStreamError(ctx, "connection")
		return nil, fmt.Errorf("streaming request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		span.RecordError(fmt.Errorf("status %d", resp.StatusCode))
		span.SetStatus(codes.Error, "non-200 status")
		o.recordStreamError(ctx, "http_error")
		return nil, fmt.Errorf("ollama streaming failed with status %d: %s", resp.StatusCode, string(body))
	}

	return resp, nil
}

func (o *OllamaClient) readStreamResponse(ctx context.Context, body io.Reader, processor StreamProcessor, callback StreamCallback) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		chunk, err := o.parseStreamChunk(line)
		if err != nil {
			slog.Warn("failed to parse stream chunk", "error", err)
			continue
		}

		done, err := processor.ProcessChunk(ctx, chunk, callback)
		if err != nil {
			return err
		}
		if done {
			slog.Debug("stream completed via done flag")
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}
	return nil
}

func (o *OllamaClient) parseStreamChunk(line []byte) (*ollamaStreamChunk, error) {
	var chunk ollamaStreamChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return nil, fmt.Errorf("invalid JSON chunk: %w", err)
	}
	return &chunk, nil
}

func (o *OllamaClient) recordStreamMetrics(ctx context.Context, processor StreamProcessor, startTime time.Time, err error) {
	duration := time.Since(startTime).Seconds()
	tokenCount := processor.GetTokenCount()

	if streamDuration != nil {
		streamDuration.Record(ctx, duration, metric.WithAttributes(attribute.String("model", o.model)))
	}
	if streamTokenCount != nil {
		streamTokenCount.Add(ctx, int64(tokenCount), metric.WithAttributes(attribute.String("model", o.model)))
	}
	if err != nil && streamErrorCount != nil {
		streamErrorCount.Add(ctx, 1, metric.WithAttributes(attribute.String("error_type", "processing")))
	}

	slog.Debug("streamed reply completed", "model", o.model, "tokens", tokenCount, "duration_ms", time.Since(startTime).Milliseconds())
}

func (o *OllamaClient) recordStreamError(ctx context.Context, errorType string) {
	if streamErrorCount != nil {
		streamErrorCount.Add(ctx, 1, metric.WithAttributes(attribute.String("error_type", errorType)))
	}
}
