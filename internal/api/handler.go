package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/cookie-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/cookie-gateway/internal/dispatch"
	"github.com/felipepmaragno/cookie-gateway/internal/domain"
	"github.com/felipepmaragno/cookie-gateway/internal/metrics"
	"github.com/felipepmaragno/cookie-gateway/internal/ratelimit"
	"github.com/felipepmaragno/cookie-gateway/internal/router"
	"github.com/felipepmaragno/cookie-gateway/internal/telemetry"
	"github.com/felipepmaragno/cookie-gateway/internal/tokens"
)

const maxRequestBody = 10 << 20

type ChatDispatcher interface {
	Dispatch(ctx context.Context, req domain.ChatRequest, caller domain.CallerContext) (*dispatch.Stream, error)
}

type CredentialCounter interface {
	CountActive(ctx context.Context) (int, error)
}

type HandlerConfig struct {
	Dispatcher  ChatDispatcher
	Models      *router.Router
	Credentials CredentialCounter
	RateLimiter ratelimit.RateLimiter
	// RateLimit is requests per minute per client IP; 0 disables limiting.
	RateLimit int
	Tokens    *tokens.Counter
	// Identify resolves the caller id of an authenticated request.
	Identify func(r *http.Request) *int64
	// TrustProxyHeaders takes the client IP from X-Forwarded-For.
	TrustProxyHeaders bool
	Checkers          []HealthChecker
	HealthTimeout     time.Duration
	Version           string
}

type Handler struct {
	dispatcher  ChatDispatcher
	models      *router.Router
	credentials CredentialCounter
	rateLimiter ratelimit.RateLimiter
	rateLimit   int
	tokens      *tokens.Counter
	identify    func(r *http.Request) *int64
	trustProxy  bool
	checkers    []HealthChecker
	timeout     time.Duration
	version     string
	mux         *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		dispatcher:  cfg.Dispatcher,
		models:      cfg.Models,
		credentials: cfg.Credentials,
		rateLimiter: cfg.RateLimiter,
		rateLimit:   cfg.RateLimit,
		tokens:      cfg.Tokens,
		identify:    cfg.Identify,
		trustProxy:  cfg.TrustProxyHeaders,
		checkers:    cfg.Checkers,
		timeout:     cfg.HealthTimeout,
		version:     cfg.Version,
		mux:         http.NewServeMux(),
	}
	if h.models == nil {
		h.models = router.Default()
	}
	if h.tokens == nil {
		h.tokens = tokens.NewCounter()
	}
	if h.identify == nil {
		h.identify = func(*http.Request) *int64 { return nil }
	}
	if h.timeout == 0 {
		h.timeout = 5 * time.Second
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/models/{model}", h.handleGetModel)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(h.checkers, h.timeout, h.version))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "http.chat_completions")
	defer span.End()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	caller := domain.CallerContext{
		IP:        h.clientIP(r),
		CallerID:  h.identify(r),
		RequestID: requestID,
	}

	if !h.allow(w, r, caller) {
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), "invalid_request_error", "invalid_json")
		return
	}

	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "Model is required", "invalid_request_error", "missing_model")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "Messages are required", "invalid_request_error", "missing_messages")
		return
	}

	slog.Info("chat request",
		"request_id", requestID,
		"model", req.Model,
		"stream", req.Stream,
		"client_ip", caller.IP,
	)

	stream, err := h.dispatcher.Dispatch(ctx, req, caller)
	if err != nil {
		status := writeDispatchError(w, err, req.Model)
		metrics.RecordRequest(req.Model, req.Stream, status, time.Since(start).Seconds())
		slog.Warn("chat request failed", "request_id", requestID, "model", req.Model, "status", status, "error", err)
		return
	}
	defer stream.Close()

	var status int
	if req.Stream {
		status = h.streamResponse(w, stream, req, requestID)
	} else {
		status = h.aggregateResponse(ctx, w, stream, req, requestID)
	}

	latency := time.Since(start)
	metrics.RecordRequest(req.Model, req.Stream, status, latency.Seconds())

	slog.Info("chat request completed",
		"request_id", requestID,
		"model", req.Model,
		"credential_id", stream.CredentialID(),
		"status", status,
		"latency_ms", latency.Milliseconds(),
		"trace_id", telemetry.GetTraceID(ctx),
	)
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request, caller domain.CallerContext) bool {
	if h.rateLimiter == nil || h.rateLimit <= 0 {
		return true
	}

	allowed, remaining, resetAt, err := h.rateLimiter.Allow(r.Context(), caller.IP, h.rateLimit)
	if err != nil {
		// Fail open while the limiter backend is unavailable.
		slog.Warn("rate limiter error", "error", err, "request_id", caller.RequestID)
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

	if !allowed {
		metrics.RecordRateLimitHit()
		slog.Warn("rate limit exceeded", "client_ip", caller.IP, "request_id", caller.RequestID)
		w.Header().Set("Retry-After", strconv.Itoa(max(1, int(time.Until(resetAt).Seconds()))))
		writeError(w, http.StatusTooManyRequests, "Too many requests, please try again later", "rate_limit_error", "rate_limit_exceeded")
		return false
	}
	return true
}

// streamResponse relays deltas as OpenAI chat.completion.chunk events. Once
// the first byte is written, failures are reported in-band.
func (h *Handler) streamResponse(w http.ResponseWriter, stream *dispatch.Stream, req domain.ChatRequest, requestID string) int {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "server_error", "streaming_unsupported")
		return http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	id := responseID()
	created := time.Now().Unix()
	chunk := func(delta *domain.Delta, finish *string) domain.StreamChunk {
		return domain.StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   req.Model,
			Choices: []domain.Choice{{Index: 0, Delta: delta, FinishReason: finish}},
		}
	}

	writeEvent(w, chunk(&domain.Delta{Role: "assistant"}, nil))
	flusher.Flush()

	for {
		text, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Error("streaming error", "request_id", requestID, "error", err)
			writeEvent(w, inBandError(err))
			w.Write([]byte("data: [DONE]\n\n"))
			flusher.Flush()
			return http.StatusOK
		}

		writeEvent(w, chunk(&domain.Delta{Content: text}, nil))
		flusher.Flush()
	}

	stop := "stop"
	writeEvent(w, chunk(&domain.Delta{}, &stop))
	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	return http.StatusOK
}

// aggregateResponse drains the stream into a single chat.completion.
func (h *Handler) aggregateResponse(ctx context.Context, w http.ResponseWriter, stream *dispatch.Stream, req domain.ChatRequest, requestID string) int {
	var content strings.Builder
	for {
		text, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Error("upstream stream failed", "request_id", requestID, "error", err)
			return writeDispatchError(w, err, req.Model)
		}
		content.WriteString(text)
	}

	promptTokens := h.tokens.CountMessages(req.Messages)
	completionTokens := h.tokens.CountText(content.String())
	metrics.RecordTokens(req.Model, promptTokens, completionTokens)
	telemetry.AddTokenAttributes(trace.SpanFromContext(ctx), promptTokens, completionTokens)

	stop := "stop"
	resp := domain.ChatResponse{
		ID:      responseID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []domain.Choice{{
			Index:        0,
			Message:      &domain.Message{Role: "assistant", Content: domain.TextContent(content.String())},
			FinishReason: &stop,
		}},
		Usage: &domain.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}

	writeJSON(w, http.StatusOK, resp)
	return http.StatusOK
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.ModelsResponse{
		Object: "list",
		Data:   h.models.List(),
	})
}

func (h *Handler) handleGetModel(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("model")
	model, ok := h.models.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("Model %s not found", name), "invalid_request_error", "model_not_found")
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "healthy",
		"version":   h.version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.credentials != nil {
		n, err := h.credentials.CountActive(r.Context())
		switch {
		case err != nil:
			slog.Warn("health: credential count failed", "error", err)
			resp["status"] = "degraded"
			resp["active_cookies"] = nil
		case n == 0:
			resp["status"] = "degraded"
			resp["active_cookies"] = 0
		default:
			resp["active_cookies"] = n
		}
		if err == nil {
			metrics.SetActiveCredentials(n)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeDispatchError maps a dispatch failure to an OpenAI-style error and
// returns the status written.
func writeDispatchError(w http.ResponseWriter, err error, model string) int {
	var upErr *domain.UpstreamError
	switch {
	case errors.Is(err, domain.ErrInvalidModel):
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Model %s not supported", model), "invalid_request_error", "invalid_model")
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTranslation):
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_messages")
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoCredentialAvailable):
		writeError(w, http.StatusServiceUnavailable, "No active upstream credential available", "server_error", "no_credential_available")
		return http.StatusServiceUnavailable
	case errors.Is(err, circuitbreaker.ErrOpen):
		writeError(w, http.StatusServiceUnavailable, "Upstream temporarily unavailable", "server_error", "upstream_unavailable")
		return http.StatusServiceUnavailable
	case errors.As(err, &upErr) && upErr.RateLimited():
		writeError(w, http.StatusTooManyRequests, upErr.UsageMessage(), "rate_limit_error", "upstream_rate_limited")
		return http.StatusTooManyRequests
	case errors.As(err, &upErr):
		writeError(w, http.StatusBadGateway, upErr.UsageMessage(), "server_error", "upstream_error")
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		// The client is gone; nothing useful can be written.
		return 499
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error", "internal_error", "server_error")
		return http.StatusInternalServerError
	}
}

func inBandError(err error) map[string]any {
	message := "An unknown streaming error occurred"
	var upErr *domain.UpstreamError
	if errors.As(err, &upErr) {
		message = upErr.UsageMessage()
	} else if errors.Is(err, context.Canceled) {
		message = "request canceled"
	}
	return map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "server_error",
			"code":    "streaming_error",
		},
	}
}

func (h *Handler) clientIP(r *http.Request) string {
	if h.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func responseID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

func writeEvent(w io.Writer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode stream event", "error", err)
		return
	}
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, errType, code string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	})
}
