package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pinemoor/chatrelay/internal/auth"
	"github.com/pinemoor/chatrelay/internal/crypto"
	"github.com/pinemoor/chatrelay/internal/domain"
	"github.com/pinemoor/chatrelay/internal/gateway"
	"github.com/pinemoor/chatrelay/internal/metrics"
	"github.com/pinemoor/chatrelay/internal/ratelimit"
	"github.com/pinemoor/chatrelay/internal/translator"
	"github.com/pinemoor/chatrelay/internal/upstream"
)

type HandlerConfig struct {
	Gateway      *gateway.Gateway
	Verifier     *auth.Verifier
	RateLimiter  ratelimit.RateLimiter
	RateLimitRPM int
}

type Handler struct {
	gateway      *gateway.Gateway
	verifier     *auth.Verifier
	rateLimiter  ratelimit.RateLimiter
	rateLimitRPM int
	mux          *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		gateway:      cfg.Gateway,
		verifier:     cfg.Verifier,
		rateLimiter:  cfg.RateLimiter,
		rateLimitRPM: cfg.RateLimitRPM,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.withAuth(h.handleChatCompletions))
	h.mux.HandleFunc("GET /v1/models", h.withAuth(h.handleListModels))
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /cookies/status", h.withAuth(h.handleCookieStatus))
	h.mux.HandleFunc("GET /proxies/status", h.withAuth(h.handleProxyStatus))
	h.mux.HandleFunc("GET /requests/recent", h.withAuth(h.handleRecentRequests))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" || !h.verifier.Verify(token) {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token", "authentication_error")
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	if h.rateLimiter != nil && h.rateLimitRPM > 0 {
		key := crypto.Fingerprint(extractBearerToken(r))
		allowed, remaining, resetAt, err := h.rateLimiter.Allow(ctx, key, h.rateLimitRPM)
		if err != nil {
			slog.Error("rate limiter error", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error", "server_error")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.rateLimitRPM))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

		if !allowed {
			metrics.RecordRateLimitHit()
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_error")
			return
		}
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request_error")
		return
	}

	// Validation happens before any pool is touched.
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty", "invalid_request_error")
		return
	}

	relay, err := h.gateway.Handle(ctx, req)
	if err != nil {
		h.writeHandleError(w, req, err)
		return
	}
	defer relay.Finish(ctx)

	// Client disconnect propagates straight to the bound upstream reader.
	stop := context.AfterFunc(ctx, relay.Translator.Cancel)
	defer stop()

	if req.Stream {
		h.streamResponse(w, relay, start)
		return
	}

	resp, err := relay.Translator.Aggregate()
	if err != nil {
		slog.Error("aggregation failed",
			"request_id", relay.Translator.ID(),
			"model", req.Model,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "upstream stream failed", "server_error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", relay.Translator.ID())
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) writeHandleError(w http.ResponseWriter, req domain.ChatRequest, err error) {
	switch {
	case errors.Is(err, domain.ErrUnsupportedModel):
		writeError(w, http.StatusBadRequest, "unsupported model: "+req.Model, "invalid_request_error")
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid request", "invalid_request_error")
	case errors.Is(err, domain.ErrNoCookieAvailable):
		writeError(w, http.StatusInternalServerError, "no valid cookie available", "server_error")
	case errors.Is(err, domain.ErrNoProxyAvailable):
		writeError(w, http.StatusInternalServerError, "no valid proxy available", "server_error")
	default:
		var statusErr *upstream.StatusError
		if errors.As(err, &statusErr) {
			slog.Warn("upstream rejected request", "status", statusErr.Code)
		} else {
			slog.Error("upstream request failed", "error", err)
		}
		writeError(w, http.StatusBadGateway, "upstream request failed", "server_error")
	}
}

func (h *Handler) streamResponse(w http.ResponseWriter, relay *gateway.Relay, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "server_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", relay.Translator.ID())

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	for {
		chunk, err := relay.Translator.Next()
		if err == io.EOF {
			w.Write([]byte("data: [DONE]\n\n"))
			flusher.Flush()

			slog.Info("streaming request completed",
				"request_id", relay.Translator.ID(),
				"model", relay.Model,
				"chunks", relay.Translator.Chunks(),
				"latency_ms", time.Since(start).Milliseconds(),
			)
			return
		}
		if errors.Is(err, domain.ErrStreamClosed) {
			// Client already went away; nothing left to write.
			return
		}
		if err != nil {
			// Headers are out; signal the failure in-band and withhold
			// the terminal sentinel so clients can detect truncation.
			slog.Error("streaming error", "request_id", relay.Translator.ID(), "error", err)
			frame, _ := json.Marshal(map[string]interface{}{
				"error": map[string]interface{}{
					"message": "upstream stream failed",
					"type":    "server_error",
				},
			})
			w.Write([]byte("data: " + string(frame) + "\n\n"))
			flusher.Flush()
			return
		}

		data, _ := json.Marshal(chunk)
		w.Write([]byte("data: " + string(data) + "\n\n"))
		flusher.Flush()
		metrics.RecordChunk(relay.Model)
	}
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	resp := domain.ModelsResponse{
		Object: "list",
		Data:   translator.SupportedModels(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	initialized := h.gateway.Initialized()

	status := "ok"
	if !initialized {
		status = "degraded"
	}

	resp := map[string]interface{}{
		"status":        status,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"initialized":   initialized,
		"valid_cookies": h.gateway.ValidCookies(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleCookieStatus(w http.ResponseWriter, r *http.Request) {
	total, snapshot := h.gateway.CookieStatus()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total_cookies": total,
		"cookies":       snapshot,
	})
}

func (h *Handler) handleProxyStatus(w http.ResponseWriter, r *http.Request) {
	total, snapshot := h.gateway.ProxyStatus()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total_proxies": total,
		"proxies":       snapshot,
	})
}

func (h *Handler) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	records, err := h.gateway.RecentRequests(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list recent requests", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", "server_error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"requests": records,
		"count":    len(records),
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, message, errType string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    errType,
			"code":    status,
		},
	})
}
