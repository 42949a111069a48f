package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pinemoor/chatrelay/internal/auth"
	"github.com/pinemoor/chatrelay/internal/crypto"
	"github.com/pinemoor/chatrelay/internal/gateway"
	"github.com/pinemoor/chatrelay/internal/httputil"
	"github.com/pinemoor/chatrelay/internal/pool"
	"github.com/pinemoor/chatrelay/internal/ratelimit"
	"github.com/pinemoor/chatrelay/internal/upstream"
)

const testToken = "test-token"

func sseUpstream(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			w.Write([]byte("data: " + f + "\n\n"))
		}
	}))
}

func newTestHandler(t *testing.T, upstreamURL string) *Handler {
	t.Helper()

	verifier, err := auth.New(testToken, "")
	if err != nil {
		t.Fatalf("auth: %v", err)
	}

	gw := gateway.New(gateway.Config{
		Cookies: pool.New(pool.Config{Name: "cookies", FailureThreshold: 3, Cooldown: time.Minute},
			[]string{"session=alpha"}, crypto.Fingerprint),
		Proxies: pool.New(pool.Config{Name: "proxies", FailureThreshold: 3, Cooldown: time.Minute},
			nil, crypto.Fingerprint),
		Upstream:          upstream.New(upstreamURL, httputil.ClientConfig{}),
		StreamReadTimeout: 5 * time.Second,
		StreamMaxDuration: 10 * time.Second,
	})

	return NewHandler(HandlerConfig{
		Gateway:  gw,
		Verifier: verifier,
	})
}

func doChat(h *Handler, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletions_RejectsMissingToken(t *testing.T) {
	srv := sseUpstream(t, "[DONE]")
	defer srv.Close()
	h := newTestHandler(t, srv.URL)

	rec := doChat(h, "", `{"model":"anthropic-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}

	var body map[string]map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&body)
	if body["error"]["type"] != "authentication_error" {
		t.Errorf("unexpected error type: %v", body["error"]["type"])
	}
}

func TestChatCompletions_RejectsWrongToken(t *testing.T) {
	srv := sseUpstream(t, "[DONE]")
	defer srv.Close()
	h := newTestHandler(t, srv.URL)

	rec := doChat(h, "wrong", `{"model":"anthropic-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestChatCompletions_RejectsEmptyMessages(t *testing.T) {
	srv := sseUpstream(t, "[DONE]")
	defer srv.Close()
	h := newTestHandler(t, srv.URL)

	rec := doChat(h, testToken, `{"model":"anthropic-sonnet-4","messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestChatCompletions_RejectsUnsupportedModel(t *testing.T) {
	srv := sseUpstream(t, "[DONE]")
	defer srv.Close()
	h := newTestHandler(t, srv.URL)

	rec := doChat(h, testToken, `{"model":"gpt-99","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	var body map[string]map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&body)
	if body["error"]["type"] != "invalid_request_error" {
		t.Errorf("unexpected error type: %v", body["error"]["type"])
	}
}

func TestChatCompletions_RejectsMalformedJSON(t *testing.T) {
	srv := sseUpstream(t, "[DONE]")
	defer srv.Close()
	h := newTestHandler(t, srv.URL)

	rec := doChat(h, testToken, `{"model": not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestChatCompletions_Aggregate(t *testing.T) {
	srv := sseUpstream(t,
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		"[DONE]",
	)
	defer srv.Close()
	h := newTestHandler(t, srv.URL)

	rec := doChat(h, testToken, `{"model":"anthropic-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("unexpected id: %s", resp.ID)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("unexpected object: %s", resp.Object)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "Hello" {
		t.Errorf("unexpected choices: %+v", resp.Choices)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("unexpected finish reason: %s", resp.Choices[0].FinishReason)
	}
}

func TestChatCompletions_Stream(t *testing.T) {
	srv := sseUpstream(t,
		`{"choices":[{"delta":{"content":"Hi"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		"[DONE]",
	)
	defer srv.Close()
	h := newTestHandler(t, srv.URL)

	rec := doChat(h, testToken, `{"model":"anthropic-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("unexpected content type: %s", ct)
	}

	body := rec.Body.String()
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Errorf("stream did not end with terminal sentinel:\n%s", body)
	}

	var chunks int
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") || strings.Contains(line, "[DONE]") {
			continue
		}
		chunks++
		var chunk struct {
			Object string `json:"object"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			t.Fatalf("chunk decode: %v", err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Errorf("unexpected chunk object: %s", chunk.Object)
		}
	}
	if chunks != 2 {
		t.Errorf("expected 2 chunks, got %d", chunks)
	}
}

func TestChatCompletions_UpstreamAuthRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "session expired", http.StatusUnauthorized)
	}))
	defer srv.Close()
	h := newTestHandler(t, srv.URL)

	rec := doChat(h, testToken, `{"model":"anthropic-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}

	// The only cookie is now invalid, so the next attempt fails fast.
	rec = doChat(h, testToken, `{"model":"anthropic-sonnet-4","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 after pool exhaustion, got %d", rec.Code)
	}
}

func TestChatCompletions_RateLimit(t *testing.T) {
	srv := sseUpstream(t,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		"[DONE]",
	)
	defer srv.Close()

	verifier, _ := auth.New(testToken, "")
	gw := gateway.New(gateway.Config{
		Cookies:  pool.New(pool.DefaultConfig("cookies"), []string{"session=alpha"}, crypto.Fingerprint),
		Proxies:  pool.New(pool.DefaultConfig("proxies"), nil, crypto.Fingerprint),
		Upstream: upstream.New(srv.URL, httputil.ClientConfig{}),
	})
	h := NewHandler(HandlerConfig{
		Gateway:      gw,
		Verifier:     verifier,
		RateLimiter:  ratelimit.NewInMemoryRateLimiter(),
		RateLimitRPM: 2,
	})

	body := `{"model":"anthropic-sonnet-4","messages":[{"role":"user","content":"hi"}]}`
	for i := 0; i < 2; i++ {
		if rec := doChat(h, testToken, body); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := doChat(h, testToken, body)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("unexpected remaining header: %s", rec.Header().Get("X-RateLimit-Remaining"))
	}

	var errBody map[string]map[string]interface{}
	json.NewDecoder(rec.Body).Decode(&errBody)
	if errBody["error"]["type"] != "rate_limit_error" {
		t.Errorf("unexpected error type: %v", errBody["error"]["type"])
	}
}

func TestListModels(t *testing.T) {
	srv := sseUpstream(t, "[DONE]")
	defer srv.Close()
	h := newTestHandler(t, srv.URL)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" || len(resp.Data) == 0 {
		t.Errorf("unexpected models response: %+v", resp)
	}
}

func TestHealth_NoAuthRequired(t *testing.T) {
	srv := sseUpstream(t, "[DONE]")
	defer srv.Close()
	h := newTestHandler(t, srv.URL)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Status       string `json:"status"`
		Initialized  bool   `json:"initialized"`
		ValidCookies int    `json:"valid_cookies"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || !resp.Initialized || resp.ValidCookies != 1 {
		t.Errorf("unexpected health: %+v", resp)
	}
}

func TestCookieStatus_RequiresAuth(t *testing.T) {
	srv := sseUpstream(t, "[DONE]")
	defer srv.Close()
	h := newTestHandler(t, srv.URL)

	req := httptest.NewRequest(http.MethodGet, "/cookies/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/cookies/status", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"total_cookies":1`) {
		t.Errorf("unexpected status body: %s", body)
	}
	if strings.Contains(body, "session=alpha") {
		t.Error("cookie secret leaked into status response")
	}
}

func TestRecentRequests(t *testing.T) {
	srv := sseUpstream(t,
		`{"choices":[{"delta":{"content":"x"},"finish_reason":""}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		"[DONE]",
	)
	defer srv.Close()
	h := newTestHandler(t, srv.URL)

	if rec := doChat(h, testToken, `{"model":"anthropic-sonnet-4","messages":[{"role":"user","content":"hi"}]}`); rec.Code != http.StatusOK {
		t.Fatalf("chat: expected 200, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/requests/recent", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Count    int `json:"count"`
		Requests []struct {
			Model  string `json:"model"`
			Status string `json:"status"`
		} `json:"requests"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || resp.Requests[0].Status != "completed" {
		t.Errorf("unexpected recent requests: %+v", resp)
	}
}
