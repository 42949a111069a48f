// Package upstream is the opaque seam to the cookie-authenticated chat
// service. The relay only knows the request body shape, the cookie header,
// and that the response body is an SSE-framed byte stream; everything else
// about the service stays behind Send.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/pinemoor/chatrelay/internal/httputil"
)

// RequestBody is the upstream's chat request shape, produced once per
// attempt by the request translator and never mutated.
type RequestBody struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Preamble string `json:"preamble,omitempty"`
	History  string `json:"history,omitempty"`
	Stream   bool   `json:"stream"`
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

// AuthRejected reports whether the upstream refused the session cookie.
func (e *StatusError) AuthRejected() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// Client issues relay attempts against the upstream. It keeps one HTTP
// client per egress route so that proxy rotation does not churn
// connection pools.
type Client struct {
	baseURL   string
	clientCfg httputil.ClientConfig
	mu        sync.Mutex
	perRoute  map[string]*http.Client
}

func New(baseURL string, cfg httputil.ClientConfig) *Client {
	return &Client{
		baseURL:   baseURL,
		clientCfg: cfg,
		perRoute:  make(map[string]*http.Client),
	}
}

func (c *Client) clientFor(proxy *url.URL) *http.Client {
	key := ""
	if proxy != nil {
		key = proxy.String()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if hc, ok := c.perRoute[key]; ok {
		return hc
	}
	cfg := c.clientCfg
	cfg.Proxy = proxy
	hc := httputil.NewClient(cfg)
	c.perRoute[key] = hc
	return hc
}

// Send issues one chat attempt bound to the given cookie and egress route
// and returns the raw response body stream. The caller owns the stream and
// must close it; closing it is also how a cancelled request releases the
// underlying connection.
func (c *Client) Send(ctx context.Context, body *RequestBody, cookie string, proxy *url.URL) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/backend-api/conversation", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cookie", cookie)

	resp, err := c.clientFor(proxy).Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(b)}
	}

	return resp.Body, nil
}
