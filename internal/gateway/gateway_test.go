package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pinemoor/chatrelay/internal/crypto"
	"github.com/pinemoor/chatrelay/internal/domain"
	"github.com/pinemoor/chatrelay/internal/httputil"
	"github.com/pinemoor/chatrelay/internal/notifications"
	"github.com/pinemoor/chatrelay/internal/pool"
	"github.com/pinemoor/chatrelay/internal/queue"
	"github.com/pinemoor/chatrelay/internal/upstream"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notifications.Notification
}

func (n *recordingNotifier) Send(ctx context.Context, msg notifications.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) byType(typ notifications.NotificationType) []notifications.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notifications.Notification
	for _, msg := range n.sent {
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.UsageEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, ev queue.UsageEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			w.Write([]byte("data: " + f + "\n\n"))
		}
	}))
}

func newTestGateway(t *testing.T, upstreamURL string, cookies, proxies []string, opts ...func(*Config)) *Gateway {
	t.Helper()

	cfg := Config{
		Cookies: pool.New(pool.Config{Name: "cookies", FailureThreshold: 2, Cooldown: time.Minute},
			cookies, crypto.Fingerprint),
		Proxies: pool.New(pool.Config{Name: "proxies", FailureThreshold: 2, Cooldown: time.Minute},
			proxies, crypto.Fingerprint),
		Upstream:          upstream.New(upstreamURL, httputil.ClientConfig{}),
		StreamReadTimeout: 5 * time.Second,
		StreamMaxDuration: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return New(cfg)
}

func chatReq(stream bool) domain.ChatRequest {
	return domain.ChatRequest{
		Model:    "anthropic-sonnet-4",
		Stream:   stream,
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	}
}

func TestHandle_CompletedStreamReportsSuccess(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"content":"ok"},"finish_reason":""}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		"[DONE]",
	)
	defer srv.Close()

	pub := &recordingPublisher{}
	gw := newTestGateway(t, srv.URL, []string{"session=a"}, nil, func(c *Config) {
		c.Usage = pub
	})

	relay, err := gw.Handle(context.Background(), chatReq(false))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if relay.Mode != "aggregate" {
		t.Errorf("unexpected mode: %s", relay.Mode)
	}

	resp, err := relay.Translator.Aggregate()
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if resp.Choices[0].Message.Content != "ok" {
		t.Errorf("unexpected content: %q", resp.Choices[0].Message.Content)
	}

	relay.Finish(context.Background())

	if !gw.Initialized() {
		t.Error("expected gateway initialized after a successful relay")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 {
		t.Fatalf("expected 1 usage event, got %d", len(pub.events))
	}
	ev := pub.events[0]
	if ev.Status != "completed" || ev.Model != "anthropic-sonnet-4" || ev.CookieID != relay.CookieID {
		t.Errorf("unexpected usage event: %+v", ev)
	}
}

func TestHandle_FinishIsIdempotent(t *testing.T) {
	srv := sseServer(t, "[DONE]")
	defer srv.Close()

	pub := &recordingPublisher{}
	gw := newTestGateway(t, srv.URL, []string{"session=a"}, nil, func(c *Config) {
		c.Usage = pub
	})

	relay, err := gw.Handle(context.Background(), chatReq(false))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := relay.Translator.Aggregate(); err != nil {
		t.Fatalf("aggregate: %v", err)
	}

	relay.Finish(context.Background())
	relay.Finish(context.Background())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 {
		t.Errorf("expected 1 usage event after double finish, got %d", len(pub.events))
	}
}

func TestHandle_AuthRejectionInvalidatesCookie(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired", http.StatusForbidden)
	}))
	defer srv.Close()

	notifier := &recordingNotifier{}
	gw := newTestGateway(t, srv.URL, []string{"session=a", "session=b"}, nil, func(c *Config) {
		c.Notifier = notifier
	})

	if _, err := gw.Handle(context.Background(), chatReq(false)); err == nil {
		t.Fatal("expected upstream error")
	}

	_, snapshot := gw.CookieStatus()
	invalid := 0
	for _, s := range snapshot {
		if s.State == "invalid" {
			invalid++
		}
	}
	if invalid != 1 {
		t.Errorf("expected exactly one invalid cookie, got %d", invalid)
	}

	// Transition notifications run on their own goroutine.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(notifier.byType(notifications.NotificationCookieInvalidated)) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("cookie invalidation notification never sent")
}

func TestHandle_ExhaustedCookiePool(t *testing.T) {
	srv := sseServer(t, "[DONE]")
	defer srv.Close()

	notifier := &recordingNotifier{}
	gw := newTestGateway(t, srv.URL, nil, nil, func(c *Config) {
		c.Notifier = notifier
	})

	_, err := gw.Handle(context.Background(), chatReq(false))
	if err != domain.ErrNoCookieAvailable {
		t.Errorf("expected ErrNoCookieAvailable, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(notifier.byType(notifications.NotificationPoolExhausted)) >= 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("exhaustion notification never sent")
}

func TestHandle_UnsupportedModelFailsBeforePools(t *testing.T) {
	srv := sseServer(t, "[DONE]")
	defer srv.Close()

	// No cookies: a pool error would surface if selection ran first.
	gw := newTestGateway(t, srv.URL, nil, nil)

	req := chatReq(false)
	req.Model = "gpt-99"
	_, err := gw.Handle(context.Background(), req)
	if err == nil || err == domain.ErrNoCookieAvailable {
		t.Errorf("expected model validation error, got %v", err)
	}
}

func TestHandle_MalformedProxyRetired(t *testing.T) {
	srv := sseServer(t, "[DONE]")
	defer srv.Close()

	gw := newTestGateway(t, srv.URL, []string{"session=a"}, []string{"http://\x7f bad"})

	_, err := gw.Handle(context.Background(), chatReq(false))
	if err != domain.ErrNoProxyAvailable {
		t.Fatalf("expected ErrNoProxyAvailable, got %v", err)
	}

	_, snapshot := gw.ProxyStatus()
	if len(snapshot) != 1 || snapshot[0].State != "invalid" {
		t.Errorf("expected the malformed route retired, got %+v", snapshot)
	}
}

func TestHandle_DirectWhenNoProxiesConfigured(t *testing.T) {
	srv := sseServer(t, "[DONE]")
	defer srv.Close()

	gw := newTestGateway(t, srv.URL, []string{"session=a"}, nil)

	relay, err := gw.Handle(context.Background(), chatReq(false))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	defer relay.Finish(context.Background())

	if relay.ProxyID != "" {
		t.Errorf("expected direct connection, got proxy %s", relay.ProxyID)
	}
	if _, err := relay.Translator.Aggregate(); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
}

func TestFinish_UndrainedStreamIsCancelled(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	pub := &recordingPublisher{}
	gw := newTestGateway(t, srv.URL, []string{"session=a"}, nil, func(c *Config) {
		c.Usage = pub
	})

	relay, err := gw.Handle(context.Background(), chatReq(true))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	relay.Finish(context.Background())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 || pub.events[0].Status != "cancelled" {
		t.Errorf("expected one cancelled usage event, got %+v", pub.events)
	}
}

func TestFinish_FailedStreamCountsTransientFailure(t *testing.T) {
	// Body cut without the terminal sentinel.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"x\"},\"finish_reason\":\"\"}]}\n\n"))
	}))
	defer srv.Close()

	gw := newTestGateway(t, srv.URL, []string{"session=a"}, nil)

	// Threshold is 2; two truncated streams push the cookie into cooldown.
	for i := 0; i < 2; i++ {
		relay, err := gw.Handle(context.Background(), chatReq(true))
		if err != nil {
			t.Fatalf("handle %d: %v", i, err)
		}
		for {
			if _, err := relay.Translator.Next(); err != nil {
				if err != io.ErrUnexpectedEOF {
					t.Fatalf("stream %d: expected ErrUnexpectedEOF, got %v", i, err)
				}
				break
			}
		}
		relay.Finish(context.Background())
	}

	_, snapshot := gw.CookieStatus()
	if snapshot[0].State != "cooldown" {
		t.Errorf("expected cookie in cooldown, got %s", snapshot[0].State)
	}
}

func TestRecentRequests_RecordsRelayTrail(t *testing.T) {
	srv := sseServer(t,
		`{"choices":[{"delta":{"content":"x"},"finish_reason":""}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		"[DONE]",
	)
	defer srv.Close()

	gw := newTestGateway(t, srv.URL, []string{"session=a"}, nil)

	relay, err := gw.Handle(context.Background(), chatReq(false))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := relay.Translator.Aggregate(); err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	relay.Finish(context.Background())

	records, err := gw.RecentRequests(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Status != "completed" || records[0].Chunks != 2 {
		t.Errorf("unexpected record: %+v", records[0])
	}
}

func TestShutdown_StopsSelection(t *testing.T) {
	srv := sseServer(t, "[DONE]")
	defer srv.Close()

	gw := newTestGateway(t, srv.URL, []string{"session=a"}, nil)
	gw.Shutdown()

	if _, err := gw.Handle(context.Background(), chatReq(false)); err != domain.ErrNoCookieAvailable {
		t.Errorf("expected ErrNoCookieAvailable after shutdown, got %v", err)
	}
}
