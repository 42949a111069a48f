// Package gateway composes the relay core: it binds each request to one
// cookie and one egress route, invokes the upstream, wraps the response in
// a stream translator, and feeds attempt outcomes back into both pools.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/pinemoor/chatrelay/internal/domain"
	"github.com/pinemoor/chatrelay/internal/metrics"
	"github.com/pinemoor/chatrelay/internal/notifications"
	"github.com/pinemoor/chatrelay/internal/pool"
	"github.com/pinemoor/chatrelay/internal/queue"
	"github.com/pinemoor/chatrelay/internal/repository"
	"github.com/pinemoor/chatrelay/internal/stream"
	"github.com/pinemoor/chatrelay/internal/telemetry"
	"github.com/pinemoor/chatrelay/internal/translator"
	"github.com/pinemoor/chatrelay/internal/upstream"
)

type Config struct {
	Cookies  *pool.Pool
	Proxies  *pool.Pool
	Upstream *upstream.Client

	// Optional collaborators; nil means no-op.
	Notifier notifications.Notifier
	Usage    queue.Publisher
	Requests repository.RequestLog

	StreamReadTimeout time.Duration
	StreamMaxDuration time.Duration
}

type Gateway struct {
	cookies  *pool.Pool
	proxies  *pool.Pool
	upstream *upstream.Client
	notifier notifications.Notifier
	usage    queue.Publisher
	requests repository.RequestLog

	readTimeout time.Duration
	maxDuration time.Duration
}

func New(cfg Config) *Gateway {
	g := &Gateway{
		cookies:     cfg.Cookies,
		proxies:     cfg.Proxies,
		upstream:    cfg.Upstream,
		notifier:    cfg.Notifier,
		usage:       cfg.Usage,
		requests:    cfg.Requests,
		readTimeout: cfg.StreamReadTimeout,
		maxDuration: cfg.StreamMaxDuration,
	}
	if g.notifier == nil {
		g.notifier = notifications.NopNotifier{}
	}
	if g.usage == nil {
		g.usage = queue.NopPublisher{}
	}
	if g.requests == nil {
		g.requests = repository.NewInMemoryRequestLog(0)
	}

	g.cookies.OnTransition(func(id string, state pool.State) {
		go g.notifyTransition(g.cookies.Name(), id, state)
	})
	g.proxies.OnTransition(func(id string, state pool.State) {
		go g.notifyTransition(g.proxies.Name(), id, state)
	})

	return g
}

// Relay is one in-flight request bound to its cookie/route pair. The HTTP
// layer drains the Translator and must call Finish exactly once afterwards
// so the pools learn the outcome.
type Relay struct {
	Translator *stream.Translator
	CookieID   string
	ProxyID    string
	Model      string
	Mode       string

	gw      *Gateway
	started time.Time
	once    sync.Once
}

// Handle binds one cookie and one egress route to the request and opens
// the upstream stream. There is no retry loop across credentials: pool
// exhaustion and upstream failures surface immediately, and one request
// keeps its pair for its whole lifetime.
func (g *Gateway) Handle(ctx context.Context, req domain.ChatRequest) (*Relay, error) {
	ctx, span := telemetry.StartSpan(ctx, "gateway.handle")
	defer span.End()

	body, err := translator.BuildUpstreamRequest(req)
	if err != nil {
		return nil, err
	}
	// The upstream is always consumed as a stream; aggregation happens
	// on our side.
	body.Stream = true

	cookie, err := g.cookies.Select()
	if err != nil {
		go g.notifyExhausted(g.cookies.Name())
		return nil, domain.ErrNoCookieAvailable
	}

	var proxyURL *url.URL
	proxyID := ""
	if g.proxies.Size() > 0 {
		route, err := g.proxies.Select()
		if err != nil {
			go g.notifyExhausted(g.proxies.Name())
			return nil, domain.ErrNoProxyAvailable
		}
		proxyURL, err = url.Parse(route.Secret)
		if err != nil {
			// A route that does not parse will never work; retire it.
			g.proxies.ReportOutcome(route.ID, pool.OutcomeAuthFailure)
			slog.Error("retiring malformed proxy route", "proxy_id", route.ID, "error", err)
			return nil, domain.ErrNoProxyAvailable
		}
		proxyID = route.ID
	}

	telemetry.AddRelayAttributes(span, req.Model, cookie.ID, proxyID)

	rc, err := g.upstream.Send(ctx, body, cookie.Secret, proxyURL)
	if err != nil {
		g.reportSendFailure(cookie.ID, proxyID, err)
		g.publishPoolMetrics()
		return nil, err
	}

	mode := "aggregate"
	if req.Stream {
		mode = "stream"
	}

	tr := stream.New(rc, stream.Options{
		Model:       req.Model,
		ReadTimeout: g.readTimeout,
		MaxDuration: g.maxDuration,
	})

	return &Relay{
		Translator: tr,
		CookieID:   cookie.ID,
		ProxyID:    proxyID,
		Model:      req.Model,
		Mode:       mode,
		gw:         g,
		started:    time.Now(),
	}, nil
}

// reportSendFailure classifies a pre-stream upstream failure. A rejected
// cookie is dead for good; everything else counts as transient against
// both the cookie and the route, since a connect-level failure cannot be
// attributed to either one alone.
func (g *Gateway) reportSendFailure(cookieID, proxyID string, err error) {
	var statusErr *upstream.StatusError
	if errors.As(err, &statusErr) && statusErr.AuthRejected() {
		metrics.RecordUpstreamError("auth")
		g.cookies.ReportOutcome(cookieID, pool.OutcomeAuthFailure)
		return
	}

	metrics.RecordUpstreamError("transport")
	g.cookies.ReportOutcome(cookieID, pool.OutcomeTransientFailure)
	if proxyID != "" {
		g.proxies.ReportOutcome(proxyID, pool.OutcomeTransientFailure)
	}
}

// Finish reports the stream outcome to both pools and emits the usage
// trail. Idempotent; safe to defer alongside an explicit call.
func (r *Relay) Finish(ctx context.Context) {
	r.once.Do(func() { r.finish(ctx) })
}

func (r *Relay) finish(ctx context.Context) {
	state := r.Translator.State()

	var status string
	outcome := pool.OutcomeSuccess
	switch state {
	case stream.StateCompleted:
		status = "completed"
	case stream.StateCancelled:
		// Client walked away; the cookie and route did nothing wrong.
		status = "cancelled"
	case stream.StateFailed:
		status = "failed"
		outcome = pool.OutcomeTransientFailure
		metrics.RecordUpstreamError("stream")
	default:
		// Finish before the stream was drained: release it first.
		r.Translator.Cancel()
		status = "cancelled"
	}

	r.gw.cookies.ReportOutcome(r.CookieID, outcome)
	if r.ProxyID != "" {
		r.gw.proxies.ReportOutcome(r.ProxyID, outcome)
	}
	r.gw.publishPoolMetrics()

	latency := time.Since(r.started)
	metrics.RecordRequest(r.Model, r.Mode, status, latency.Seconds())

	slog.Info("relay finished",
		"request_id", r.Translator.ID(),
		"model", r.Model,
		"mode", r.Mode,
		"status", status,
		"cookie_id", r.CookieID,
		"proxy_id", r.ProxyID,
		"chunks", r.Translator.Chunks(),
		"latency_ms", latency.Milliseconds(),
	)

	// The request context is usually done by now; the trail still has to
	// be written.
	trailCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	event := queue.UsageEvent{
		RequestID: r.Translator.ID(),
		Model:     r.Model,
		CookieID:  r.CookieID,
		ProxyID:   r.ProxyID,
		Mode:      r.Mode,
		Status:    status,
		Chunks:    r.Translator.Chunks(),
		LatencyMs: latency.Milliseconds(),
		CreatedAt: time.Now(),
	}
	if err := r.gw.usage.Publish(trailCtx, event); err != nil {
		slog.Warn("failed to publish usage event", "request_id", event.RequestID, "error", err)
	}

	rec := &repository.RequestRecord{
		ID:        event.RequestID,
		Model:     event.Model,
		CookieID:  event.CookieID,
		ProxyID:   event.ProxyID,
		Mode:      event.Mode,
		Status:    event.Status,
		Chunks:    event.Chunks,
		LatencyMs: event.LatencyMs,
		CreatedAt: event.CreatedAt,
	}
	if err := r.gw.requests.Record(trailCtx, rec); err != nil {
		slog.Warn("failed to record request", "request_id", event.RequestID, "error", err)
	}
}

// Initialized reports whether at least one cookie has reached Valid.
func (g *Gateway) Initialized() bool {
	return g.cookies.ValidCount() > 0
}

func (g *Gateway) ValidCookies() int {
	return g.cookies.ValidCount()
}

func (g *Gateway) CookieStatus() (int, []pool.EntryStatus) {
	return g.cookies.Size(), g.cookies.Snapshot()
}

func (g *Gateway) ProxyStatus() (int, []pool.EntryStatus) {
	return g.proxies.Size(), g.proxies.Snapshot()
}

// RecentRequests exposes the request log for diagnostics.
func (g *Gateway) RecentRequests(ctx context.Context, limit int) ([]*repository.RequestRecord, error) {
	return g.requests.Recent(ctx, limit)
}

// Shutdown closes both pools; in-flight relays drain normally.
func (g *Gateway) Shutdown() {
	g.cookies.Shutdown()
	g.proxies.Shutdown()
}

func (g *Gateway) publishPoolMetrics() {
	for _, p := range []*pool.Pool{g.cookies, g.proxies} {
		counts := map[string]int{"unverified": 0, "valid": 0, "invalid": 0, "cooldown": 0}
		for _, s := range p.Snapshot() {
			counts[s.State]++
		}
		for state, n := range counts {
			metrics.SetPoolEntries(p.Name(), state, n)
		}
	}
}

func (g *Gateway) notifyTransition(poolName, id string, state pool.State) {
	var typ notifications.NotificationType
	switch {
	case state == pool.StateInvalid && poolName == g.proxies.Name():
		typ = notifications.NotificationProxyInvalidated
	case state == pool.StateInvalid:
		typ = notifications.NotificationCookieInvalidated
	case poolName == g.proxies.Name():
		typ = notifications.NotificationProxyCooldown
	default:
		typ = notifications.NotificationCookieCooldown
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := g.notifier.Send(ctx, notifications.Notification{
		Type:    typ,
		Pool:    poolName,
		EntryID: id,
		Message: "pool entry transitioned to " + state.String(),
	})
	if err != nil {
		slog.Warn("failed to send pool notification", "pool", poolName, "entry", id, "error", err)
	}

	slog.Warn("pool entry degraded", "pool", poolName, "entry", id, "state", state.String())
}

func (g *Gateway) notifyExhausted(poolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := g.notifier.Send(ctx, notifications.Notification{
		Type:    notifications.NotificationPoolExhausted,
		Pool:    poolName,
		Message: "no selectable entry in pool " + poolName,
	})
	if err != nil {
		slog.Warn("failed to send exhaustion notification", "pool", poolName, "error", err)
	}
}
