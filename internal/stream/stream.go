// Package stream converts the upstream's raw SSE byte stream into
// OpenAI-shaped chunks. A Translator is bound to exactly one upstream
// response (one cookie, one proxy route) for its whole life and exposes
// the stream as a cancellable pull iterator: Next returns the next chunk,
// io.EOF at clean end-of-stream, or the failure that ended the stream.
package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pinemoor/chatrelay/internal/domain"
	"github.com/pinemoor/chatrelay/internal/metrics"
)

// State tracks the translator lifecycle. Terminal states are mutually
// exclusive and final.
type State int

const (
	StateIdle State = iota
	StateReceiving
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReceiving:
		return "receiving"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

const doneSentinel = "[DONE]"

// Options bounds a translator. Zero values pick the defaults.
type Options struct {
	ID      string
	Model   string
	Created int64

	// ReadTimeout bounds the silence between two upstream events; a
	// completely quiet upstream must not hold the client open forever.
	ReadTimeout time.Duration

	// MaxDuration bounds the whole stream.
	MaxDuration time.Duration
}

// upstreamEvent is the tolerant decode target for one upstream frame.
// Only the fields the relay needs are validated; anything else is ignored
// and a decode failure skips the frame without ending the stream.
type upstreamEvent struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type event struct {
	chunk *domain.StreamChunk
	err   error
}

type Translator struct {
	id      string
	model   string
	created int64

	readTimeout time.Duration
	deadline    time.Time

	body   io.ReadCloser
	events chan event
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	state State
	err   error

	// Consumer-side accounting; only touched from Next/Aggregate.
	chunks     int
	lastFinish string
}

// New takes ownership of the upstream response body and starts receiving.
func New(body io.ReadCloser, opts Options) *Translator {
	if opts.ID == "" {
		opts.ID = "chatcmpl-" + uuid.New().String()
	}
	if opts.Created == 0 {
		opts.Created = time.Now().Unix()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 300 * time.Second
	}

	t := &Translator{
		id:          opts.ID,
		model:       opts.Model,
		created:     opts.Created,
		readTimeout: opts.ReadTimeout,
		deadline:    time.Now().Add(opts.MaxDuration),
		body:        body,
		events:      make(chan event),
		done:        make(chan struct{}),
		state:       StateReceiving,
	}
	go t.readLoop()
	return t
}

// readLoop scans the raw byte stream. bufio carries partial lines across
// read boundaries, so an event split by the transport still arrives whole.
func (t *Translator) readLoop() {
	defer close(t.events)

	scanner := bufio.NewScanner(t.body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == doneSentinel {
			t.deliver(event{err: io.EOF})
			return
		}

		var ev upstreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			metrics.RecordParseError()
			slog.Debug("skipping malformed upstream event", "stream_id", t.id, "error", err)
			continue
		}

		if chunk := t.toChunk(ev); chunk != nil {
			if !t.deliver(event{chunk: chunk}) {
				return
			}
		}
	}

	if err := scanner.Err(); err != nil {
		t.deliver(event{err: err})
		return
	}
	// The byte stream ended without the terminal sentinel: the upstream
	// connection was cut mid-response.
	t.deliver(event{err: io.ErrUnexpectedEOF})
}

func (t *Translator) deliver(ev event) bool {
	select {
	case t.events <- ev:
		return true
	case <-t.done:
		return false
	}
}

func (t *Translator) toChunk(ev upstreamEvent) *domain.StreamChunk {
	if len(ev.Choices) == 0 {
		return nil
	}
	choice := ev.Choices[0]
	if choice.Delta.Content == nil && choice.FinishReason == "" {
		return nil
	}

	delta := &domain.Delta{}
	if choice.Delta.Content != nil {
		delta.Content = *choice.Delta.Content
	}

	return &domain.StreamChunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: []domain.Choice{{
			Index:        0,
			Delta:        delta,
			FinishReason: choice.FinishReason,
		}},
	}
}

// Next returns the next chunk in upstream order. It returns io.EOF once
// the terminal sentinel has been seen, ErrStreamClosed after Cancel, and
// the transport or timeout error that moved the translator to Failed.
func (t *Translator) Next() (*domain.StreamChunk, error) {
	t.mu.Lock()
	switch t.state {
	case StateCancelled:
		t.mu.Unlock()
		return nil, domain.ErrStreamClosed
	case StateCompleted:
		t.mu.Unlock()
		return nil, io.EOF
	case StateFailed:
		err := t.err
		t.mu.Unlock()
		return nil, err
	}
	t.mu.Unlock()

	timeout := t.readTimeout
	if remaining := time.Until(t.deadline); remaining < timeout {
		timeout = remaining
	}
	if timeout <= 0 {
		return nil, t.fail(domain.ErrStreamTimeout)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-t.events:
		if !ok {
			return nil, t.fail(io.ErrUnexpectedEOF)
		}
		if ev.err == io.EOF {
			t.complete()
			return nil, io.EOF
		}
		if ev.err != nil {
			return nil, t.fail(ev.err)
		}
		t.chunks++
		if fr := ev.chunk.Choices[0].FinishReason; fr != "" {
			t.lastFinish = fr
		}
		return ev.chunk, nil

	case <-timer.C:
		return nil, t.fail(domain.ErrStreamTimeout)

	case <-t.done:
		return nil, domain.ErrStreamClosed
	}
}

// Aggregate drains the stream and folds every delta into one completion.
// On transport failure no partial object is returned, only the error.
func (t *Translator) Aggregate() (*domain.ChatResponse, error) {
	var content strings.Builder
	for {
		chunk, err := t.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if chunk.Choices[0].Delta != nil {
			content.WriteString(chunk.Choices[0].Delta.Content)
		}
	}

	finish := t.lastFinish
	if finish == "" {
		finish = "stop"
	}

	return &domain.ChatResponse{
		ID:      t.id,
		Object:  "chat.completion",
		Created: t.created,
		Model:   t.model,
		Choices: []domain.Choice{{
			Index:        0,
			Message:      &domain.Message{Role: "assistant", Content: content.String()},
			FinishReason: finish,
		}},
		Usage: &domain.Usage{},
	}, nil
}

// Cancel releases the upstream reader immediately so the underlying
// connection closes even if the producer is mid-read. It never overwrites
// a terminal state: cancelling a completed or failed translator is a no-op.
func (t *Translator) Cancel() {
	t.mu.Lock()
	if t.state != StateReceiving && t.state != StateIdle {
		t.mu.Unlock()
		return
	}
	t.state = StateCancelled
	t.mu.Unlock()

	t.closeDone()
	t.body.Close()
}

func (t *Translator) complete() {
	t.mu.Lock()
	if t.state == StateReceiving {
		t.state = StateCompleted
	}
	t.mu.Unlock()
	t.closeDone()
	t.body.Close()
}

func (t *Translator) fail(err error) error {
	t.mu.Lock()
	if t.state != StateReceiving {
		// Cancelled (or already terminal) while the failure surfaced.
		state := t.state
		t.mu.Unlock()
		if state == StateCancelled {
			return domain.ErrStreamClosed
		}
		return t.err
	}
	t.state = StateFailed
	t.err = err
	t.mu.Unlock()

	t.closeDone()
	t.body.Close()
	return err
}

func (t *Translator) closeDone() {
	t.once.Do(func() { close(t.done) })
}

// State returns the current lifecycle state.
func (t *Translator) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ID returns the completion id shared by every chunk of this stream.
func (t *Translator) ID() string {
	return t.id
}

// Chunks returns how many chunks have been handed to the consumer.
func (t *Translator) Chunks() int {
	return t.chunks
}

// Err returns the failure that terminated the stream, if any.
func (t *Translator) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
