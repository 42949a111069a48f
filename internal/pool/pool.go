// Package pool implements health-tracked rotation over a set of secrets:
// session cookies or egress proxy routes. Selection is round-robin over
// healthy entries; outcomes reported after each attempt drive a per-entry
// state machine (auth failures invalidate permanently, repeated transient
// failures trigger a timed cooldown).
package pool

import (
	"errors"
	"sync"
	"time"
)

// State represents the health of a pool entry.
type State int

const (
	StateUnverified State = iota // Never used successfully
	StateValid                   // Healthy, selectable
	StateInvalid                 // Permanently rejected, never selectable
	StateCooldown                // Temporarily suspended
)

func (s State) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	case StateCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

// Outcome classifies the result of one upstream attempt with an entry.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAuthFailure
	OutcomeTransientFailure
)

var (
	ErrNoneAvailable = errors.New("no entry available")
	ErrUnknownEntry  = errors.New("unknown entry")
)

// Entry is one credential or route. Entries are created when the pool is
// built and only re-validated afterwards, never deleted mid-flight.
type Entry struct {
	ID                  string
	Secret              string
	State               State
	LastUsedAt          time.Time
	ConsecutiveFailures int
	CooldownUntil       time.Time
}

// EntryStatus is the non-secret diagnostic view of an entry.
type EntryStatus struct {
	ID                  string    `json:"id"`
	State               string    `json:"state"`
	LastUsedAt          time.Time `json:"last_used_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Config defines pool behavior. Cookie and proxy pools run the same
// algorithm with independent thresholds and cooldown intervals.
type Config struct {
	// Name labels the pool in logs and metrics ("cookies", "proxies").
	Name string

	// FailureThreshold is the number of consecutive transient failures
	// before an entry enters cooldown.
	FailureThreshold int

	// Cooldown is how long a tripped entry stays suspended.
	Cooldown time.Duration

	// StartUnverified makes new entries begin in StateUnverified instead
	// of StateValid; a first successful use promotes them.
	StartUnverified bool
}

// DefaultConfig returns the thresholds used when none are configured.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
	}
}

// Pool tracks a fixed set of entries and rotates selection across the
// healthy ones. All methods are safe for concurrent use; none of them
// blocks beyond the internal mutex.
type Pool struct {
	mu      sync.Mutex
	cfg     Config
	entries []*Entry
	byID    map[string]*Entry
	cursor  int
	closed  bool

	// onTransition, when set, observes entries entering Invalid or
	// Cooldown. Called outside the selection hot path but under the pool
	// lock; observers must not call back into the pool.
	onTransition func(id string, state State)

	identify func(secret string) string
	now      func() time.Time
}

// New builds a pool from secret values. IDs are assigned by the given
// identity function so that secrets never leak into diagnostics.
func New(cfg Config, secrets []string, identify func(secret string) string) *Pool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	p := &Pool{
		cfg:  cfg,
		byID: make(map[string]*Entry),
		now:  time.Now,
	}
	p.identify = identify
	p.setEntriesLocked(secrets)
	return p
}

// OnTransition registers the state-change observer.
func (p *Pool) OnTransition(fn func(id string, state State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransition = fn
}

func (p *Pool) initialState() State {
	if p.cfg.StartUnverified {
		return StateUnverified
	}
	return StateValid
}

func (p *Pool) setEntriesLocked(secrets []string) {
	old := p.byID
	p.entries = p.entries[:0]
	p.byID = make(map[string]*Entry, len(secrets))

	for _, secret := range secrets {
		id := p.identify(secret)
		if _, dup := p.byID[id]; dup {
			continue
		}
		e, ok := old[id]
		if !ok {
			e = &Entry{ID: id, Secret: secret, State: p.initialState()}
		}
		p.entries = append(p.entries, e)
		p.byID[id] = e
	}

	if p.cursor >= len(p.entries) {
		p.cursor = 0
	}
}

// SetEntries replaces the entry set, preserving the tracked state of any
// entry whose identity survives the swap. Used by hot reload.
func (p *Pool) SetEntries(secrets []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setEntriesLocked(secrets)
}

// Size returns the total number of entries regardless of state.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// ValidCount returns how many entries are currently in StateValid.
func (p *Pool) ValidCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.entries {
		p.expireCooldownLocked(e)
		if e.State == StateValid {
			n++
		}
	}
	return n
}

// Snapshot returns the diagnostic view of every entry in insertion order.
func (p *Pool) Snapshot() []EntryStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EntryStatus, 0, len(p.entries))
	for _, e := range p.entries {
		p.expireCooldownLocked(e)
		out = append(out, EntryStatus{
			ID:                  e.ID,
			State:               e.State.String(),
			LastUsedAt:          e.LastUsedAt,
			ConsecutiveFailures: e.ConsecutiveFailures,
		})
	}
	return out
}

// Select returns the next selectable entry in round-robin order. Valid
// entries are preferred; unverified entries are only handed out while no
// valid entry exists, so a fresh pool can bootstrap itself through first
// use. Returns ErrNoneAvailable when nothing is selectable.
func (p *Pool) Select() (Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || len(p.entries) == 0 {
		return Entry{}, ErrNoneAvailable
	}

	for _, e := range p.entries {
		p.expireCooldownLocked(e)
	}

	if e := p.scanLocked(StateValid); e != nil {
		return *e, nil
	}
	if e := p.scanLocked(StateUnverified); e != nil {
		return *e, nil
	}
	return Entry{}, ErrNoneAvailable
}

// scanLocked walks the ring once starting at the cursor and returns the
// first entry in the wanted state, leaving the cursor just past it.
func (p *Pool) scanLocked(want State) *Entry {
	n := len(p.entries)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		e := p.entries[idx]
		if e.State == want {
			p.cursor = (idx + 1) % n
			return e
		}
	}
	return nil
}

// ReportOutcome applies the result of an attempt to the named entry and
// returns its resulting state.
//
// Success resets the failure count, stamps LastUsedAt, and promotes an
// unverified entry. AuthFailure invalidates permanently: a rejected
// session cookie is assumed dead, so there is no retry budget and the
// call is idempotent. TransientFailure counts toward the cooldown
// threshold; the cooldown expires lazily on a later read.
func (p *Pool) ReportOutcome(id string, outcome Outcome) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[id]
	if !ok {
		return StateInvalid, ErrUnknownEntry
	}

	switch outcome {
	case OutcomeSuccess:
		e.ConsecutiveFailures = 0
		e.LastUsedAt = p.now()
		if e.State == StateUnverified {
			e.State = StateValid
		}
	case OutcomeAuthFailure:
		if e.State != StateInvalid {
			e.State = StateInvalid
			p.notifyLocked(e)
		}
	case OutcomeTransientFailure:
		if e.State == StateInvalid {
			break
		}
		e.ConsecutiveFailures++
		if e.ConsecutiveFailures >= p.cfg.FailureThreshold {
			e.State = StateCooldown
			e.CooldownUntil = p.now().Add(p.cfg.Cooldown)
			e.ConsecutiveFailures = 0
			p.notifyLocked(e)
		}
	}

	return e.State, nil
}

// Shutdown marks the pool closed; subsequent Select calls fail.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

// Name returns the configured pool label.
func (p *Pool) Name() string {
	return p.cfg.Name
}

func (p *Pool) expireCooldownLocked(e *Entry) {
	if e.State == StateCooldown && p.now().After(e.CooldownUntil) {
		e.State = StateValid
	}
}

func (p *Pool) notifyLocked(e *Entry) {
	if p.onTransition != nil {
		p.onTransition(e.ID, e.State)
	}
}
