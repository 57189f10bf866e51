package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/jamsync/internal/hub"
)

// DefaultCodeAttempts bounds how many codes Create draws before giving up.
const DefaultCodeAttempts = 16

// Options tunes a Registry. Zero values select the defaults.
type Options struct {
	Codes        *CodeGenerator
	CodeAttempts int
	Detector     Detector
	Now          func() time.Time
}

// Registry is the single owner of session state. The map only tracks
// membership; every session carries its own lock, so operations on different
// sessions never contend beyond the map lookup. Lock order is entry, then map.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	hub      *hub.Hub
	codes    *CodeGenerator
	attempts int
	detector Detector
	now      func() time.Time
}

type entry struct {
	mu sync.Mutex

	code          string
	metadata      string
	expected      int
	contributions []Contribution
	state         State
	createdAt     time.Time
	updatedAt     time.Time
	finishedAt    time.Time
	evicted       bool
}

// NewRegistry creates an empty registry publishing through h.
func NewRegistry(h *hub.Hub, opts Options) *Registry {
	r := &Registry{
		entries:  make(map[string]*entry),
		hub:      h,
		codes:    opts.Codes,
		attempts: opts.CodeAttempts,
		detector: opts.Detector,
		now:      opts.Now,
	}
	if r.codes == nil {
		r.codes, _ = NewCodeGenerator(DefaultCodeAlphabet, DefaultCodeLength)
	}
	if r.attempts <= 0 {
		r.attempts = DefaultCodeAttempts
	}
	if r.detector == nil {
		r.detector = ExpectedCount
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Create registers a new active session and opens its notification topic.
func (r *Registry) Create(metadata string, expected int) (string, error) {
	if expected < 0 {
		return "", ErrInvalidExpected
	}

	now := r.now()
	for attempt := 0; attempt < r.attempts; attempt++ {
		code, err := r.codes.Next()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrResourceExhaustion, err)
		}

		r.mu.Lock()
		if _, taken := r.entries[code]; taken {
			r.mu.Unlock()
			slog.Debug("Session code collision, drawing again", "attempt", attempt+1)
			continue
		}
		r.entries[code] = &entry{
			code:      code,
			metadata:  metadata,
			expected:  expected,
			state:     StateActive,
			createdAt: now,
			updatedAt: now,
		}
		r.hub.Open(code)
		r.mu.Unlock()

		slog.Info("Session created", "session_code", code, "expected_contributors", expected)
		return code, nil
	}
	return "", fmt.Errorf("%w: no free code after %d attempts", ErrResourceExhaustion, r.attempts)
}

// Contribute appends c to the session and, if that completes it, finishes
// the session. The append, the completion check and the transition happen
// under one lock so exactly one contributor can be the last one.
func (r *Registry) Contribute(code string, c Contribution) (Progress, error) {
	e, err := r.acquire(code)
	if err != nil {
		return Progress{}, err
	}
	defer e.mu.Unlock()

	if e.state == StateFinished {
		return Progress{}, ErrSessionFinished
	}

	now := r.now()
	if c.At.IsZero() {
		c.At = now
	}
	e.contributions = append(e.contributions, c)
	e.updatedAt = now

	count := len(e.contributions)
	r.hub.Publish(code, hub.Event{
		Kind:          hub.EventContribution,
		Contributions: count,
		Expected:      e.expected,
		Guest:         c.Guest,
		At:            now,
	})

	progress := Progress{Code: code, Contributions: count, Expected: e.expected}
	if r.detector(count, e.expected) {
		r.finishLocked(e)
		progress.Finished = true
	}

	slog.Debug("Contribution accepted", "session_code", code, "contributions", count,
		"expected_contributors", e.expected, "bytes", len(c.Payload), "finished", progress.Finished)
	return progress, nil
}

// MarkFinished ends the session regardless of the detector. It reports
// whether this call performed the transition; repeated calls are no-ops.
func (r *Registry) MarkFinished(code string) (bool, error) {
	e, err := r.acquire(code)
	if err != nil {
		return false, err
	}
	defer e.mu.Unlock()

	if e.state == StateFinished {
		return false, nil
	}
	r.finishLocked(e)
	return true, nil
}

// Get returns the finished session and evicts it. Active sessions yield
// ErrNotReady and are left untouched.
func (r *Registry) Get(code string) (*Snapshot, error) {
	return r.read(code, true)
}

// Peek is Get without eviction.
func (r *Registry) Peek(code string) (*Snapshot, error) {
	return r.read(code, false)
}

// Evict drops the session and ends its observers' streams.
func (r *Registry) Evict(code string) bool {
	e, err := r.acquire(code)
	if err != nil {
		return false
	}
	defer e.mu.Unlock()
	r.evictLocked(e)
	return true
}

// Subscribe opens an event stream for the session. Subscribing to a finished
// session yields a stream holding just the finished event.
func (r *Registry) Subscribe(code string) (*hub.Subscription, error) {
	e, err := r.acquire(code)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	sub, err := r.hub.Subscribe(code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}
	return sub, nil
}

// Status reports the session without its payloads.
func (r *Registry) Status(code string) (Status, error) {
	e, err := r.acquire(code)
	if err != nil {
		return Status{}, err
	}
	defer e.mu.Unlock()

	return Status{
		Code:          e.code,
		Metadata:      e.metadata,
		State:         e.state,
		Contributions: len(e.contributions),
		Expected:      e.expected,
		Observers:     r.hub.Subscribers(code),
		CreatedAt:     e.createdAt,
		UpdatedAt:     e.updatedAt,
	}, nil
}

// EvictIdle evicts every session not updated since before and returns
// their codes.
func (r *Registry) EvictIdle(before time.Time) []string {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		candidates = append(candidates, e)
	}
	r.mu.RUnlock()

	var evicted []string
	for _, e := range candidates {
		e.mu.Lock()
		if !e.evicted && e.updatedAt.Before(before) {
			r.evictLocked(e)
			evicted = append(evicted, e.code)
		}
		e.mu.Unlock()
	}
	return evicted
}

// Len returns the number of resident sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) read(code string, evict bool) (*Snapshot, error) {
	e, err := r.acquire(code)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	if e.state != StateFinished {
		return nil, ErrNotReady
	}

	snap := &Snapshot{
		Code:          e.code,
		Metadata:      e.metadata,
		Expected:      e.expected,
		Contributions: make([]Contribution, len(e.contributions)),
		FinishedAt:    e.finishedAt,
	}
	copy(snap.Contributions, e.contributions)

	if evict {
		r.evictLocked(e)
	}
	return snap, nil
}

// acquire returns the live entry for code with its lock held.
func (r *Registry) acquire(code string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[code]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	e.mu.Lock()
	if e.evicted {
		e.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	return e, nil
}

func (r *Registry) finishLocked(e *entry) {
	now := r.now()
	e.state = StateFinished
	e.finishedAt = now
	e.updatedAt = now
	r.hub.Publish(e.code, hub.Event{
		Kind:          hub.EventFinished,
		Contributions: len(e.contributions),
		Expected:      e.expected,
		At:            now,
	})
	slog.Info("Session finished", "session_code", e.code, "contributions", len(e.contributions))
}

func (r *Registry) evictLocked(e *entry) {
	e.evicted = true
	r.mu.Lock()
	delete(r.entries, e.code)
	r.mu.Unlock()
	r.hub.Close(e.code)
	slog.Debug("Session evicted", "session_code", e.code)
}
