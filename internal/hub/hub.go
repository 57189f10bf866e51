// Package hub fans session lifecycle events out to observers.
//
// Every session code owns one topic. Each subscriber gets a bounded buffer;
// a subscriber that cannot keep up is disconnected with ErrCapacityExceeded
// instead of stalling the publisher or silently losing the finished sentinel.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTopicNotFound is returned when subscribing to a code with no open topic.
	ErrTopicNotFound = errors.New("topic not found")
	// ErrCapacityExceeded is reported by a subscription that was dropped
	// because its buffer filled up.
	ErrCapacityExceeded = errors.New("subscriber buffer capacity exceeded")
	// ErrTopicClosed is reported by a subscription whose topic was closed
	// before it delivered a finished event.
	ErrTopicClosed = errors.New("topic closed before finishing")
)

// DefaultBufferSize is the per-subscriber event buffer used when none is configured.
const DefaultBufferSize = 16

// Hub is a set of per-session multicast topics.
type Hub struct {
	mu         sync.Mutex
	topics     map[string]*topic
	bufferSize int
}

type topic struct {
	subs     map[string]*Subscription
	finished *Event
}

// Subscription is one observer's view of a topic.
type Subscription struct {
	ID   string
	Code string

	hub  *Hub
	ch   chan Event
	once sync.Once

	mu  sync.Mutex
	err error
}

// New creates a hub whose subscribers buffer up to bufferSize events.
func New(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		topics:     make(map[string]*topic),
		bufferSize: bufferSize,
	}
}

// Open provisions the topic for code. Opening an existing topic is a no-op.
func (h *Hub) Open(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topics[code]; !ok {
		h.topics[code] = &topic{subs: make(map[string]*Subscription)}
	}
}

// Close drops the topic. Subscriptions still attached never saw a finished
// event, so they end with ErrTopicClosed.
func (h *Hub) Close(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[code]
	if !ok {
		return
	}
	for id, sub := range t.subs {
		delete(t.subs, id)
		sub.fail(ErrTopicClosed)
	}
	delete(h.topics, code)
}

// Subscribe registers a new observer of code. If the topic already delivered
// its finished event, the returned subscription replays that event and ends.
func (h *Hub) Subscribe(code string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[code]
	if !ok {
		return nil, ErrTopicNotFound
	}

	sub := &Subscription{
		ID:   uuid.NewString(),
		Code: code,
		hub:  h,
		ch:   make(chan Event, h.bufferSize),
	}

	if t.finished != nil {
		sub.ch <- *t.finished
		sub.closeChannel()
		return sub, nil
	}

	t.subs[sub.ID] = sub
	slog.Debug("Observer subscribed", "session_code", code, "subscriber", sub.ID, "observers", len(t.subs))
	return sub, nil
}

// Publish delivers ev to every current subscriber of code without blocking.
// Publishing to an unknown topic is a no-op and returns false.
func (h *Hub) Publish(code string, ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Code == "" {
		ev.Code = code
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[code]
	if !ok || t.finished != nil {
		return false
	}

	for id, sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(t.subs, id)
			sub.fail(ErrCapacityExceeded)
			slog.Warn("Disconnected slow observer", "session_code", code, "subscriber", id, "buffer", h.bufferSize)
		}
	}

	if ev.Terminal() {
		t.finished = &ev
		for id, sub := range t.subs {
			delete(t.subs, id)
			sub.closeChannel()
		}
	}
	return true
}

// Subscribers returns the number of live subscribers on code.
func (h *Hub) Subscribers(code string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[code]; ok {
		return len(t.subs)
	}
	return 0
}

// Topics returns the number of open topics.
func (h *Hub) Topics() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[sub.Code]; ok {
		if _, live := t.subs[sub.ID]; live {
			delete(t.subs, sub.ID)
			slog.Debug("Observer unsubscribed", "session_code", sub.Code, "subscriber", sub.ID)
		}
	}
	sub.closeChannel()
}

// Events returns the receive side of the subscription. The channel is closed
// after the finished event, on Close, on topic close, or on disconnect.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Err reports why the stream ended early, or nil.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.closeChannel()
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}
