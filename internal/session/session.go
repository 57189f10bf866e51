// Package session holds the coordination core: the registry of live
// recording sessions, the completion policy, and session code generation.
package session

import (
	"bytes"
	"errors"
	"time"
)

var (
	// ErrSessionNotFound means the code has no live registry entry.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNotReady means the session is still accepting contributions.
	ErrNotReady = errors.New("session not finished yet")
	// ErrSessionFinished means a contribution arrived after completion.
	ErrSessionFinished = errors.New("session already finished")
	// ErrResourceExhaustion means no free session code could be drawn.
	ErrResourceExhaustion = errors.New("session code space exhausted")
	// ErrInvalidExpected means a negative expected contributor count.
	ErrInvalidExpected = errors.New("expected contributors must not be negative")
)

// State is the lifecycle position of a session.
type State string

const (
	StateActive   State = "ACTIVE"
	StateFinished State = "FINISHED"
)

// Separator follows every payload in an assembled session buffer.
var Separator = []byte{0x3d, 0x3d, 0x3d, 0x3d, 0x3d}

// Contribution is one guest upload.
type Contribution struct {
	Guest   string        `json:"guest,omitempty"`
	Offset  time.Duration `json:"offset"`
	Master  bool          `json:"master,omitempty"`
	Payload []byte        `json:"-"`
	At      time.Time     `json:"at"`
}

// Progress describes the session right after a contribution was accepted.
type Progress struct {
	Code          string `json:"session_code"`
	Contributions int    `json:"contributions"`
	Expected      int    `json:"expected_contributors"`
	Finished      bool   `json:"finished"`
}

// Status is a payload-free view of a session.
type Status struct {
	Code          string    `json:"session_code"`
	Metadata      string    `json:"metadata"`
	State         State     `json:"state"`
	Contributions int       `json:"contributions"`
	Expected      int       `json:"expected_contributors"`
	Observers     int       `json:"observers"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Snapshot is an immutable copy of a finished session.
type Snapshot struct {
	Code          string
	Metadata      string
	Expected      int
	Contributions []Contribution
	FinishedAt    time.Time
}

// MixInputs returns payloads and start offsets in mix order. The first
// contribution flagged Master leads, since the mix length follows input 0;
// the rest keep arrival order.
func (s *Snapshot) MixInputs() ([][]byte, []time.Duration) {
	order := make([]Contribution, 0, len(s.Contributions))
	lead := -1
	for i, c := range s.Contributions {
		if c.Master {
			lead = i
			order = append(order, c)
			break
		}
	}
	for i, c := range s.Contributions {
		if i != lead {
			order = append(order, c)
		}
	}

	payloads := make([][]byte, len(order))
	offsets := make([]time.Duration, len(order))
	for i, c := range order {
		payloads[i] = c.Payload
		offsets[i] = c.Offset
	}
	return payloads, offsets
}

// Assemble concatenates every payload, each followed by Separator.
func (s *Snapshot) Assemble() []byte {
	size := 0
	for _, c := range s.Contributions {
		size += len(c.Payload) + len(Separator)
	}
	var buf bytes.Buffer
	buf.Grow(size)
	for _, c := range s.Contributions {
		buf.Write(c.Payload)
		buf.Write(Separator)
	}
	return buf.Bytes()
}
