package hub

import (
	"encoding/json"
	"time"
)

// EventKind names the lifecycle notices a session emits.
type EventKind string

const (
	// EventContribution is published once per accepted guest upload.
	EventContribution EventKind = "contribution"
	// EventFinished is the terminal sentinel; no event follows it.
	EventFinished EventKind = "finished"
)

// Event is a single notification delivered to session observers.
type Event struct {
	Kind          EventKind `json:"kind"`
	Code          string    `json:"session_code"`
	Contributions int       `json:"contributions"`
	Expected      int       `json:"expected_contributors"`
	Guest         string    `json:"guest,omitempty"`
	At            time.Time `json:"at"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventFinished
}

// MarshalSSE renders the event as one Server-Sent Events frame.
func (e Event) MarshalSSE() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+len(e.Kind)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, e.Kind...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}
