// Package events defines what the supervisor publishes to its observer and
// the sinks that deliver it.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Stream names one outbound event channel.
type Stream string

const (
	StreamStatus    Stream = "status"
	StreamInput     Stream = "input-result"
	StreamError     Stream = "error"
	StreamLifecycle Stream = "lifecycle"
)

// Payload is the decoded worker body. Every field is optional; missing
// fields stay at their zero value.
type Payload struct {
	Type      string  `json:"type,omitempty"`
	Status    string  `json:"status,omitempty"`
	Message   string  `json:"message,omitempty"`
	Input     string  `json:"input,omitempty"`
	Output    string  `json:"output,omitempty"`
	Count     int64   `json:"count,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Time converts Timestamp (fractional unix seconds) to a time.Time.
func (p Payload) Time() time.Time {
	if p.Timestamp == 0 {
		return time.Time{}
	}
	sec := int64(p.Timestamp)
	nsec := int64((p.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Decode parses a worker body. An empty body yields the zero Payload.
func Decode(raw []byte) (Payload, error) {
	var p Payload
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode worker payload: %w", err)
	}
	return p, nil
}

// Event is one published item.
type Event struct {
	Stream     Stream          `json:"stream"`
	RunID      string          `json:"run_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    Payload         `json:"payload"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// New builds an event stamped with the current time.
func New(stream Stream, runID string, p Payload) Event {
	return Event{Stream: stream, RunID: runID, OccurredAt: time.Now().UTC(), Payload: p}
}

// Failure builds an error-stream event for err.
func Failure(runID, op string, err error) Event {
	e := New(StreamError, runID, Payload{Type: op})
	if err != nil {
		e.Error = err.Error()
		e.Payload.Error = err.Error()
	}
	return e
}
