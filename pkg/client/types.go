package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// State mirrors GET /state.
type State struct {
	Phase         string        `json:"phase"`
	RunID         string        `json:"run_id,omitempty"`
	PID           int           `json:"pid,omitempty"`
	StartedAt     time.Time     `json:"started_at,omitzero"`
	LastActivity  time.Time     `json:"last_activity,omitzero"`
	IdleRemaining time.Duration `json:"idle_remaining,omitempty"`
}

// Payload is a decoded worker reply.
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

// Event is one item from GET /events.
type Event struct {
	Stream     string          `json:"stream"`
	RunID      string          `json:"run_id,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    Payload         `json:"payload"`
	Raw        json.RawMessage `json:"raw,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// JournalRecord is one row from GET /journal.
type JournalRecord struct {
	OccurredAt time.Time `json:"occurred_at"`
	Stream     string    `json:"stream"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	Message    string    `json:"message"`
	Count      int64     `json:"count"`
	Error      string    `json:"error,omitempty"`
	Raw        string    `json:"raw,omitempty"`
}

// InputRequest is the body of POST /input.
type InputRequest struct {
	Input string `json:"input"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-200 responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}
