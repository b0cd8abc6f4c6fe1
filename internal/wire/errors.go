package wire

import (
	"errors"
	"fmt"
)

// Transport failures. Callers match them with errors.Is; the returned
// errors carry the endpoint and the underlying cause.
var (
	ErrConnect   = errors.New("worker connect failed")
	ErrProtocol  = errors.New("worker protocol error")
	ErrUnhealthy = errors.New("worker unhealthy")
	ErrTimeout   = errors.New("worker call timed out")
)

// StatusError reports a response whose status code is outside 2xx.
// It matches ErrUnhealthy.
type StatusError struct {
	Code   int
	Status string
	Body   []byte
}

func (e *StatusError) Error() string {
	body := string(e.Body)
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s: status %d", ErrUnhealthy, e.Code)
	}
	return fmt.Sprintf("%s: status %d: %s", ErrUnhealthy, e.Code, body)
}

func (e *StatusError) Is(target error) bool { return target == ErrUnhealthy }
