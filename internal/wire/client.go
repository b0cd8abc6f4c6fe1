package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"
)

// DefaultTimeout bounds a single call when Options.Timeout is zero.
const DefaultTimeout = 5 * time.Second

// DefaultMaxResponse caps a response when Options.MaxResponse is zero.
const DefaultMaxResponse = 4 << 20

// Options configures a Client.
type Options struct {
	// Timeout bounds dial, write and read-until-close of one call.
	// Zero means DefaultTimeout; negative disables the deadline.
	Timeout time.Duration
	// MaxResponse is the largest response, head and body, a call accepts.
	MaxResponse int64
}

// Client talks to the worker. Every call opens a fresh connection, writes
// one request and reads until the worker closes the connection.
type Client struct {
	ep      Endpoint
	timeout time.Duration
	max     int64
	dialer  net.Dialer
}

// NewClient returns a client for ep.
func NewClient(ep Endpoint, opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	limit := opts.MaxResponse
	if limit <= 0 {
		limit = DefaultMaxResponse
	}
	return &Client{ep: ep, timeout: timeout, max: limit}
}

// Endpoint returns the address the client dials.
func (c *Client) Endpoint() Endpoint { return c.ep }

// Do performs one round trip.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	conn, err := c.dialer.DialContext(ctx, c.ep.Network, c.ep.Address)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %w: %s: %v", ErrConnect, ErrTimeout, c.ep, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, c.ep, err)
	}
	defer func() { _ = conn.Close() }()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// Unblock pending I/O when the caller cancels.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := conn.Write(req.Encode()); err != nil {
		return nil, c.ioError(ctx, "write", err)
	}
	raw, err := io.ReadAll(io.LimitReader(conn, c.max+1))
	if err != nil {
		return nil, c.ioError(ctx, "read", err)
	}
	if int64(len(raw)) > c.max {
		return nil, fmt.Errorf("%w: %s %s: response exceeds %d bytes", ErrProtocol, req.Method, req.Path, c.max)
	}
	resp, err := DecodeResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	return resp, nil
}

func (c *Client) ioError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s", ErrTimeout, op, c.ep)
		}
		return fmt.Errorf("%s %s: %w", op, c.ep, ctxErr)
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %s %s", ErrTimeout, op, c.ep)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrProtocol, op, c.ep, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Call sends a JSON body (when payload is non-nil) and returns the response
// body. Non-2xx responses yield *StatusError. When expectPayload is set the
// body must be valid JSON; an empty body reads as "{}".
func (c *Client) Call(ctx context.Context, method, path string, payload any, expectPayload bool) ([]byte, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = b
	}
	resp, err := c.Do(ctx, NewRequest(method, path, c.ep.Host(), body))
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status, Body: resp.Body}
	}
	out := bytes.TrimSpace(resp.Body)
	if len(out) == 0 {
		return []byte("{}"), nil
	}
	if expectPayload && !json.Valid(out) {
		return nil, fmt.Errorf("%w: %s %s: response body is not valid JSON", ErrProtocol, method, path)
	}
	return out, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.Call(ctx, http.MethodGet, "/health", nil, true)
	return err
}

// Status calls GET /status and returns the raw JSON payload.
func (c *Client) Status(ctx context.Context) ([]byte, error) {
	return c.Call(ctx, http.MethodGet, "/status", nil, true)
}

// Input calls POST /input with {"input": text}.
func (c *Client) Input(ctx context.Context, text string) ([]byte, error) {
	return c.Call(ctx, http.MethodPost, "/input", map[string]string{"input": text}, true)
}

// Stop calls POST /stop. The response content is not inspected.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.Call(ctx, http.MethodPost, "/stop", nil, false)
	return err
}
