package wire

import (
	"bytes"
	"fmt"
	"io"
	"net/http/httputil"
	"strconv"
	"strings"
)

// Version is the protocol version written on every request line.
const Version = "HTTP/1.1"

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Header keeps fields in insertion order. Name lookups are case-insensitive.
type Header []Field

// Get returns the first value for name, or "".
func (h Header) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Add appends a field.
func (h *Header) Add(name, value string) {
	*h = append(*h, Field{Name: name, Value: value})
}

// Request is one protocol request.
type Request struct {
	Method string
	Path   string
	Header Header
	Body   []byte
}

// NewRequest builds a request with the header set in the order the worker
// expects: Host, Content-Type and Content-Length (only with a body), then
// Connection: close.
func NewRequest(method, path, host string, body []byte) *Request {
	r := &Request{Method: method, Path: path, Body: body}
	r.Header.Add("Host", host)
	if len(body) > 0 {
		r.Header.Add("Content-Type", "application/json")
		r.Header.Add("Content-Length", strconv.Itoa(len(body)))
	}
	r.Header.Add("Connection", "close")
	return r
}

// Encode renders the request as wire bytes.
func (r *Request) Encode() []byte {
	var b bytes.Buffer
	b.Grow(64 + len(r.Body))
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(r.Path)
	b.WriteByte(' ')
	b.WriteString(Version)
	b.WriteString("\r\n")
	for _, f := range r.Header {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(r.Body)
	return b.Bytes()
}

// Response is one decoded protocol response.
type Response struct {
	StatusCode int
	Status     string
	Header     Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// DecodeResponse parses everything the peer wrote before closing the
// connection. The body is whatever follows the first blank line.
func DecodeResponse(raw []byte) (*Response, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: connection closed without response", ErrProtocol)
	}
	head, body, ok := splitHead(raw)
	if !ok {
		return nil, fmt.Errorf("%w: connection closed before end of headers", ErrProtocol)
	}
	lines := strings.Split(string(head), "\n")
	resp := &Response{}
	if err := parseStatusLine(strings.TrimRight(lines[0], "\r"), resp); err != nil {
		return nil, err
	}
	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			return nil, fmt.Errorf("%w: malformed header line %q", ErrProtocol, line)
		}
		resp.Header.Add(strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]))
	}
	if strings.EqualFold(resp.Header.Get("Transfer-Encoding"), "chunked") {
		decoded, err := io.ReadAll(httputil.NewChunkedReader(bytes.NewReader(body)))
		if err != nil {
			return nil, fmt.Errorf("%w: chunked body: %v", ErrProtocol, err)
		}
		body = decoded
	}
	resp.Body = body
	return resp, nil
}

// splitHead finds the header/body delimiter. Some servers terminate lines
// with a bare LF, so "\n\n" is accepted when no CRLF pair is present.
func splitHead(raw []byte) (head, body []byte, ok bool) {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i], raw[i+4:], true
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i], raw[i+2:], true
	}
	return nil, nil, false
}

func parseStatusLine(line string, resp *Response) error {
	proto, rest, found := strings.Cut(line, " ")
	if !found || !strings.HasPrefix(proto, "HTTP/") {
		return fmt.Errorf("%w: invalid status line %q", ErrProtocol, line)
	}
	code, reason, _ := strings.Cut(rest, " ")
	if len(code) != 3 {
		return fmt.Errorf("%w: invalid status code in %q", ErrProtocol, line)
	}
	n, err := strconv.Atoi(code)
	if err != nil || n < 100 {
		return fmt.Errorf("%w: invalid status code in %q", ErrProtocol, line)
	}
	resp.StatusCode = n
	resp.Status = strings.TrimSpace(reason)
	return nil
}
