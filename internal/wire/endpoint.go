package wire

import (
	"fmt"
	"net"
	"strings"
)

// Endpoint is a local transport address: a unix socket path or a loopback
// TCP host:port.
type Endpoint struct {
	Network string // "unix" or "tcp"
	Address string
}

// ParseEndpoint accepts unix:///path, unix:/path, /path, tcp://host:port and
// host:port.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Endpoint{}, fmt.Errorf("empty endpoint")
	case strings.HasPrefix(s, "unix://"):
		return unixEndpoint(strings.TrimPrefix(s, "unix://"), s)
	case strings.HasPrefix(s, "unix:"):
		return unixEndpoint(strings.TrimPrefix(s, "unix:"), s)
	case strings.HasPrefix(s, "tcp://"):
		return tcpEndpoint(strings.TrimPrefix(s, "tcp://"), s)
	case strings.HasPrefix(s, "/") || strings.HasPrefix(s, "./") || strings.HasPrefix(s, "@"):
		return unixEndpoint(s, s)
	default:
		return tcpEndpoint(s, s)
	}
}

func unixEndpoint(path, raw string) (Endpoint, error) {
	if path == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: empty socket path", raw)
	}
	return Endpoint{Network: "unix", Address: path}, nil
}

func tcpEndpoint(addr, raw string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	if port == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: missing port", raw)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return Endpoint{Network: "tcp", Address: net.JoinHostPort(host, port)}, nil
}

// IsUnix reports whether the endpoint is a filesystem socket.
func (e Endpoint) IsUnix() bool { return e.Network == "unix" }

// IsLoopback reports whether a TCP endpoint points at the local host.
// Unix endpoints are always local.
func (e Endpoint) IsLoopback() bool {
	if e.IsUnix() {
		return true
	}
	host, _, err := net.SplitHostPort(e.Address)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Host is the value sent in the Host request header.
func (e Endpoint) Host() string {
	if e.IsUnix() {
		return "localhost"
	}
	return e.Address
}

func (e Endpoint) String() string {
	if e.Network == "" {
		return ""
	}
	return e.Network + "://" + e.Address
}
