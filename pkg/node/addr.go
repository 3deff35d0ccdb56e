package node

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Addr is a parsed transport address of the form scheme://host:port.
type Addr struct {
	Scheme string
	Host   string
	Port   string
	// Path is kept for websocket endpoints (e.g. ws://host:port/live).
	Path string
}

// ParseAddr parses scheme://host:port[/path] and validates the scheme.
func ParseAddr(raw string) (Addr, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", raw, err)
	}
	switch u.Scheme {
	case "udp", "tcp", "ws", "wss", "quic":
	default:
		return Addr{}, fmt.Errorf("unsupported scheme %q in %q", u.Scheme, raw)
	}
	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Addr{}, fmt.Errorf("address %q: %w", raw, err)
	}
	return Addr{Scheme: u.Scheme, Host: host, Port: port, Path: u.Path}, nil
}

// HostPort returns the host:port part.
func (a Addr) HostPort() string { return net.JoinHostPort(a.Host, a.Port) }

// String renders the address back to scheme://host:port[/path] form.
func (a Addr) String() string {
	var b strings.Builder
	b.WriteString(a.Scheme)
	b.WriteString("://")
	b.WriteString(a.HostPort())
	b.WriteString(a.Path)
	return b.String()
}

// IsZero reports whether the address is unset.
func (a Addr) IsZero() bool { return a.Scheme == "" && a.Host == "" && a.Port == "" }
