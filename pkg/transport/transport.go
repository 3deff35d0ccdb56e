// Package transport defines the protocol-neutral transport contract and
// the scheme registry. Implementations (udp, tcp, ws, quic) bind or
// dial a socket for a node and spawn its I/O goroutines: an accept or
// receive loop, a read loop, a write loop, and a shutdown waiter, all
// racing against the node's shutdown channel.
package transport

import (
	"context"
	"fmt"
	"sync"

	"wirenet/pkg/node"
)

// Transport binds listeners and dials connections for one or more URL
// schemes. Both calls return quickly after spawning the node's I/O
// goroutines; outcomes are reported through the node's event queue
// (Listening/Connected on success, Error otherwise). The returned error
// covers only immediate misuse (nil node, bad scheme).
type Transport interface {
	// Schemes lists the address schemes this transport serves.
	Schemes() []string
	// Listen binds n.LocalAddr and starts the accept/receive machinery.
	Listen(ctx context.Context, n *node.Node) error
	// Dial connects to n.RemoteAddr and starts the read/write loops.
	Dial(ctx context.Context, n *node.Node) error
}

// Registry maps schemes to transports. Writes happen at setup time,
// lookups during steady-state dispatch.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Transport
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Transport)}
}

// Register installs t for every scheme it serves. Last registration for
// a scheme wins.
func (r *Registry) Register(t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range t.Schemes() {
		r.m[s] = t
	}
}

// Lookup resolves the transport for a scheme.
func (r *Registry) Lookup(scheme string) (Transport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.m[scheme]
	if !ok {
		return nil, fmt.Errorf("no transport registered for scheme %q", scheme)
	}
	return t, nil
}
