// Package node defines the unit of network identity: one managed socket
// (listener, connector, or accepted peer) together with its queues,
// shutdown signal, and lifecycle event stream.
package node

import (
	"net"
	"sync"
	"sync/atomic"

	"wirenet/pkg/queue"
)

// Role distinguishes how a node came to exist. Accepted peers are torn
// down on disconnect; client nodes follow the reconnect policy.
type Role int

const (
	RoleClient Role = iota
	RoleListener
	RolePeer
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RolePeer:
		return "peer"
	default:
		return "client"
	}
}

// EventType enumerates lifecycle notifications from a node's I/O tasks.
type EventType int

const (
	EventListening EventType = iota
	EventConnected
	EventDisconnected
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventListening:
		return "listening"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return "error"
	}
}

// Event is one lifecycle notification. Err is set only for EventError.
type Event struct {
	Type EventType
	Err  *Error
}

// RawPacket is an immutable byte payload plus its source or destination
// address. Text is the pre-rendered variant for text-framed transports;
// when set, text-capable transports send it instead of Bytes.
type RawPacket struct {
	Addr  string
	Bytes []byte
	Text  string
}

// MulticastV4 configures an IPv4 multicast group join at bind time.
type MulticastV4 struct {
	Group     net.IP
	Interface string // interface name, empty for the system default
}

// MulticastV6 configures an IPv6 multicast group join at bind time.
type MulticastV6 struct {
	Group     net.IP
	Interface string
}

// Options are per-node settings fixed at creation time.
type Options struct {
	// MaxPacketSize bounds a single datagram or stream read.
	MaxPacketSize int
	// Broadcast enables SO_BROADCAST on UDP sockets at bind time.
	Broadcast bool
	MulticastV4 *MulticastV4
	MulticastV6 *MulticastV6
}

// DefaultMaxPacketSize is the largest safe UDP payload.
const DefaultMaxPacketSize = 65507

var nextID atomic.Uint64

// Node owns exactly one socket and bridges it to queues. All queue
// operations on the consumer side are non-blocking; the I/O goroutines
// spawned by a transport race against the shutdown signal.
type Node struct {
	id      uint64
	channel string
	role    Role

	// Send carries outbound packets to the writer goroutine; Recv
	// carries inbound packets to the consumer; Events carries
	// lifecycle notifications.
	Send   *queue.Queue[RawPacket]
	Recv   *queue.Queue[RawPacket]
	Events *queue.Queue[Event]

	// Accepted delivers child peer nodes produced by a listener's
	// accept loop. Nil for non-listener roles.
	Accepted *queue.Queue[*Node]

	opts Options

	running atomic.Bool

	// localAddr is written once by the binding phase, remoteAddr once
	// by the connecting/accepting phase; both read-only afterwards.
	mu         sync.RWMutex
	localAddr  Addr
	remoteAddr Addr

	shutdownMu sync.Mutex
	shutdown   chan struct{}

	// parentID links an accepted peer back to its listener; zero for
	// client and listener roles.
	parentID uint64
}

// New creates a node for the given channel and role.
func New(channel string, role Role, opts Options) *Node {
	if opts.MaxPacketSize <= 0 {
		opts.MaxPacketSize = DefaultMaxPacketSize
	}
	n := &Node{
		id:       nextID.Add(1),
		channel:  channel,
		role:     role,
		Send:     queue.New[RawPacket](),
		Recv:     queue.New[RawPacket](),
		Events:   queue.New[Event](),
		opts:     opts,
		shutdown: make(chan struct{}),
	}
	if role == RoleListener {
		n.Accepted = queue.New[*Node]()
	}
	return n
}

// NewPeer creates an accepted-peer node parented under listener. The
// peer shares the listener's channel and inherits its packet bound, but
// owns its own send and event queues. Inbound data is funneled into the
// listener's receive queue so the host drains one queue per endpoint,
// matching the server fan-in model.
func NewPeer(listener *Node, remote Addr) *Node {
	p := &Node{
		id:       nextID.Add(1),
		channel:  listener.channel,
		role:     RolePeer,
		Send:     queue.New[RawPacket](),
		Recv:     listener.Recv,
		Events:   queue.New[Event](),
		opts:     listener.opts,
		shutdown: make(chan struct{}),
		parentID: listener.id,
	}
	p.remoteAddr = remote
	return p
}

func (n *Node) ID() uint64      { return n.id }
func (n *Node) Channel() string { return n.channel }
func (n *Node) Role() Role      { return n.role }
func (n *Node) Options() Options { return n.opts }

// ParentID returns the owning listener's id for peer-role nodes.
func (n *Node) ParentID() uint64 { return n.parentID }

// MaxPacketSize bounds one datagram or stream read for this node.
func (n *Node) MaxPacketSize() int { return n.opts.MaxPacketSize }

// Running reports whether the node's I/O tasks are live.
func (n *Node) Running() bool { return n.running.Load() }

// Start marks the node running. Called by the lifecycle manager on
// Listening/Connected events.
func (n *Node) Start() { n.running.Store(true) }

// Stop marks the node stopped.
func (n *Node) Stop() { n.running.Store(false) }

// LocalAddr returns the bound address, zero until the bind phase wrote it.
func (n *Node) LocalAddr() Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.localAddr
}

// SetLocalAddr records the bound address. Written once by the bind phase.
func (n *Node) SetLocalAddr(a Addr) {
	n.mu.Lock()
	n.localAddr = a
	n.mu.Unlock()
}

// RemoteAddr returns the peer address, zero for listeners.
func (n *Node) RemoteAddr() Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.remoteAddr
}

// SetRemoteAddr records the resolved peer address.
func (n *Node) SetRemoteAddr(a Addr) {
	n.mu.Lock()
	n.remoteAddr = a
	n.mu.Unlock()
}

// Shutdown returns the cancellation channel shared by all of this
// node's I/O goroutines.
func (n *Node) Shutdown() <-chan struct{} {
	n.shutdownMu.Lock()
	defer n.shutdownMu.Unlock()
	return n.shutdown
}

// Close fires the shutdown signal and closes the node's queues. Safe to
// call more than once.
func (n *Node) Close() {
	n.shutdownMu.Lock()
	select {
	case <-n.shutdown:
		n.shutdownMu.Unlock()
		return
	default:
	}
	close(n.shutdown)
	n.shutdownMu.Unlock()
	n.running.Store(false)
	n.Send.Close()
	if n.role != RolePeer {
		n.Recv.Close()
	}
	n.Events.Close()
	if n.Accepted != nil {
		n.Accepted.Close()
	}
}

// ResetForRetry re-arms the shutdown signal so a fresh dial can reuse
// the node's queues. Only the lifecycle manager calls this, from the
// single-threaded poll, for client-role nodes between attempts.
func (n *Node) ResetForRetry() {
	n.shutdownMu.Lock()
	select {
	case <-n.shutdown:
		n.shutdown = make(chan struct{})
	default:
	}
	n.shutdownMu.Unlock()
}

// SendBytesTo enqueues bytes for addr on the send queue. Never blocks;
// a closed queue is reported through the event queue instead.
func (n *Node) SendBytesTo(b []byte, addr string) {
	p := RawPacket{Addr: addr, Bytes: b}
	if err := n.Send.TrySend(p); err != nil {
		n.ReportError(KindSend, err)
	}
}

// SendTextTo enqueues a text payload for text-framed transports.
func (n *Node) SendTextTo(text string, addr string) {
	p := RawPacket{Addr: addr, Text: text}
	if err := n.Send.TrySend(p); err != nil {
		n.ReportError(KindSend, err)
	}
}

// TryRecv polls one inbound packet without blocking.
func (n *Node) TryRecv() (RawPacket, bool) { return n.Recv.TryRecv() }

// Emit publishes a lifecycle event. Drops silently if the event queue
// is already torn down, as events after close are unobservable anyway.
func (n *Node) Emit(t EventType) {
	_ = n.Events.TrySend(Event{Type: t})
}

// ReportError publishes an Error lifecycle event.
func (n *Node) ReportError(kind ErrorKind, err error) {
	_ = n.Events.TrySend(Event{Type: EventError, Err: NewError(kind, err)})
}
