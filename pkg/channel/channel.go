// Package channel groups nodes under named channels for fan-out
// addressing. Membership is fixed at node creation. Listeners own their
// accepted peers through an id index rather than back-references; the
// tree is depth one, peers are never grandchildren.
package channel

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"wirenet/pkg/node"
)

// Registry is the channel router. Attach/Detach happen on the host's
// poll goroutine; lookups may happen anywhere.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*group
}

type group struct {
	// endpoints holds client and listener nodes by id.
	endpoints map[uint64]*node.Node
	// peers indexes accepted peers by their parent listener's id.
	peers map[uint64]map[uint64]*node.Node
}

// NewRegistry returns an empty router.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]*group)}
}

func (r *Registry) group(name string) *group {
	g, ok := r.channels[name]
	if !ok {
		g = &group{
			endpoints: make(map[uint64]*node.Node),
			peers:     make(map[uint64]map[uint64]*node.Node),
		}
		r.channels[name] = g
	}
	return g
}

// Attach adds a node to the channel named by the node itself. Peer
// nodes are indexed under their parent listener.
func (r *Registry) Attach(n *node.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g := r.group(n.Channel())
	if n.Role() == node.RolePeer {
		set, ok := g.peers[n.ParentID()]
		if !ok {
			set = make(map[uint64]*node.Node)
			g.peers[n.ParentID()] = set
		}
		set[n.ID()] = n
		return
	}
	g.endpoints[n.ID()] = n
}

// Detach removes a node. Detaching a listener also drops its peer index
// (the peers themselves are closed by the lifecycle manager).
func (r *Registry) Detach(n *node.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.channels[n.Channel()]
	if !ok {
		return
	}
	if n.Role() == node.RolePeer {
		if set, ok := g.peers[n.ParentID()]; ok {
			delete(set, n.ID())
			if len(set) == 0 {
				delete(g.peers, n.ParentID())
			}
		}
		return
	}
	delete(g.endpoints, n.ID())
	delete(g.peers, n.ID())
}

// Endpoints returns the channel's client and listener nodes, sorted by
// id for deterministic iteration.
func (r *Registry) Endpoints(name string) []*node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.channels[name]
	if !ok {
		return nil
	}
	out := make([]*node.Node, 0, len(g.endpoints))
	for _, n := range g.endpoints {
		out = append(out, n)
	}
	sortNodes(out)
	return out
}

// Senders returns every node in the channel holding a remote end:
// client nodes plus all accepted peers. These are the encode fan-out
// targets.
func (r *Registry) Senders(name string) []*node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.channels[name]
	if !ok {
		return nil
	}
	var out []*node.Node
	for _, n := range g.endpoints {
		if n.Role() == node.RoleClient {
			out = append(out, n)
		}
	}
	for _, set := range g.peers {
		for _, n := range set {
			out = append(out, n)
		}
	}
	sortNodes(out)
	return out
}

// PeersOf returns the peers attached to one listener.
func (r *Registry) PeersOf(listenerID uint64, name string) []*node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.channels[name]
	if !ok {
		return nil
	}
	var out []*node.Node
	for _, n := range g.peers[listenerID] {
		out = append(out, n)
	}
	sortNodes(out)
	return out
}

// Broadcast fans bytes to every attached peer of every listener in the
// channel. Peers whose send queue is closed are skipped, never fatal.
// Returns the number of enqueued sends.
func (r *Registry) Broadcast(name string, bytes []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.channels[name]
	if !ok {
		return 0
	}
	sent := 0
	for _, set := range g.peers {
		for _, p := range set {
			if p.Send.Closed() {
				continue
			}
			if err := p.Send.TrySend(node.RawPacket{Bytes: bytes}); err == nil {
				sent++
			}
		}
	}
	zap.L().Debug("broadcast", zap.String("channel", name), zap.Int("peers", sent), zap.Int("bytes", len(bytes)))
	return sent
}

// Send unicasts bytes through the channel's client nodes.
func (r *Registry) Send(name string, bytes []byte) error {
	return r.send(name, node.RawPacket{Bytes: bytes})
}

// SendText unicasts a pre-rendered text payload for text-framed
// transports.
func (r *Registry) SendText(name, text string) error {
	return r.send(name, node.RawPacket{Text: text})
}

// SendTo sends bytes to an explicit destination address. A peer whose
// remote address matches gets the packet on its own send queue (stream
// transports); otherwise the packet goes through the channel's
// endpoints and datagram transports resolve the address per packet.
func (r *Registry) SendTo(name string, bytes []byte, addr string) error {
	return r.send(name, node.RawPacket{Bytes: bytes, Addr: addr})
}

func (r *Registry) send(name string, p node.RawPacket) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.channels[name]
	if !ok {
		return fmt.Errorf("unknown channel %q", name)
	}
	sent := 0
	if p.Addr != "" {
		for _, set := range g.peers {
			for _, pe := range set {
				if pe.RemoteAddr().String() != p.Addr || pe.Send.Closed() {
					continue
				}
				if err := pe.Send.TrySend(p); err == nil {
					sent++
				}
			}
		}
		if sent > 0 {
			return nil
		}
	}
	for _, n := range g.endpoints {
		if n.Role() != node.RoleClient {
			// Listeners can only send datagrams addressed per packet.
			if p.Addr == "" || n.LocalAddr().Scheme != "udp" {
				continue
			}
		}
		if n.Send.Closed() {
			continue
		}
		if err := n.Send.TrySend(p); err == nil {
			sent++
		}
	}
	if sent == 0 {
		return fmt.Errorf("channel %q has no sendable node", name)
	}
	return nil
}

// AllEndpoints returns every client and listener node across all
// channels, sorted by id. The poll loop uses it to drain listener
// accept queues.
func (r *Registry) AllEndpoints() []*node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*node.Node
	for _, g := range r.channels {
		for _, n := range g.endpoints {
			out = append(out, n)
		}
	}
	sortNodes(out)
	return out
}

// Channels lists registered channel names, sorted.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func sortNodes(ns []*node.Node) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].ID() < ns[j].ID() })
}
