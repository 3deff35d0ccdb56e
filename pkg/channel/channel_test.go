package channel

import (
	"testing"

	"wirenet/pkg/node"
)

func newPeerAt(l *node.Node, addr string) *node.Node {
	a, _ := node.ParseAddr(addr)
	return node.NewPeer(l, a)
}

func TestAttachDetachEndpoints(t *testing.T) {
	r := NewRegistry()
	c := node.New("game", node.RoleClient, node.Options{})
	l := node.New("game", node.RoleListener, node.Options{})
	r.Attach(c)
	r.Attach(l)

	if got := len(r.Endpoints("game")); got != 2 {
		t.Fatalf("endpoints = %d, want 2", got)
	}
	if got := r.Channels(); len(got) != 1 || got[0] != "game" {
		t.Fatalf("channels = %v", got)
	}

	r.Detach(c)
	eps := r.Endpoints("game")
	if len(eps) != 1 || eps[0].ID() != l.ID() {
		t.Fatalf("endpoints after detach = %v", eps)
	}
	if got := len(r.Endpoints("chat")); got != 0 {
		t.Fatalf("unknown channel returned %d endpoints", got)
	}
}

func TestPeerIndexFollowsListener(t *testing.T) {
	r := NewRegistry()
	l := node.New("game", node.RoleListener, node.Options{})
	r.Attach(l)
	p1 := newPeerAt(l, "tcp://10.0.0.1:1000")
	p2 := newPeerAt(l, "tcp://10.0.0.2:2000")
	r.Attach(p1)
	r.Attach(p2)

	if got := len(r.PeersOf(l.ID(), "game")); got != 2 {
		t.Fatalf("peers = %d, want 2", got)
	}

	r.Detach(p1)
	ps := r.PeersOf(l.ID(), "game")
	if len(ps) != 1 || ps[0].ID() != p2.ID() {
		t.Fatalf("peers after detach = %v", ps)
	}

	// Dropping the listener drops its remaining peer index.
	r.Detach(l)
	if got := len(r.PeersOf(l.ID(), "game")); got != 0 {
		t.Fatalf("peer index survived listener detach: %d", got)
	}
}

func TestSendersAreClientsAndPeers(t *testing.T) {
	r := NewRegistry()
	c := node.New("game", node.RoleClient, node.Options{})
	l := node.New("game", node.RoleListener, node.Options{})
	r.Attach(c)
	r.Attach(l)
	p := newPeerAt(l, "tcp://10.0.0.1:1000")
	r.Attach(p)

	s := r.Senders("game")
	if len(s) != 2 {
		t.Fatalf("senders = %d, want 2", len(s))
	}
	ids := map[uint64]bool{s[0].ID(): true, s[1].ID(): true}
	if !ids[c.ID()] || !ids[p.ID()] {
		t.Fatalf("senders missing client or peer: %v", ids)
	}
}

func TestBroadcastFansToPeersAndSkipsClosed(t *testing.T) {
	r := NewRegistry()
	l := node.New("game", node.RoleListener, node.Options{})
	r.Attach(l)
	p1 := newPeerAt(l, "tcp://10.0.0.1:1000")
	p2 := newPeerAt(l, "tcp://10.0.0.2:2000")
	p3 := newPeerAt(l, "tcp://10.0.0.3:3000")
	r.Attach(p1)
	r.Attach(p2)
	r.Attach(p3)
	p3.Send.Close()

	n := r.Broadcast("game", []byte("tick"))
	if n != 2 {
		t.Fatalf("broadcast reached %d peers, want 2", n)
	}
	for _, p := range []*node.Node{p1, p2} {
		pkt, ok := p.Send.TryRecv()
		if !ok || string(pkt.Bytes) != "tick" {
			t.Fatalf("peer %d did not get the broadcast", p.ID())
		}
	}
	if r.Broadcast("nope", nil) != 0 {
		t.Fatalf("broadcast on unknown channel reached someone")
	}
}

func TestSendGoesThroughClients(t *testing.T) {
	r := NewRegistry()
	c := node.New("game", node.RoleClient, node.Options{})
	l := node.New("game", node.RoleListener, node.Options{})
	r.Attach(c)
	r.Attach(l)

	if err := r.Send("game", []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	pkt, ok := c.Send.TryRecv()
	if !ok || string(pkt.Bytes) != "hello" {
		t.Fatalf("client did not get the packet")
	}
	if _, ok := l.Send.TryRecv(); ok {
		t.Fatalf("stream listener received an unaddressed packet")
	}

	if err := r.Send("missing", nil); err == nil {
		t.Fatalf("send on unknown channel succeeded")
	}
}

func TestSendToMatchesPeerByAddress(t *testing.T) {
	r := NewRegistry()
	l := node.New("game", node.RoleListener, node.Options{})
	r.Attach(l)
	p1 := newPeerAt(l, "tcp://10.0.0.1:1000")
	p2 := newPeerAt(l, "tcp://10.0.0.2:2000")
	r.Attach(p1)
	r.Attach(p2)

	if err := r.SendTo("game", []byte("you"), "tcp://10.0.0.2:2000"); err != nil {
		t.Fatalf("send to: %v", err)
	}
	if _, ok := p1.Send.TryRecv(); ok {
		t.Fatalf("wrong peer received the packet")
	}
	pkt, ok := p2.Send.TryRecv()
	if !ok || string(pkt.Bytes) != "you" {
		t.Fatalf("addressed peer did not get the packet")
	}
}

func TestSendToUnmatchedAddressUsesDatagramListener(t *testing.T) {
	r := NewRegistry()
	l := node.New("game", node.RoleListener, node.Options{})
	la, _ := node.ParseAddr("udp://0.0.0.0:7000")
	l.SetLocalAddr(la)
	r.Attach(l)

	if err := r.SendTo("game", []byte("dgram"), "udp://10.0.0.9:9000"); err != nil {
		t.Fatalf("send to: %v", err)
	}
	pkt, ok := l.Send.TryRecv()
	if !ok || pkt.Addr != "udp://10.0.0.9:9000" {
		t.Fatalf("datagram listener did not get the addressed packet: %+v", pkt)
	}
}

func TestSendTextCarriesTextPayload(t *testing.T) {
	r := NewRegistry()
	c := node.New("chat", node.RoleClient, node.Options{})
	r.Attach(c)

	if err := r.SendText("chat", "hi"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	pkt, ok := c.Send.TryRecv()
	if !ok || pkt.Text != "hi" {
		t.Fatalf("packet = %+v", pkt)
	}
}
