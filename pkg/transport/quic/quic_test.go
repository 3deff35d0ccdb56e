package quic

import (
	"bytes"
	"context"
	"testing"
	"time"

	"wirenet/pkg/node"
	"wirenet/pkg/queue"
)

const waitTick = 5 * time.Millisecond

func waitEvent(t *testing.T, n *node.Node, want node.EventType) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := n.Events.TryRecv(); ok {
			if ev.Type == want {
				return
			}
			if ev.Type == node.EventError {
				t.Fatalf("waiting for %v, got error: %v", want, ev.Err)
			}
			continue
		}
		time.Sleep(waitTick)
	}
	t.Fatalf("no %v event", want)
}

func waitPacket(t *testing.T, q *queue.Queue[node.RawPacket]) node.RawPacket {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := q.TryRecv(); ok {
			return p
		}
		time.Sleep(waitTick)
	}
	t.Fatalf("no packet")
	return node.RawPacket{}
}

func TestEchoOverLoopback(t *testing.T) {
	tr := New()
	l := node.New("game", node.RoleListener, node.Options{})
	a, _ := node.ParseAddr("quic://127.0.0.1:0")
	l.SetLocalAddr(a)
	if err := tr.Listen(context.Background(), l); err != nil {
		t.Fatalf("listen: %v", err)
	}
	waitEvent(t, l, node.EventListening)
	t.Cleanup(l.Close)

	c := node.New("game", node.RoleClient, node.Options{})
	ra, _ := node.ParseAddr("quic://" + l.LocalAddr().HostPort())
	c.SetRemoteAddr(ra)
	if err := tr.Dial(context.Background(), c); err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitEvent(t, c, node.EventConnected)
	t.Cleanup(c.Close)

	// The stream surfaces server-side only once the first frame
	// arrives, so send before waiting for the accepted peer.
	payload := bytes.Repeat([]byte("q"), 1000)
	c.SendBytesTo(payload, "")

	var peer *node.Node
	deadline := time.Now().Add(5 * time.Second)
	for peer == nil && time.Now().Before(deadline) {
		if p, ok := l.Accepted.TryRecv(); ok {
			peer = p
			break
		}
		time.Sleep(waitTick)
	}
	if peer == nil {
		t.Fatalf("no accepted peer")
	}
	waitEvent(t, peer, node.EventConnected)

	in := waitPacket(t, l.Recv)
	if !bytes.Equal(in.Bytes, payload) {
		t.Fatalf("server got %d bytes, want %d", len(in.Bytes), len(payload))
	}

	peer.SendBytesTo([]byte("ack"), "")
	out := waitPacket(t, c.Recv)
	if string(out.Bytes) != "ack" {
		t.Fatalf("client got %q", out.Bytes)
	}
}

func TestFramesPreserveBoundaries(t *testing.T) {
	tr := New()
	l := node.New("game", node.RoleListener, node.Options{})
	a, _ := node.ParseAddr("quic://127.0.0.1:0")
	l.SetLocalAddr(a)
	if err := tr.Listen(context.Background(), l); err != nil {
		t.Fatalf("listen: %v", err)
	}
	waitEvent(t, l, node.EventListening)
	t.Cleanup(l.Close)

	c := node.New("game", node.RoleClient, node.Options{})
	ra, _ := node.ParseAddr("quic://" + l.LocalAddr().HostPort())
	c.SetRemoteAddr(ra)
	if err := tr.Dial(context.Background(), c); err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitEvent(t, c, node.EventConnected)
	t.Cleanup(c.Close)

	msgs := []string{"one", "twotwo", "threethreethree"}
	for _, m := range msgs {
		c.SendBytesTo([]byte(m), "")
	}
	for _, want := range msgs {
		if got := string(waitPacket(t, l.Recv).Bytes); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestPacketBoundEnforcedOnReads(t *testing.T) {
	tr := New()
	l := node.New("game", node.RoleListener, node.Options{MaxPacketSize: 64})
	a, _ := node.ParseAddr("quic://127.0.0.1:0")
	l.SetLocalAddr(a)
	if err := tr.Listen(context.Background(), l); err != nil {
		t.Fatalf("listen: %v", err)
	}
	waitEvent(t, l, node.EventListening)
	t.Cleanup(l.Close)

	c := node.New("game", node.RoleClient, node.Options{})
	ra, _ := node.ParseAddr("quic://" + l.LocalAddr().HostPort())
	c.SetRemoteAddr(ra)
	if err := tr.Dial(context.Background(), c); err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitEvent(t, c, node.EventConnected)
	t.Cleanup(c.Close)

	c.SendBytesTo(make([]byte, 4096), "")

	var peer *node.Node
	deadline := time.Now().Add(5 * time.Second)
	for peer == nil && time.Now().Before(deadline) {
		if p, ok := l.Accepted.TryRecv(); ok {
			peer = p
			break
		}
		time.Sleep(waitTick)
	}
	if peer == nil {
		t.Fatalf("no accepted peer")
	}

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := peer.Events.TryRecv(); ok {
			if ev.Type == node.EventError && ev.Err.Kind == node.KindConnection {
				if _, ok := l.Recv.TryRecv(); ok {
					t.Fatalf("oversize frame was delivered")
				}
				return
			}
			continue
		}
		time.Sleep(waitTick)
	}
	t.Fatalf("oversize frame produced no error")
}
