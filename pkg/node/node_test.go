package node

import (
	"testing"
)

func TestSendIntoClosedQueueBecomesErrorEvent(t *testing.T) {
	n := New("game", RoleClient, Options{})
	n.Send.Close()
	n.SendBytesTo([]byte("x"), "udp://127.0.0.1:9000")

	ev, ok := n.Events.TryRecv()
	if !ok {
		t.Fatalf("expected an error event")
	}
	if ev.Type != EventError || ev.Err == nil || ev.Err.Kind != KindSend {
		t.Fatalf("event = %+v, want send error", ev)
	}
	if _, ok := n.Send.TryRecv(); ok {
		t.Fatalf("packet enqueued despite closed queue")
	}
}

func TestCloseIsIdempotentAndSignalsShutdown(t *testing.T) {
	n := New("game", RoleListener, Options{})
	done := n.Shutdown()
	select {
	case <-done:
		t.Fatalf("shutdown fired before Close")
	default:
	}
	n.Close()
	n.Close()
	select {
	case <-done:
	default:
		t.Fatalf("shutdown did not fire")
	}
	if n.Running() {
		t.Fatalf("node still running after Close")
	}
	if !n.Send.Closed() || !n.Recv.Closed() || !n.Events.Closed() {
		t.Fatalf("queues not closed")
	}
	if n.Accepted == nil || !n.Accepted.Closed() {
		t.Fatalf("listener accepted queue not closed")
	}
}

func TestResetForRetryArmsFreshShutdown(t *testing.T) {
	n := New("game", RoleClient, Options{})
	n.Close()
	n.ResetForRetry()
	select {
	case <-n.Shutdown():
		t.Fatalf("shutdown still fired after reset")
	default:
	}
}

func TestPeerSharesListenerReceiveQueue(t *testing.T) {
	l := New("game", RoleListener, Options{MaxPacketSize: 1024})
	remote, _ := ParseAddr("tcp://10.0.0.1:5555")
	p := NewPeer(l, remote)

	if p.Role() != RolePeer {
		t.Fatalf("role = %v", p.Role())
	}
	if p.ParentID() != l.ID() {
		t.Fatalf("parent = %d, want %d", p.ParentID(), l.ID())
	}
	if p.Channel() != "game" {
		t.Fatalf("channel = %q", p.Channel())
	}
	if p.MaxPacketSize() != 1024 {
		t.Fatalf("max packet size not inherited")
	}
	if p.RemoteAddr() != remote {
		t.Fatalf("remote = %v", p.RemoteAddr())
	}

	// Data received by the peer lands in the listener's queue.
	_ = p.Recv.TrySend(RawPacket{Addr: remote.String(), Bytes: []byte("hi")})
	got, ok := l.TryRecv()
	if !ok || string(got.Bytes) != "hi" {
		t.Fatalf("listener did not observe peer packet: ok=%v", ok)
	}

	// Closing the peer must not tear down the shared queue.
	p.Close()
	if l.Recv.Closed() {
		t.Fatalf("peer close tore down listener receive queue")
	}
}

func TestStartStopRunningFlag(t *testing.T) {
	n := New("game", RoleClient, Options{})
	if n.Running() {
		t.Fatalf("fresh node running")
	}
	n.Start()
	if !n.Running() {
		t.Fatalf("Start did not mark running")
	}
	n.Stop()
	if n.Running() {
		t.Fatalf("Stop did not clear running")
	}
}

func TestTextPacket(t *testing.T) {
	n := New("chat", RoleClient, Options{})
	n.SendTextTo("ping", "ws://127.0.0.1:8080")
	p, ok := n.Send.TryRecv()
	if !ok {
		t.Fatalf("no packet enqueued")
	}
	if p.Text != "ping" || len(p.Bytes) != 0 {
		t.Fatalf("packet = %+v", p)
	}
}
