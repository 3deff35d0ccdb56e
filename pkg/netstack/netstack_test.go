package netstack

import (
	"testing"
	"time"

	"wirenet/pkg/codec"
	"wirenet/pkg/lifecycle"
	"wirenet/pkg/node"
)

const waitTick = 5 * time.Millisecond

type move struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// waitSurfaced polls the stack until a lifecycle event matches.
func waitSurfaced(t *testing.T, s *Stack, match func(lifecycle.Event) bool) lifecycle.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s.Poll()
		if ev, ok := s.TryEvent(); ok {
			if ev.Event.Type == node.EventError {
				t.Fatalf("lifecycle error: %v", ev.Event.Err)
			}
			if match(ev) {
				return ev
			}
			continue
		}
		time.Sleep(waitTick)
	}
	t.Fatalf("no matching lifecycle event")
	return lifecycle.Event{}
}

func isType(want node.EventType) func(lifecycle.Event) bool {
	return func(ev lifecycle.Event) bool { return ev.Event.Type == want }
}

func startServer(t *testing.T, ch string) (*Stack, string) {
	t.Helper()
	s := New(Options{})
	ln, err := s.Listen(ch, "ws://127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	waitSurfaced(t, s, isType(node.EventListening))
	t.Cleanup(s.Close)
	return s, "ws://" + ln.LocalAddr().HostPort()
}

func connectClient(t *testing.T, ch, url string) *Stack {
	t.Helper()
	c := New(Options{})
	if _, err := c.Connect(ch, url); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitSurfaced(t, c, isType(node.EventConnected))
	t.Cleanup(c.Close)
	return c
}

func TestRawEchoThroughTheStack(t *testing.T) {
	srv, url := startServer(t, "echo")
	cli := connectClient(t, "echo", url)
	waitSurfaced(t, srv, func(ev lifecycle.Event) bool {
		return ev.Event.Type == node.EventConnected && ev.Node.Role() == node.RolePeer
	})

	if err := cli.Send("echo", []byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}

	var in node.RawPacket
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		srv.Poll()
		if p, ok := srv.TryRecv("echo"); ok {
			in = p
			break
		}
		time.Sleep(waitTick)
	}
	if string(in.Bytes) != "ping" {
		t.Fatalf("server got %q", in.Bytes)
	}

	// Reply to the tagged source; the matching peer owns the stream.
	if err := srv.SendTo("echo", []byte("pong"), in.Addr); err != nil {
		t.Fatalf("send to: %v", err)
	}
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		cli.Poll()
		if p, ok := cli.TryRecv("echo"); ok {
			if string(p.Bytes) != "pong" {
				t.Fatalf("client got %q", p.Bytes)
			}
			return
		}
		time.Sleep(waitTick)
	}
	t.Fatalf("no reply reached the client")
}

func TestTypedMessagesEndToEnd(t *testing.T) {
	srv, url := startServer(t, "game")
	srvInbox := Register[move](srv, codec.JSON{}, "game")

	cli := connectClient(t, "game", url)
	cliInbox := Register[move](cli, codec.JSON{}, "game")

	waitSurfaced(t, srv, func(ev lifecycle.Event) bool {
		return ev.Event.Type == node.EventConnected && ev.Node.Role() == node.RolePeer
	})

	if err := SendTyped(cli, "game", move{X: 2, Y: 5}); err != nil {
		t.Fatalf("send typed: %v", err)
	}

	var got codec.Received[move]
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		srv.Poll()
		if m, ok := srvInbox.TryRecv(); ok {
			got = m
			break
		}
		time.Sleep(waitTick)
	}
	if got.Msg != (move{X: 2, Y: 5}) {
		t.Fatalf("server decoded %+v", got.Msg)
	}
	if got.Channel != "game" {
		t.Fatalf("channel tag = %q", got.Channel)
	}

	// Server-side typed send fans out through the adopted peer.
	if err := SendTyped(srv, "game", move{X: 9, Y: 1}); err != nil {
		t.Fatalf("send typed: %v", err)
	}
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		cli.Poll()
		if m, ok := cliInbox.TryRecv(); ok {
			if m.Msg != (move{X: 9, Y: 1}) {
				t.Fatalf("client decoded %+v", m.Msg)
			}
			return
		}
		time.Sleep(waitTick)
	}
	t.Fatalf("no typed reply reached the client")
}

func TestBroadcastReachesEveryPeer(t *testing.T) {
	srv, url := startServer(t, "lobby")
	c1 := connectClient(t, "lobby", url)
	c2 := connectClient(t, "lobby", url)

	adopted := 0
	deadline := time.Now().Add(3 * time.Second)
	for adopted < 2 && time.Now().Before(deadline) {
		srv.Poll()
		if ev, ok := srv.TryEvent(); ok {
			if ev.Event.Type == node.EventConnected && ev.Node.Role() == node.RolePeer {
				adopted++
			}
			continue
		}
		time.Sleep(waitTick)
	}
	if adopted != 2 {
		t.Fatalf("adopted %d peers, want 2", adopted)
	}

	if n := srv.Broadcast("lobby", []byte("tick")); n != 2 {
		t.Fatalf("broadcast enqueued %d sends, want 2", n)
	}
	for i, cli := range []*Stack{c1, c2} {
		deadline := time.Now().Add(3 * time.Second)
		delivered := false
		for time.Now().Before(deadline) {
			cli.Poll()
			if p, ok := cli.TryRecv("lobby"); ok {
				if string(p.Bytes) != "tick" {
					t.Fatalf("client %d got %q", i, p.Bytes)
				}
				delivered = true
				break
			}
			time.Sleep(waitTick)
		}
		if !delivered {
			t.Fatalf("client %d missed the broadcast", i)
		}
	}
}

func TestConnectUnknownSchemeFails(t *testing.T) {
	s := New(Options{})
	t.Cleanup(s.Close)
	if _, err := s.Connect("x", "ftp://127.0.0.1:21"); err == nil {
		t.Fatalf("connect accepted an unsupported scheme")
	}
}

func TestReconnectAfterServerLoss(t *testing.T) {
	srv, url := startServer(t, "flaky")
	cli := New(Options{ReconnectDelay: 50 * time.Millisecond, ReconnectMaxRetries: -1})
	cn, err := cli.Connect("flaky", url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitSurfaced(t, cli, isType(node.EventConnected))
	t.Cleanup(cli.Close)

	srv.Close()

	// The link drops, the client schedules a retry against the dead
	// address, and the attempt counter starts climbing.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cli.Poll()
		for {
			if _, ok := cli.TryEvent(); !ok {
				break
			}
		}
		if cli.Lifecycle().Retries(cn.ID()) >= 2 {
			return
		}
		time.Sleep(waitTick)
	}
	t.Fatalf("client never retried, retries = %d", cli.Lifecycle().Retries(cn.ID()))
}
