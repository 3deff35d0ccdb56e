// Package tcp implements the stream transport. A listener node owns a
// net.Listener and produces one peer node per inbound connection; each
// connection runs a read loop and a write loop against the node's
// queues. Framing is raw: one read chunk becomes one packet.
package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"

	"go.uber.org/zap"

	"wirenet/pkg/node"
)

// Transport dials and listens for tcp:// addresses.
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Schemes() []string { return []string{"tcp"} }

// Listen binds the node's local address and starts the accept loop.
// Bind failures surface as Error(Listen) events; Listening is emitted
// only after a successful bind.
func (t *Transport) Listen(ctx context.Context, n *node.Node) error {
	go func() {
		l, err := net.Listen("tcp", n.LocalAddr().HostPort())
		if err != nil {
			n.ReportError(node.KindListen, err)
			return
		}
		if a, ok := l.Addr().(*net.TCPAddr); ok {
			n.SetLocalAddr(node.Addr{Scheme: "tcp", Host: a.IP.String(), Port: portString(a.Port)})
		}
		zap.L().Debug("tcp listening", zap.String("addr", l.Addr().String()))
		n.Emit(node.EventListening)

		go func() {
			<-n.Shutdown()
			_ = l.Close()
		}()
		acceptLoop(ctx, l, n)
	}()
	return nil
}

// Dial connects to the node's remote address and starts its I/O loops.
func (t *Transport) Dial(ctx context.Context, n *node.Node) error {
	go func() {
		d := &net.Dialer{}
		c, err := d.DialContext(ctx, "tcp", n.RemoteAddr().HostPort())
		if err != nil {
			n.ReportError(node.KindConnection, err)
			return
		}
		tuneConn(c)
		if a, ok := c.LocalAddr().(*net.TCPAddr); ok {
			n.SetLocalAddr(node.Addr{Scheme: "tcp", Host: a.IP.String(), Port: portString(a.Port)})
		}
		zap.L().Debug("tcp connected", zap.String("remote", c.RemoteAddr().String()))
		n.Emit(node.EventConnected)
		handleConn(c, n)
	}()
	return nil
}

func acceptLoop(ctx context.Context, l net.Listener, listener *node.Node) {
	for {
		c, err := l.Accept()
		if err != nil {
			select {
			case <-listener.Shutdown():
			case <-ctx.Done():
			default:
				listener.ReportError(node.KindAccept, err)
			}
			return
		}
		tuneConn(c)
		remote := node.Addr{Scheme: "tcp"}
		if a, ok := c.RemoteAddr().(*net.TCPAddr); ok {
			remote.Host = a.IP.String()
			remote.Port = portString(a.Port)
		}
		peer := node.NewPeer(listener, remote)
		zap.L().Debug("tcp peer accepted",
			zap.String("remote", remote.String()),
			zap.Uint64("peer", peer.ID()))
		go handleConn(c, peer)
		peer.Emit(node.EventConnected)
		if err := listener.Accepted.TrySend(peer); err != nil {
			peer.Close()
			return
		}
	}
}

// handleConn runs the read and write loops for one established stream
// and blocks until either side stops or the shutdown signal fires.
func handleConn(c net.Conn, n *node.Node) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)

	go func() {
		readLoop(c, n)
		done <- struct{}{}
	}()
	go func() {
		writeLoop(ctx, c, n)
		done <- struct{}{}
	}()

	select {
	case <-n.Shutdown():
	case <-done:
	}
	cancel()
	_ = c.Close()
}

func readLoop(c net.Conn, n *node.Node) {
	remote := n.RemoteAddr().String()
	buf := make([]byte, n.MaxPacketSize())
	for {
		nr, err := c.Read(buf)
		if nr > 0 {
			b := make([]byte, nr)
			copy(b, buf[:nr])
			if terr := n.Recv.TrySend(node.RawPacket{Addr: remote, Bytes: b}); terr != nil {
				n.ReportError(node.KindChannelClosed, terr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				n.Emit(node.EventDisconnected)
			} else if !closing(n) {
				n.ReportError(node.KindConnection, err)
			}
			return
		}
	}
}

func writeLoop(ctx context.Context, c net.Conn, n *node.Node) {
	for {
		p, err := n.Send.Recv(ctx)
		if err != nil {
			return
		}
		b := p.Bytes
		if len(b) == 0 && p.Text != "" {
			b = []byte(p.Text)
		}
		if _, err := c.Write(b); err != nil {
			if !closing(n) {
				n.ReportError(node.KindSend, err)
			}
			return
		}
	}
}

func closing(n *node.Node) bool {
	select {
	case <-n.Shutdown():
		return true
	default:
		return false
	}
}

func tuneConn(c net.Conn) {
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}

func portString(p int) string { return strconv.Itoa(p) }
