// Package udp implements the datagram transport. One socket serves a
// node; a receive loop turns each datagram into a packet tagged with
// its source address and a send loop resolves destinations per packet.
// Broadcast and multicast membership are socket options applied once at
// bind time and not renegotiable afterwards.
package udp

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"wirenet/pkg/node"
)

const (
	// sendMaxRetries bounds retransmission after ECONNREFUSED.
	sendMaxRetries = 5
	// sendAttemptTimeout is the per-attempt write deadline.
	sendAttemptTimeout = time.Second
	// sendRetryDelay is the pause between refused attempts.
	sendRetryDelay = time.Second
)

// Transport dials and listens for udp:// addresses.
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Schemes() []string { return []string{"udp"} }

// Listen binds the node's local address, applies broadcast/multicast
// options, and starts the receive and send loops.
func (t *Transport) Listen(ctx context.Context, n *node.Node) error {
	go runSocket(ctx, n, n.LocalAddr().HostPort(), node.Addr{})
	return nil
}

// Dial binds an ephemeral socket whose default destination is the
// node's remote address. UDP has no handshake, so a successful bind is
// reported as Connected.
func (t *Transport) Dial(ctx context.Context, n *node.Node) error {
	go runSocket(ctx, n, ":0", n.RemoteAddr())
	return nil
}

func runSocket(ctx context.Context, n *node.Node, bind string, remote node.Addr) {
	opts := n.Options()
	conn, err := bindSocket(ctx, bind, opts.Broadcast)
	if err != nil {
		if remote.IsZero() {
			n.ReportError(node.KindListen, err)
		} else {
			n.ReportError(node.KindConnection, err)
		}
		return
	}
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		n.SetLocalAddr(node.Addr{Scheme: "udp", Host: a.IP.String(), Port: strconv.Itoa(a.Port)})
	}

	if err := joinGroups(conn, opts); err != nil {
		n.ReportError(node.KindListen, err)
		_ = conn.Close()
		return
	}

	var dest *net.UDPAddr
	if !remote.IsZero() {
		dest, err = net.ResolveUDPAddr("udp", remote.HostPort())
		if err != nil {
			n.ReportError(node.KindConnection, err)
			_ = conn.Close()
			return
		}
	}

	zap.L().Debug("udp bound",
		zap.String("local", conn.LocalAddr().String()),
		zap.Bool("broadcast", opts.Broadcast))
	if dest == nil {
		n.Emit(node.EventListening)
	} else {
		n.Emit(node.EventConnected)
	}

	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{}, 2)
	go func() {
		recvLoop(conn, n)
		done <- struct{}{}
	}()
	go func() {
		sendLoop(sctx, conn, dest, n)
		done <- struct{}{}
	}()

	select {
	case <-n.Shutdown():
	case <-done:
	}
	cancel()
	_ = conn.Close()
}

func bindSocket(ctx context.Context, bind string, broadcast bool) (*net.UDPConn, error) {
	lc := net.ListenConfig{}
	if broadcast {
		lc.Control = broadcastControl
	}
	pc, err := lc.ListenPacket(ctx, "udp", bind)
	if err != nil {
		return nil, err
	}
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, errors.New("udp: unexpected packet conn type")
	}
	return uc, nil
}

func joinGroups(conn *net.UDPConn, opts node.Options) error {
	if opts.MulticastV4 != nil {
		ifi, err := lookupInterface(opts.MulticastV4.Interface)
		if err != nil {
			return err
		}
		p := ipv4.NewPacketConn(conn)
		if err := p.JoinGroup(ifi, &net.UDPAddr{IP: opts.MulticastV4.Group}); err != nil {
			return err
		}
		zap.L().Info("joined multicast group",
			zap.String("group", opts.MulticastV4.Group.String()),
			zap.String("interface", opts.MulticastV4.Interface))
	}
	if opts.MulticastV6 != nil {
		ifi, err := lookupInterface(opts.MulticastV6.Interface)
		if err != nil {
			return err
		}
		p := ipv6.NewPacketConn(conn)
		if err := p.JoinGroup(ifi, &net.UDPAddr{IP: opts.MulticastV6.Group}); err != nil {
			return err
		}
		zap.L().Info("joined multicast group",
			zap.String("group", opts.MulticastV6.Group.String()),
			zap.String("interface", opts.MulticastV6.Interface))
	}
	return nil
}

func lookupInterface(name string) (*net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	return net.InterfaceByName(name)
}

func recvLoop(conn *net.UDPConn, n *node.Node) {
	buf := make([]byte, n.MaxPacketSize())
	for {
		nr, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !closing(n) {
				n.ReportError(node.KindConnection, err)
			}
			return
		}
		b := make([]byte, nr)
		copy(b, buf[:nr])
		src := node.Addr{Scheme: "udp", Host: from.IP.String(), Port: strconv.Itoa(from.Port)}
		if terr := n.Recv.TrySend(node.RawPacket{Addr: src.String(), Bytes: b}); terr != nil {
			n.ReportError(node.KindChannelClosed, terr)
			return
		}
	}
}

func sendLoop(ctx context.Context, conn *net.UDPConn, dest *net.UDPAddr, n *node.Node) {
	for {
		p, err := n.Send.Recv(ctx)
		if err != nil {
			return
		}
		to := dest
		if p.Addr != "" {
			if r, rerr := resolveDest(p.Addr); rerr == nil {
				to = r
			} else {
				n.ReportError(node.KindSend, rerr)
				continue
			}
		}
		if to == nil {
			// No per-packet address and no default destination; drop.
			continue
		}
		b := p.Bytes
		if len(b) == 0 && p.Text != "" {
			b = []byte(p.Text)
		}
		if err := sendData(conn, to, b); err != nil {
			n.ReportError(node.KindSend, err)
		}
	}
}

// sendData retries transient connection-refused responses with a fixed
// per-attempt deadline, then fails permanently.
func sendData(conn *net.UDPConn, to *net.UDPAddr, b []byte) error {
	var lastErr error
	for attempt := 0; attempt < sendMaxRetries; attempt++ {
		_ = conn.SetWriteDeadline(time.Now().Add(sendAttemptTimeout))
		_, err := conn.WriteToUDP(b, to)
		_ = conn.SetWriteDeadline(time.Time{})
		if err == nil {
			return nil
		}
		lastErr = err
		if !refused(err) && !os.IsTimeout(err) {
			return err
		}
		zap.L().Debug("udp send retry",
			zap.String("to", to.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		time.Sleep(sendRetryDelay)
	}
	return lastErr
}

func refused(err error) bool {
	return errors.Is(err, errConnRefused)
}

func closing(n *node.Node) bool {
	select {
	case <-n.Shutdown():
		return true
	default:
		return false
	}
}

// resolveDest accepts either a full udp://host:port address or a bare
// host:port, as packets produced at socket-read time carry the former
// and application sends may carry the latter.
func resolveDest(addr string) (*net.UDPAddr, error) {
	if a, err := node.ParseAddr(addr); err == nil {
		return net.ResolveUDPAddr("udp", a.HostPort())
	}
	return net.ResolveUDPAddr("udp", addr)
}
