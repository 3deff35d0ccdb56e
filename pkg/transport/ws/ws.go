// Package ws implements the WebSocket transport on gorilla/websocket.
// The listener side runs an http.Server whose upgrade handler produces
// one peer node per connection; the client side dials ws:// or wss://
// endpoints. Packets carrying a text variant are sent as text frames,
// everything else as binary frames.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wirenet/pkg/node"
)

// Transport dials and listens for ws:// and wss:// addresses. TLS
// termination for wss listeners is out of scope; wss is dial-only.
type Transport struct {
	upgrader websocket.Upgrader
}

func New() *Transport {
	return &Transport{
		upgrader: websocket.Upgrader{
			// The runtime is protocol plumbing, not a browser app;
			// origin policy belongs to the host.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (t *Transport) Schemes() []string { return []string{"ws", "wss"} }

// Listen binds an HTTP server whose sole job is upgrading connections.
func (t *Transport) Listen(ctx context.Context, n *node.Node) error {
	go func() {
		l, err := net.Listen("tcp", n.LocalAddr().HostPort())
		if err != nil {
			n.ReportError(node.KindListen, err)
			return
		}
		if a, ok := l.Addr().(*net.TCPAddr); ok {
			n.SetLocalAddr(node.Addr{Scheme: "ws", Host: a.IP.String(), Port: strconv.Itoa(a.Port)})
		}
		srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.accept(w, r, n)
		})}
		zap.L().Debug("ws listening", zap.String("addr", l.Addr().String()))
		n.Emit(node.EventListening)

		go func() {
			<-n.Shutdown()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if !closing(n) {
				n.ReportError(node.KindListen, err)
			}
		}
	}()
	return nil
}

func (t *Transport) accept(w http.ResponseWriter, r *http.Request, listener *node.Node) {
	c, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		listener.ReportError(node.KindAccept, err)
		return
	}
	remote := node.Addr{Scheme: "ws"}
	if a, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		remote.Host = a.IP.String()
		remote.Port = strconv.Itoa(a.Port)
	}
	peer := node.NewPeer(listener, remote)
	zap.L().Debug("ws peer accepted",
		zap.String("remote", remote.String()),
		zap.Uint64("peer", peer.ID()))
	go handleConn(c, peer)
	peer.Emit(node.EventConnected)
	if err := listener.Accepted.TrySend(peer); err != nil {
		peer.Close()
	}
}

// Dial performs the client handshake against the node's remote URL.
func (t *Transport) Dial(ctx context.Context, n *node.Node) error {
	go func() {
		d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		c, _, err := d.DialContext(ctx, n.RemoteAddr().String(), nil)
		if err != nil {
			n.ReportError(node.KindConnection, err)
			return
		}
		if a, ok := c.LocalAddr().(*net.TCPAddr); ok {
			n.SetLocalAddr(node.Addr{Scheme: "ws", Host: a.IP.String(), Port: strconv.Itoa(a.Port)})
		}
		zap.L().Debug("ws connected", zap.String("remote", n.RemoteAddr().String()))
		n.Emit(node.EventConnected)
		handleConn(c, n)
	}()
	return nil
}

func handleConn(c *websocket.Conn, n *node.Node) {
	c.SetReadLimit(int64(n.MaxPacketSize()))
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

func readLoop(c *websocket.Conn, n *node.Node) {
	remote := n.RemoteAddr().String()
	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				n.Emit(node.EventDisconnected)
			} else if !closing(n) {
				n.ReportError(node.KindConnection, err)
			}
			return
		}
		p := node.RawPacket{Addr: remote, Bytes: data}
		if mt == websocket.TextMessage {
			p.Text = string(data)
		}
		if terr := n.Recv.TrySend(p); terr != nil {
			n.ReportError(node.KindChannelClosed, terr)
			return
		}
	}
}

func writeLoop(ctx context.Context, c *websocket.Conn, n *node.Node) {
	for {
		p, err := n.Send.Recv(ctx)
		if err != nil {
			return
		}
		var werr error
		if p.Text != "" {
			werr = c.WriteMessage(websocket.TextMessage, []byte(p.Text))
		} else {
			werr = c.WriteMessage(websocket.BinaryMessage, p.Bytes)
		}
		if werr != nil {
			if !closing(n) {
				n.ReportError(node.KindSend, werr)
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
