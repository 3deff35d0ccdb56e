// Package quic implements a QUIC transport on quic-go. Each session
// carries one bidirectional stream opened by the dialer; because QUIC
// streams do not preserve datagram boundaries, frames are
// length-prefixed (u32 LE). The listen side uses an ephemeral
// self-signed certificate; identity is not part of this layer.
package quic

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"wirenet/pkg/node"
)

const alpnProto = "wirenet"

// maxFrameSize bounds one length-prefixed frame.
const maxFrameSize = 1 << 24

// Transport dials and listens for quic:// addresses.
type Transport struct {
	tlsConf  *tls.Config
	quicConf *quicgo.Config
}

func New() *Transport {
	cert, err := selfSignedCert()
	if err != nil {
		// Leave the config empty; Listen will fail and report it.
		return &Transport{quicConf: &quicgo.Config{}}
	}
	return &Transport{
		tlsConf: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpnProto},
			MinVersion:   tls.VersionTLS13,
		},
		quicConf: &quicgo.Config{},
	}
}

func (t *Transport) Schemes() []string { return []string{"quic"} }

func (t *Transport) Listen(ctx context.Context, n *node.Node) error {
	go func() {
		if t.tlsConf == nil {
			n.ReportError(node.KindListen, fmt.Errorf("quic: no server certificate"))
			return
		}
		l, err := quicgo.ListenAddr(n.LocalAddr().HostPort(), t.tlsConf, t.quicConf)
		if err != nil {
			n.ReportError(node.KindListen, err)
			return
		}
		if a, ok := l.Addr().(*net.UDPAddr); ok {
			n.SetLocalAddr(node.Addr{Scheme: "quic", Host: a.IP.String(), Port: strconv.Itoa(a.Port)})
		}
		zap.L().Debug("quic listening", zap.String("addr", l.Addr().String()))
		n.Emit(node.EventListening)

		go func() {
			<-n.Shutdown()
			_ = l.Close()
		}()
		acceptLoop(ctx, l, n)
	}()
	return nil
}

func (t *Transport) Dial(ctx context.Context, n *node.Node) error {
	go func() {
		tlsClient := &tls.Config{
			// The transport carries no certificate authority;
			// verification belongs to the host.
			InsecureSkipVerify: true,
			NextProtos:         []string{alpnProto},
			MinVersion:         tls.VersionTLS13,
		}
		c, err := quicgo.DialAddr(ctx, n.RemoteAddr().HostPort(), tlsClient, t.quicConf)
		if err != nil {
			n.ReportError(node.KindConnection, err)
			return
		}
		st, err := c.OpenStreamSync(ctx)
		if err != nil {
			n.ReportError(node.KindConnection, err)
			_ = c.CloseWithError(0, "open stream")
			return
		}
		if a, ok := c.LocalAddr().(*net.UDPAddr); ok {
			n.SetLocalAddr(node.Addr{Scheme: "quic", Host: a.IP.String(), Port: strconv.Itoa(a.Port)})
		}
		zap.L().Debug("quic connected", zap.String("remote", n.RemoteAddr().String()))
		n.Emit(node.EventConnected)
		handleStream(c, st, n)
	}()
	return nil
}

func acceptLoop(ctx context.Context, l *quicgo.Listener, listener *node.Node) {
	for {
		c, err := l.Accept(ctx)
		if err != nil {
			if !closing(listener) && ctx.Err() == nil {
				listener.ReportError(node.KindAccept, err)
			}
			return
		}
		go acceptSession(ctx, c, listener)
	}
}

func acceptSession(ctx context.Context, c quicgo.Connection, listener *node.Node) {
	st, err := c.AcceptStream(ctx)
	if err != nil {
		listener.ReportError(node.KindAccept, err)
		_ = c.CloseWithError(0, "accept stream")
		return
	}
	remote := node.Addr{Scheme: "quic"}
	if a, ok := c.RemoteAddr().(*net.UDPAddr); ok {
		remote.Host = a.IP.String()
		remote.Port = strconv.Itoa(a.Port)
	}
	peer := node.NewPeer(listener, remote)
	zap.L().Debug("quic peer accepted",
		zap.String("remote", remote.String()),
		zap.Uint64("peer", peer.ID()))
	go handleStream(c, st, peer)
	peer.Emit(node.EventConnected)
	if err := listener.Accepted.TrySend(peer); err != nil {
		peer.Close()
	}
}

func handleStream(c quicgo.Connection, st quicgo.Stream, n *node.Node) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)

	go func() {
		readLoop(st, n)
		done <- struct{}{}
	}()
	go func() {
		writeLoop(ctx, st, n)
		done <- struct{}{}
	}()

	select {
	case <-n.Shutdown():
	case <-done:
	}
	cancel()
	_ = st.Close()
	_ = c.CloseWithError(0, "shutdown")
}

func readLoop(st quicgo.Stream, n *node.Node) {
	remote := n.RemoteAddr().String()
	var lenbuf [4]byte
	for {
		if _, err := io.ReadFull(st, lenbuf[:]); err != nil {
			if err == io.EOF {
				n.Emit(node.EventDisconnected)
			} else if !closing(n) {
				n.ReportError(node.KindConnection, err)
			}
			return
		}
		size := binary.LittleEndian.Uint32(lenbuf[:])
		if size > maxFrameSize || int64(size) > int64(n.MaxPacketSize()) {
			n.ReportError(node.KindConnection, fmt.Errorf("quic: frame size %d exceeds limit %d", size, n.MaxPacketSize()))
			return
		}
		b := make([]byte, size)
		if _, err := io.ReadFull(st, b); err != nil {
			if !closing(n) {
				n.ReportError(node.KindConnection, err)
			}
			return
		}
		if terr := n.Recv.TrySend(node.RawPacket{Addr: remote, Bytes: b}); terr != nil {
			n.ReportError(node.KindChannelClosed, terr)
			return
		}
	}
}

func writeLoop(ctx context.Context, st quicgo.Stream, n *node.Node) {
	var lenbuf [4]byte
	for {
		p, err := n.Send.Recv(ctx)
		if err != nil {
			return
		}
		b := p.Bytes
		if len(b) == 0 && p.Text != "" {
			b = []byte(p.Text)
		}
		binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
		if _, err := st.Write(lenbuf[:]); err != nil {
			if !closing(n) {
				n.ReportError(node.KindSend, err)
			}
			return
		}
		if _, err := st.Write(b); err != nil {
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

func selfSignedCert() (tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
