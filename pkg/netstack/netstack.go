// Package netstack assembles the transport runtime behind the single
// facade the host integrates with: create channels by listening or
// connecting, drive everything with Poll from one goroutine, and drain
// packets, typed messages, and lifecycle events without blocking.
package netstack

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"wirenet/pkg/channel"
	"wirenet/pkg/codec"
	"wirenet/pkg/config"
	"wirenet/pkg/lifecycle"
	"wirenet/pkg/node"
	"wirenet/pkg/queue"
	"wirenet/pkg/transport"
	"wirenet/pkg/transport/quic"
	"wirenet/pkg/transport/tcp"
	"wirenet/pkg/transport/udp"
	"wirenet/pkg/transport/ws"
)

// Options tunes stack-wide defaults.
type Options struct {
	// ReconnectDelay between client reconnect attempts.
	ReconnectDelay time.Duration
	// ReconnectMaxRetries bounds attempts; negative means unlimited.
	ReconnectMaxRetries int
	// MaxPacketSize default for new nodes; 0 keeps per-node defaults.
	MaxPacketSize int
}

// FromConfig maps the config file's node section onto stack options.
func FromConfig(c config.NodeConfig) Options {
	return Options{
		ReconnectDelay:      time.Duration(c.ReconnectDelayMS) * time.Millisecond,
		ReconnectMaxRetries: c.ReconnectMaxRetries,
		MaxPacketSize:       c.MaxPacketSize,
	}
}

// Stack is the host-facing runtime. All mutating calls are expected
// from the host's single consumer goroutine; the I/O side runs on the
// goroutines the transports spawn.
type Stack struct {
	opts       Options
	transports *transport.Registry
	channels   *channel.Registry
	life       *lifecycle.Manager
	codecs     *codec.Registry

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a stack with the standard transports (udp, tcp, ws/wss,
// quic) registered.
func New(opts Options) *Stack {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		opts:       opts,
		transports: transport.NewRegistry(),
		channels:   channel.NewRegistry(),
		codecs:     codec.NewRegistry(),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.life = lifecycle.NewManager(s.redial, s.channels.Detach)
	s.transports.Register(udp.New())
	s.transports.Register(tcp.New())
	s.transports.Register(ws.New())
	s.transports.Register(quic.New())
	return s
}

// Transports exposes the registry so hosts can install custom
// transports before creating nodes.
func (s *Stack) Transports() *transport.Registry { return s.transports }

// Codecs exposes the transformer pipeline registry.
func (s *Stack) Codecs() *codec.Registry { return s.codecs }

// Lifecycle exposes the lifecycle manager (tests and diagnostics).
func (s *Stack) Lifecycle() *lifecycle.Manager { return s.life }

// Router exposes the channel router.
func (s *Stack) Router() *channel.Registry { return s.channels }

func (s *Stack) nodeOptions(extra node.Options) node.Options {
	if extra.MaxPacketSize == 0 {
		extra.MaxPacketSize = s.opts.MaxPacketSize
	}
	return extra
}

func (s *Stack) reconnect() lifecycle.Reconnect {
	rec := lifecycle.DefaultReconnect()
	if s.opts.ReconnectDelay > 0 {
		rec.Delay = s.opts.ReconnectDelay
	}
	if s.opts.ReconnectMaxRetries >= 0 {
		rec.MaxRetries = s.opts.ReconnectMaxRetries
	} else {
		rec.MaxRetries = math.MaxInt
	}
	return rec
}

// Listen creates a listener node on channelName bound to rawURL
// (scheme://host:port) and issues its start request.
func (s *Stack) Listen(channelName, rawURL string) (*node.Node, error) {
	return s.ListenWith(channelName, rawURL, node.Options{})
}

// ListenWith is Listen with explicit node options (broadcast mode,
// multicast groups, packet bound). Options are fixed at creation.
func (s *Stack) ListenWith(channelName, rawURL string, opts node.Options) (*node.Node, error) {
	addr, err := node.ParseAddr(rawURL)
	if err != nil {
		return nil, err
	}
	t, err := s.transports.Lookup(addr.Scheme)
	if err != nil {
		return nil, err
	}
	n := node.New(channelName, node.RoleListener, s.nodeOptions(opts))
	n.SetLocalAddr(addr)
	s.channels.Attach(n)
	s.life.Watch(n, lifecycle.Reconnect{})
	zap.L().Info("listen", zap.String("channel", channelName), zap.String("addr", rawURL))
	if err := t.Listen(s.ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// Connect creates a client node on channelName dialing rawURL and
// issues its start request. Client nodes follow the stack's reconnect
// policy.
func (s *Stack) Connect(channelName, rawURL string) (*node.Node, error) {
	return s.ConnectWith(channelName, rawURL, node.Options{})
}

// ConnectWith is Connect with explicit node options.
func (s *Stack) ConnectWith(channelName, rawURL string, opts node.Options) (*node.Node, error) {
	addr, err := node.ParseAddr(rawURL)
	if err != nil {
		return nil, err
	}
	t, err := s.transports.Lookup(addr.Scheme)
	if err != nil {
		return nil, err
	}
	n := node.New(channelName, node.RoleClient, s.nodeOptions(opts))
	n.SetRemoteAddr(addr)
	s.channels.Attach(n)
	s.life.Watch(n, s.reconnect())
	zap.L().Info("connect", zap.String("channel", channelName), zap.String("addr", rawURL))
	if err := t.Dial(s.ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// redial re-issues the start request for a client node whose reconnect
// deadline passed.
func (s *Stack) redial(n *node.Node) error {
	t, err := s.transports.Lookup(n.RemoteAddr().Scheme)
	if err != nil {
		return err
	}
	return t.Dial(s.ctx, n)
}

// Poll runs one cooperative pass: adopt freshly accepted peers, advance
// the lifecycle machine, and run the decode step. Call it every host
// tick; it never blocks.
func (s *Stack) Poll() {
	s.adoptPeers()
	s.life.Poll(time.Now())
	s.codecs.DecodeStep(s.channels.Endpoints, s.life.SurfaceError)
}

func (s *Stack) adoptPeers() {
	for _, n := range s.channels.AllEndpoints() {
		if n.Role() != node.RoleListener || n.Accepted == nil {
			continue
		}
		for {
			peer, ok := n.Accepted.TryRecv()
			if !ok {
				break
			}
			s.channels.Attach(peer)
			s.life.Watch(peer, lifecycle.Reconnect{})
		}
	}
}

// Events returns the surfaced lifecycle event queue.
func (s *Stack) Events() *queue.Queue[lifecycle.Event] { return s.life.Events() }

// TryEvent polls one surfaced lifecycle event.
func (s *Stack) TryEvent() (lifecycle.Event, bool) { return s.life.Events().TryRecv() }

// TryRecv polls one raw inbound packet from the channel's endpoints.
// Only meaningful for channels without a registered codec; registered
// channels consume their packets in the decode step.
func (s *Stack) TryRecv(channelName string) (node.RawPacket, bool) {
	for _, n := range s.channels.Endpoints(channelName) {
		if p, ok := n.TryRecv(); ok {
			return p, true
		}
	}
	return node.RawPacket{}, false
}

// Send unicasts bytes through the channel's client nodes.
func (s *Stack) Send(channelName string, bytes []byte) error {
	return s.channels.Send(channelName, bytes)
}

// SendTo sends bytes to an explicit destination address (datagram
// transports resolve it per packet).
func (s *Stack) SendTo(channelName string, bytes []byte, addr string) error {
	return s.channels.SendTo(channelName, bytes, addr)
}

// Broadcast fans bytes out to every peer attached to the channel's
// listeners; closed peers are skipped. Returns the number of enqueued
// sends.
func (s *Stack) Broadcast(channelName string, bytes []byte) int {
	return s.channels.Broadcast(channelName, bytes)
}

// Close tears down every node and stops the stack.
func (s *Stack) Close() {
	s.cancel()
	for _, n := range s.channels.AllEndpoints() {
		for _, p := range s.channels.PeersOf(n.ID(), n.Channel()) {
			p.Close()
		}
		n.Close()
	}
	zap.L().Info("stack closed")
}

// Register installs a codec for message type M on the given channels
// through the stack's pipeline registry, returning the typed inbox the
// host drains after each Poll.
func Register[M any](s *Stack, c codec.Codec, channels ...string) *codec.Inbox[M] {
	return codec.Register[M](s.codecs, c, channels...)
}

// SendTyped encodes msg with the codec registered for (M, channelName)
// and enqueues it to every sender node in the channel.
func SendTyped[M any](s *Stack, channelName string, msg M) error {
	return codec.Send[M](s.codecs, s.channels.Senders, channelName, msg)
}
