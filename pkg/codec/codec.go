// Package codec is the transformer pipeline: type-keyed encode/decode
// of raw packets into typed application messages, scoped per channel.
// Registrations happen at setup time and resolve each (message type,
// codec) pairing into a concrete dispatch entry; steady-state dispatch
// is read-only map lookup.
package codec

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"wirenet/pkg/node"
	"wirenet/pkg/queue"
)

// Codec is a pluggable encode/decode strategy.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Received is one decoded message tagged with its source.
type Received[M any] struct {
	Node    *node.Node
	Channel string
	Addr    string
	Msg     M
}

// Inbox is the typed receive queue created by Register. The host drains
// it non-blocking each tick.
type Inbox[M any] struct {
	q *queue.Queue[Received[M]]
}

// TryRecv polls one decoded message without blocking.
func (ib *Inbox[M]) TryRecv() (Received[M], bool) { return ib.q.TryRecv() }

// Len reports pending decoded messages.
func (ib *Inbox[M]) Len() int { return ib.q.Len() }

// ErrorFunc surfaces codec failures scoped to a node. Decode failures
// go through this path so they never disturb the node's own lifecycle.
type ErrorFunc func(n *node.Node, err *node.Error)

type entryKey struct {
	msg   reflect.Type
	codec string
}

func (k entryKey) String() string { return fmt.Sprintf("%s/%s", k.msg, k.codec) }

type decodeEntry struct {
	key      entryKey
	channels map[string]struct{}
	// drain pulls every pending packet off one node and decodes it;
	// bound to the concrete message type at registration time.
	drain func(n *node.Node, sink ErrorFunc)
	inbox any
}

type encodeEntry struct {
	key      entryKey
	channels map[string]struct{}
	codec    Codec
}

// Registry holds the independent encode-side and decode-side dispatch
// tables. A channel may only send or only receive a given message type,
// so the two sides are extended separately.
type Registry struct {
	mu     sync.RWMutex
	decode map[entryKey]*decodeEntry
	encode map[entryKey]*encodeEntry
	// byType resolves outbound sends without knowing the codec.
	byType map[reflect.Type][]*encodeEntry
}

// NewRegistry returns an empty pipeline registry.
func NewRegistry() *Registry {
	return &Registry{
		decode: make(map[entryKey]*decodeEntry),
		encode: make(map[entryKey]*encodeEntry),
		byType: make(map[reflect.Type][]*encodeEntry),
	}
}

// Register installs codec c for message type M on the given channels,
// on both the encode and decode side. Idempotent: the first call for a
// (M, c) pairing creates the dispatch entries and the typed inbox;
// later calls only extend the channel sets and return the same inbox.
func Register[M any](r *Registry, c Codec, channels ...string) *Inbox[M] {
	key := entryKey{msg: reflect.TypeOf((*M)(nil)).Elem(), codec: c.Name()}

	r.mu.Lock()
	defer r.mu.Unlock()

	de, ok := r.decode[key]
	if !ok {
		ib := &Inbox[M]{q: queue.New[Received[M]]()}
		de = &decodeEntry{
			key:      key,
			channels: make(map[string]struct{}),
			inbox:    ib,
			drain: func(n *node.Node, sink ErrorFunc) {
				drainNode(n, c, ib, sink)
			},
		}
		r.decode[key] = de
		zap.L().Debug("codec registered", zap.String("pairing", key.String()))
	}
	for _, ch := range channels {
		de.channels[ch] = struct{}{}
	}

	ee, ok := r.encode[key]
	if !ok {
		ee = &encodeEntry{key: key, channels: make(map[string]struct{}), codec: c}
		r.encode[key] = ee
		r.byType[key.msg] = append(r.byType[key.msg], ee)
	}
	for _, ch := range channels {
		ee.channels[ch] = struct{}{}
	}

	return de.inbox.(*Inbox[M])
}

// RegisterDecode installs the pairing on the decode side only.
func RegisterDecode[M any](r *Registry, c Codec, channels ...string) *Inbox[M] {
	ib := Register[M](r, c, channels...)
	r.mu.Lock()
	key := entryKey{msg: reflect.TypeOf((*M)(nil)).Elem(), codec: c.Name()}
	for _, ch := range channels {
		delete(r.encode[key].channels, ch)
	}
	r.mu.Unlock()
	return ib
}

// RegisterEncode installs the pairing on the encode side only.
func RegisterEncode[M any](r *Registry, c Codec, channels ...string) {
	_ = Register[M](r, c, channels...)
	r.mu.Lock()
	key := entryKey{msg: reflect.TypeOf((*M)(nil)).Elem(), codec: c.Name()}
	for _, ch := range channels {
		delete(r.decode[key].channels, ch)
	}
	r.mu.Unlock()
}

func drainNode[M any](n *node.Node, c Codec, ib *Inbox[M], sink ErrorFunc) {
	for {
		p, ok := n.TryRecv()
		if !ok {
			return
		}
		data := p.Bytes
		if len(data) == 0 && p.Text != "" {
			data = []byte(p.Text)
		}
		var m M
		if err := c.Unmarshal(data, &m); err != nil {
			if sink != nil {
				sink(n, node.NewError(node.KindDeserialize, err))
			}
			continue
		}
		_ = ib.q.TrySend(Received[M]{Node: n, Channel: n.Channel(), Addr: p.Addr, Msg: m})
	}
}

// DecodeStep drains pending packets for every node whose channel is
// registered on the decode side. endpoints resolves a channel name to
// its receive-owning nodes. Decode failures surface through sink and
// never stop the rest of the batch.
func (r *Registry) DecodeStep(endpoints func(channel string) []*node.Node, sink ErrorFunc) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, de := range r.decode {
		for ch := range de.channels {
			for _, n := range endpoints(ch) {
				de.drain(n, sink)
			}
		}
	}
}

// Send encodes msg for channel and enqueues the bytes to every sender
// node individually. Encode failures surface as Serialize errors on the
// target nodes and enqueue nothing. Returns an error only when no
// pairing is registered for the message type and channel.
func Send[M any](r *Registry, senders func(channel string) []*node.Node, channelName string, msg M) error {
	t := reflect.TypeOf((*M)(nil)).Elem()

	r.mu.RLock()
	var ee *encodeEntry
	for _, cand := range r.byType[t] {
		if _, ok := cand.channels[channelName]; ok {
			ee = cand
			break
		}
	}
	r.mu.RUnlock()

	if ee == nil {
		return fmt.Errorf("no codec registered for %s on channel %q", t, channelName)
	}

	targets := senders(channelName)
	if len(targets) == 0 {
		return nil
	}
	b, err := ee.codec.Marshal(msg)
	if err != nil {
		for _, n := range targets {
			n.ReportError(node.KindSerialize, err)
		}
		return nil
	}
	for _, n := range targets {
		n.SendBytesTo(b, n.RemoteAddr().String())
	}
	return nil
}
