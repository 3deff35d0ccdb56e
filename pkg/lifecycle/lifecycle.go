// Package lifecycle drives the per-node connection state machine. The
// manager is poll-driven: each pass drains every tracked node's event
// queue, updates state, republishes events to a surfaced queue for the
// host, schedules fixed-delay reconnects for client-role nodes, and
// tears down accepted peers on terminal disconnects. Accepted peers are
// never retried; that asymmetry is deliberate.
package lifecycle

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"wirenet/pkg/node"
	"wirenet/pkg/queue"
)

// State is the lifecycle phase of one node.
type State int

const (
	StateIdle State = iota
	// StateStarting covers both Connecting and Listening.
	StateStarting
	StateActive
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "idle"
	}
}

// Reconnect is the fixed-delay, bounded-attempt retry policy attached
// to client-role nodes. Retries resets to zero on any Connected event.
type Reconnect struct {
	Delay      time.Duration
	MaxRetries int
	Retries    int
}

// DefaultReconnect is a two second delay with effectively unlimited
// attempts.
func DefaultReconnect() Reconnect {
	return Reconnect{Delay: 2 * time.Second, MaxRetries: math.MaxInt}
}

// Event is a lifecycle notification surfaced to the host, tagged with
// its originating node.
type Event struct {
	Node  *node.Node
	Event node.Event
}

// RedialFunc re-issues the start request for a client node whose
// reconnect deadline passed.
type RedialFunc func(n *node.Node) error

type entry struct {
	n        *node.Node
	state    State
	rec      Reconnect
	deadline time.Time // next reconnect attempt; zero when none pending
}

// Manager tracks nodes and their states. All mutation happens inside
// Poll, which the host calls from its single consumer goroutine;
// the mutex only guards against concurrent inspection.
type Manager struct {
	mu       sync.Mutex
	tracked  map[uint64]*entry
	surfaced *queue.Queue[Event]
	redial   RedialFunc

	// onTerminate lets the channel router drop terminated nodes.
	onTerminate func(n *node.Node)
}

// NewManager builds a manager. redial may be nil for setups without
// client nodes; onTerminate may be nil.
func NewManager(redial RedialFunc, onTerminate func(*node.Node)) *Manager {
	return &Manager{
		tracked:     make(map[uint64]*entry),
		surfaced:    queue.New[Event](),
		redial:      redial,
		onTerminate: onTerminate,
	}
}

// Events returns the surfaced lifecycle event queue, drained by the
// host with TryRecv.
func (m *Manager) Events() *queue.Queue[Event] { return m.surfaced }

// Watch starts tracking a node that just received its start request.
// The reconnect policy only applies to client-role nodes.
func (m *Manager) Watch(n *node.Node, rec Reconnect) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked[n.ID()] = &entry{n: n, state: StateStarting, rec: rec}
}

// Forget stops tracking a node without closing it.
func (m *Manager) Forget(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracked, id)
}

// State reports the current lifecycle state of a node, or StateIdle if
// untracked.
func (m *Manager) State(id uint64) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tracked[id]; ok {
		return e.state
	}
	return StateIdle
}

// Retries reports the attempts-so-far for a tracked node.
func (m *Manager) Retries(id uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tracked[id]; ok {
		return e.rec.Retries
	}
	return 0
}

// SurfaceError publishes a node-scoped error directly to the surfaced
// queue, bypassing the node's own event queue. The transformer pipeline
// uses this for decode failures so they never toggle the node's running
// flag.
func (m *Manager) SurfaceError(n *node.Node, err *node.Error) {
	_ = m.surfaced.TrySend(Event{Node: n, Event: node.Event{Type: node.EventError, Err: err}})
}

// Poll advances every tracked node: drains its event queue, applies
// transitions, and fires reconnects whose deadline passed. now is
// injected for testability.
func (m *Manager) Poll(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.tracked {
		m.drainNode(e, now)
		if e.state == StateTerminated {
			delete(m.tracked, id)
			continue
		}
		if e.state == StateReconnecting && !e.deadline.IsZero() && !now.Before(e.deadline) {
			e.deadline = time.Time{}
			e.state = StateStarting
			e.n.ResetForRetry()
			zap.L().Debug("reconnecting",
				zap.Uint64("node", e.n.ID()),
				zap.String("channel", e.n.Channel()),
				zap.Int("attempt", e.rec.Retries))
			if m.redial != nil {
				if err := m.redial(e.n); err != nil {
					e.n.ReportError(node.KindConnection, err)
				}
			}
		}
	}
}

func (m *Manager) drainNode(e *entry, now time.Time) {
	for {
		ev, ok := e.n.Events.TryRecv()
		if !ok {
			return
		}
		switch ev.Type {
		case node.EventListening, node.EventConnected:
			e.n.Start()
			e.state = StateActive
			e.rec.Retries = 0
			e.deadline = time.Time{}
		case node.EventDisconnected:
			e.n.Stop()
			m.onLinkDown(e, now)
		case node.EventError:
			// Send/Serialize failures leave the link and its I/O
			// loops alive; only dead-machinery kinds stop the node.
			if ev.Err == nil {
				break
			}
			switch ev.Err.Kind {
			case node.KindConnection, node.KindListen:
				e.n.Stop()
				m.onLinkDown(e, now)
			case node.KindAccept, node.KindChannelClosed:
				e.n.Stop()
			}
		}
		_ = m.surfaced.TrySend(Event{Node: e.n, Event: ev})
	}
}

// onLinkDown routes a dead link into either the reconnect path or
// termination, depending on the node's role and remaining attempts.
func (m *Manager) onLinkDown(e *entry, now time.Time) {
	if e.state == StateTerminated {
		return
	}
	if e.n.Role() == node.RoleClient && e.rec.Retries < e.rec.MaxRetries {
		e.rec.Retries++
		e.state = StateReconnecting
		e.deadline = now.Add(e.rec.Delay)
		return
	}
	e.state = StateTerminated
	e.n.Close()
	zap.L().Debug("node terminated",
		zap.Uint64("node", e.n.ID()),
		zap.String("role", e.n.Role().String()),
		zap.String("channel", e.n.Channel()))
	if m.onTerminate != nil {
		m.onTerminate(e.n)
	}
}
