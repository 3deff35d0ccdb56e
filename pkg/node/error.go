package node

import "fmt"

// ErrorKind classifies node-scoped failures. Connection and Disconnect
// drive the reconnect path for client-role nodes; everything else is
// terminal for the node that reported it.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindListen is a bind/listen failure.
	KindListen
	// KindAccept is a failure while accepting an inbound connection.
	KindAccept
	// KindConnection is a dial failure or a broken established link.
	KindConnection
	// KindSend is a socket write failure or a send into a closed queue.
	KindSend
	// KindChannelClosed means an internal queue was torn down.
	KindChannelClosed
	// KindSerialize is an encode failure in the transformer pipeline.
	KindSerialize
	// KindDeserialize is a decode failure in the transformer pipeline.
	KindDeserialize
)

func (k ErrorKind) String() string {
	switch k {
	case KindListen:
		return "listen"
	case KindAccept:
		return "accept"
	case KindConnection:
		return "connection"
	case KindSend:
		return "send"
	case KindChannelClosed:
		return "channel-closed"
	case KindSerialize:
		return "serialize"
	case KindDeserialize:
		return "deserialize"
	default:
		return "unknown"
	}
}

// Error is a node-scoped failure surfaced through the event queue.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a node error from a format string.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}
