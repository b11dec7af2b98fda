package transport

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of the subscribe connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	// SubscribedIdle is connected with no channel subscribed.
	SubscribedIdle
	// SubscribedActive is connected with at least one channel subscribed.
	SubscribedActive
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case SubscribedIdle:
		return "subscribed_idle"
	case SubscribedActive:
		return "subscribed_active"
	default:
		return "unknown"
	}
}

// Connected reports whether commands can be issued in this state.
func (s State) Connected() bool {
	return s == SubscribedIdle || s == SubscribedActive
}

// Frame is one inbound pub/sub message.
type Frame struct {
	Channel string
	// Pattern is set when the frame was delivered through a pattern
	// subscription.
	Pattern    string
	Payload    []byte
	ReceivedAt time.Time
}

// Key is the registry key the frame routes to.
func (f Frame) Key() string {
	if f.Pattern != "" {
		return f.Pattern
	}
	return f.Channel
}

// EventKind classifies what Conn.Receive returned.
type EventKind int

const (
	EventMessage EventKind = iota
	EventSubscribed
	EventUnsubscribed
	EventPong
)

// Event is one item read off the subscribe connection.
type Event struct {
	Kind    EventKind
	Channel string
	Pattern string
	Payload []byte
	// Count is the number of subscriptions the server holds for the
	// connection after a subscribe or unsubscribe.
	Count int
}

// ErrReceiveTimeout is returned by Conn.Receive when nothing arrived within
// the timeout. The connection stays usable.
var ErrReceiveTimeout = errors.New("receive timeout")

// Conn is a dedicated subscribe connection.
type Conn interface {
	Subscribe(ctx context.Context, channels ...string) error
	PSubscribe(ctx context.Context, patterns ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	PUnsubscribe(ctx context.Context, patterns ...string) error
	Ping(ctx context.Context) error
	// Receive blocks for the next event. A zero timeout waits forever.
	Receive(ctx context.Context, timeout time.Duration) (Event, error)
	Close() error
}

// Dialer opens subscribe connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
