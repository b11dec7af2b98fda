package pubsub

import (
	"context"
	"reflect"
	"time"

	"github.com/DeBrosOfficial/redisbridge/pkg/codec"
)

// Message is what a handler receives for one inbound frame.
type Message struct {
	// Channel is the concrete channel the frame arrived on.
	Channel string
	// Pattern is the subscribed pattern the frame matched, empty for exact
	// subscriptions.
	Pattern string
	// Envelope carries the sender metadata. Zero for raw frames that did not
	// parse as an envelope.
	Envelope codec.Envelope
	// Value is the decoded message, nil when the frame could not be decoded.
	Value any
	// Payload is the frame exactly as it came off the wire.
	Payload    []byte
	ReceivedAt time.Time
}

// MessageHandler is called once per delivered frame. Multiple handlers can be
// registered for the same channel; each one receives the frame in the order
// the handlers were added. A returned error is reported but does not stop
// the remaining handlers.
type MessageHandler func(ctx context.Context, msg *Message) error

// HandlerID uniquely identifies a handler registration. IDs are never reused
// within a process.
type HandlerID uint64

// Subscription is one handler registration.
type Subscription struct {
	ID      HandlerID
	Channel string
	Pattern bool
	Handler MessageHandler
	// Filter restricts delivery to decoded values of this type. Nil accepts
	// any decoded value.
	Filter reflect.Type
	// Raw subscriptions receive every frame, decoded or not.
	Raw bool
}

// Accepts reports whether the subscription wants a frame decoded to v.
func (s *Subscription) Accepts(v any) bool {
	if s.Raw {
		return true
	}
	if v == nil {
		return false
	}
	return s.Filter == nil || reflect.TypeOf(v) == s.Filter
}

// AckState is the last known confirmation state of a channel subscription.
type AckState int32

const (
	AckPending AckState = iota
	AckConfirmed
)

func (a AckState) String() string {
	if a == AckConfirmed {
		return "confirmed"
	}
	return "pending"
}

// Entry is one subscribed channel as reported by Registry.Snapshot.
type Entry struct {
	Channel  string
	Pattern  bool
	Handlers int
	Ack      AckState
	// Deferred channels wait for the next connection to be subscribed.
	Deferred bool
}

// AddOptions tunes Registry.Add.
type AddOptions struct {
	Pattern bool
	Filter  reflect.Type
	Raw     bool
	// WaitAck blocks Add until the server confirms the subscription or ctx
	// is done.
	WaitAck bool
}

// Subscriber issues the network commands behind the registry's 0->1 and
// 1->0 transitions.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, pattern bool) error
	Unsubscribe(ctx context.Context, channel string, pattern bool) error
}
