package bridge

import (
	"context"
	"fmt"
	"reflect"

	"github.com/DeBrosOfficial/redisbridge/pkg/channel"
	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
	"github.com/DeBrosOfficial/redisbridge/pkg/pubsub"
)

// Subscribe registers handler on topic. Topics containing glob characters
// subscribe as patterns. A topic with a registered descriptor delivers
// values of that type; any other topic delivers raw frames.
func (b *Bridge) Subscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if topic == "" {
		return nil, bridgeerrors.NewValidationError("topic", "must not be empty", nil)
	}
	var so subscribeOptions
	for _, opt := range opts {
		opt(&so)
	}

	add := pubsub.AddOptions{
		Pattern: channel.IsPattern(topic),
		Filter:  so.filter,
		Raw:     so.raw,
		WaitAck: so.waitAck,
	}
	if !add.Raw && add.Filter == nil {
		if d, ok := b.resolver.DescriptorNamed(topic); ok {
			add.Filter = d.Type
		} else {
			add.Raw = true
		}
	}
	return b.add(ctx, b.resolver.Namespaced(topic), handler, add)
}

// On subscribes handler to the channel T is registered to.
func On[T any](ctx context.Context, b *Bridge, handler func(ctx context.Context, msg T, d *Delivery) error, opts ...SubscribeOption) (*Subscription, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	d, ok := b.resolver.DescriptorFor(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", bridgeerrors.ErrUnregistered, t)
	}
	var so subscribeOptions
	for _, opt := range opts {
		opt(&so)
	}

	typed := func(ctx context.Context, msg *Delivery) error {
		v, ok := msg.Value.(T)
		if !ok {
			return fmt.Errorf("delivery on %s holds %T, want %s", msg.Channel, msg.Value, t)
		}
		return handler(ctx, v, msg)
	}
	return b.add(ctx, d.Channel, typed, pubsub.AddOptions{
		Pattern: d.Pattern,
		Filter:  t,
		WaitAck: so.waitAck,
	})
}

func (b *Bridge) add(ctx context.Context, ch string, handler Handler, opts pubsub.AddOptions) (*Subscription, error) {
	b.mu.Lock()
	stopped := b.stopped
	b.mu.Unlock()
	if stopped {
		return nil, bridgeerrors.ErrClosed
	}
	return b.registry.Add(ctx, ch, handler, opts)
}

// Unsubscribe removes sub. Frames arriving afterwards are not delivered to
// it; an invocation already running is not interrupted. Unsubscribing twice
// is a no-op.
func (b *Bridge) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}
	return b.registry.Remove(ctx, sub.ID)
}
