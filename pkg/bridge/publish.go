package bridge

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/redisbridge/pkg/channel"
	"github.com/DeBrosOfficial/redisbridge/pkg/codec"
	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
)

// Publish sends msg on the channel its type is registered to.
func (b *Bridge) Publish(ctx context.Context, msg any) error {
	ch, payload, err := b.prepare("", msg, codec.Envelope{})
	if err != nil {
		b.metrics.ObservePublish(err)
		return err
	}
	return b.publish(ctx, ch, payload)
}

// PublishTo sends msg on topic instead of the channel its type is
// registered to. Types registered on a pattern need a topic the pattern
// matches.
func (b *Bridge) PublishTo(ctx context.Context, topic string, msg any) error {
	if topic == "" {
		return bridgeerrors.NewValidationError("topic", "must not be empty", nil)
	}
	ch, payload, err := b.prepare(topic, msg, codec.Envelope{})
	if err != nil {
		b.metrics.ObservePublish(err)
		return err
	}
	return b.publish(ctx, ch, payload)
}

// PublishRaw sends payload unchanged on the wire channel ch.
func (b *Bridge) PublishRaw(ctx context.Context, ch string, payload []byte) error {
	if ch == "" {
		return bridgeerrors.NewValidationError("channel", "must not be empty", nil)
	}
	return b.publish(ctx, ch, payload)
}

// PublishQueued encodes msg now and sends it with the next pipeline flush.
// The returned channel yields the outcome once. An empty topic uses the
// channel msg's type is registered to. With RequireAck the outcome is
// delivered once a receiver acknowledged the message.
func (b *Bridge) PublishQueued(ctx context.Context, topic string, msg any, opts ...PublishOption) <-chan error {
	done := make(chan error, 1)
	if err := b.running(); err != nil {
		done <- err
		return done
	}
	if err := ctx.Err(); err != nil {
		done <- err
		return done
	}
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	meta := codec.Envelope{}
	if o.ack {
		meta.ID = uuid.NewString()
		meta.AckRequested = true
	}
	ch, payload, err := b.prepare(topic, msg, meta)
	if err != nil {
		b.metrics.ObservePublish(err)
		done <- err
		return done
	}
	if !o.ack {
		b.queue.push(queuedPublish{channel: ch, payload: payload, done: done})
		return done
	}

	wait, err := b.acks.add(meta.ID)
	if err != nil {
		done <- err
		return done
	}
	flushed := make(chan error, 1)
	b.queue.push(queuedPublish{channel: ch, payload: payload, done: flushed})
	go b.awaitQueuedAck(ctx, meta.ID, b.ackTimeout(o.ackTimeout), flushed, wait, done)
	return done
}

// prepare resolves the channel for msg and encodes it. meta carries the
// request/reply fields; ID and Sender are filled in.
func (b *Bridge) prepare(topic string, msg any, meta codec.Envelope) (string, []byte, error) {
	if msg == nil {
		return "", nil, bridgeerrors.NewEncodingError("", bridgeerrors.ErrInvalidInput)
	}
	t := reflect.TypeOf(msg)
	d, ok := b.resolver.DescriptorFor(t)
	if !ok {
		return "", nil, bridgeerrors.NewEncodingError(t.String(), bridgeerrors.ErrUnregistered)
	}

	var ch string
	if topic == "" {
		var err error
		if ch, err = b.resolver.ChannelFor(msg); err != nil {
			return "", nil, err
		}
	} else {
		ch = b.resolver.Namespaced(topic)
		if d.Pattern && !channel.Match(d.Channel, ch) {
			return "", nil, bridgeerrors.NewValidationError("topic",
				fmt.Sprintf("%s does not match pattern %s of %s", ch, d.Channel, t), topic)
		}
	}

	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	meta.Sender = b.id
	payload, err := codec.Encode(d.Target(), msg, meta)
	if err != nil {
		return "", nil, err
	}
	return ch, payload, nil
}

// publish borrows a pooled connection, issues PUBLISH and returns the
// lease, or discards it when the connection failed.
func (b *Bridge) publish(ctx context.Context, ch string, payload []byte) (err error) {
	defer func() { b.metrics.ObservePublish(err) }()

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Publish.Timeout)
	defer cancel()

	lease, err := b.pool.Borrow(ctx)
	if err != nil {
		return err
	}
	receivers, err := lease.Publish(ctx, ch, payload)
	if err != nil {
		lease.Invalidate()
		b.logger.ComponentWarn(logging.ComponentBridge, "Publish failed",
			zap.String("channel", ch),
			zap.Error(err))
		return bridgeerrors.NewTransportError("publish", err, ch)
	}
	lease.Release()

	b.logger.ComponentDebug(logging.ComponentBridge, "Published",
		zap.String("channel", ch),
		zap.Int("bytes", len(payload)),
		zap.Int64("receivers", receivers))
	return nil
}
