package bridge

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/redisbridge/pkg/codec"
	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
)

type reply struct {
	msg *Delivery
	err error
}

// Request publishes msg on topic and waits for the first reply. Timeouts
// above request.timeout, and zero, use request.timeout. No reply in time is
// a NoResponseError; more than request.max_pending requests in flight is
// ErrTooManyPending.
//
// The reply is decoded as whatever type it declares; an undecodable reply
// is returned with its DecodingError.
func (b *Bridge) Request(ctx context.Context, topic string, msg any, timeout time.Duration) (*Delivery, error) {
	if err := b.running(); err != nil {
		return nil, err
	}
	if maxTimeout := b.cfg.Request.Timeout; timeout <= 0 || timeout > maxTimeout {
		timeout = maxTimeout
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := uuid.NewString()
	expired := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return bridgeerrors.NewNoResponseError(id, timeout)
	}

	// the reply channel is subscribed once the connection has replayed
	if err := b.WaitReady(rctx); err != nil {
		return nil, expired()
	}

	ch, payload, err := b.prepare(topic, msg, codec.Envelope{ID: id, ReplyTo: b.replyChannel})
	if err != nil {
		return nil, err
	}

	wait, err := b.pending.add(id)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", id, err)
	}
	defer b.pending.remove(id)

	if err := b.publish(rctx, ch, payload); err != nil {
		return nil, err
	}

	select {
	case r := <-wait:
		return r.msg, r.err
	case <-b.quit:
		return nil, bridgeerrors.ErrClosed
	case <-rctx.Done():
		return nil, expired()
	}
}

// Reply answers req with msg on the requester's reply channel.
func (b *Bridge) Reply(ctx context.Context, req *Delivery, msg any) error {
	if req == nil || req.Envelope.ReplyTo == "" {
		return bridgeerrors.NewValidationError("request", "has no reply channel", nil)
	}
	t := reflect.TypeOf(msg)
	d, ok := b.resolver.DescriptorFor(t)
	if !ok {
		return bridgeerrors.NewEncodingError(fmt.Sprintf("%v", t), bridgeerrors.ErrUnregistered)
	}

	payload, err := codec.Encode(d.Target(), msg, codec.Envelope{
		ID:            uuid.NewString(),
		Sender:        b.id,
		CorrelationID: req.Envelope.ID,
	})
	if err != nil {
		return err
	}
	return b.publish(ctx, req.Envelope.ReplyTo, payload)
}

// handleReply completes the pending request a reply correlates to. Late
// replies are dropped.
func (b *Bridge) handleReply(_ context.Context, msg *Delivery) error {
	id := msg.Envelope.CorrelationID
	if id == "" {
		return nil
	}

	var err error
	if d, ok := b.resolver.DescriptorNamed(msg.Envelope.Type); ok {
		msg.Value, err = codec.DecodeBody(msg.Channel, msg.Envelope, d.Target())
	} else {
		err = bridgeerrors.NewDecodingError(msg.Channel, msg.Envelope.Type, bridgeerrors.ErrUnregistered)
	}

	// the requester reports decode failures
	if !b.pending.complete(id, reply{msg: msg, err: err}) {
		b.logger.ComponentDebug(logging.ComponentBridge, "Dropping reply without pending request",
			zap.String("correlation_id", id),
			zap.String("sender", msg.Envelope.Sender))
	}
	return nil
}
