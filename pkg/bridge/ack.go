package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/redisbridge/pkg/codec"
	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
)

// ackChannelFor is the channel a bridge receives acks on. Senders and
// receivers must share the namespace.
func (b *Bridge) ackChannelFor(id string) string {
	return b.resolver.Namespaced("ack." + id)
}

func (b *Bridge) ackTimeout(timeout time.Duration) time.Duration {
	if maxTimeout := b.cfg.Publish.AckTimeout; timeout <= 0 || timeout > maxTimeout {
		return maxTimeout
	}
	return timeout
}

// PublishAck publishes msg and waits until a receiving bridge has run its
// handlers for it without error. An empty topic uses the channel msg's type
// is registered to. No ack in time is a NoAckError.
func (b *Bridge) PublishAck(ctx context.Context, topic string, msg any, timeout time.Duration) error {
	if err := b.running(); err != nil {
		return err
	}
	timeout = b.ackTimeout(timeout)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := uuid.NewString()
	// the ack channel is subscribed once the connection has replayed
	if err := b.WaitReady(actx); err != nil {
		return b.noAck(ctx, id, timeout)
	}

	ch, payload, err := b.prepare(topic, msg, codec.Envelope{ID: id, AckRequested: true})
	if err != nil {
		b.metrics.ObservePublish(err)
		return err
	}
	wait, err := b.acks.add(id)
	if err != nil {
		return err
	}
	defer b.acks.remove(id)

	if err := b.publish(actx, ch, payload); err != nil {
		return err
	}

	select {
	case <-wait:
		return nil
	case <-b.quit:
		return bridgeerrors.ErrClosed
	case <-actx.Done():
		return b.noAck(ctx, id, timeout)
	}
}

// awaitQueuedAck resolves a queued publish that asked for an ack: first
// the flush outcome, then the ack.
func (b *Bridge) awaitQueuedAck(ctx context.Context, id string, timeout time.Duration,
	flushed <-chan error, wait <-chan struct{}, done chan<- error) {
	defer b.acks.remove(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-flushed:
		if err != nil {
			done <- err
			return
		}
	case <-b.quit:
		done <- bridgeerrors.ErrClosed
		return
	case <-timer.C:
		done <- b.noAck(ctx, id, timeout)
		return
	}

	select {
	case <-wait:
		done <- nil
	case <-b.quit:
		done <- bridgeerrors.ErrClosed
	case <-ctx.Done():
		done <- ctx.Err()
	case <-timer.C:
		done <- b.noAck(ctx, id, timeout)
	}
}

func (b *Bridge) noAck(ctx context.Context, id string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.metrics.AckTimeouts.Inc()
	return bridgeerrors.NewNoAckError(id, timeout)
}

// sendAck acknowledges env to its sender. It runs on a dispatch worker, so
// the ack rides the publish queue instead of a pooled connection.
func (b *Bridge) sendAck(env codec.Envelope) {
	if env.Sender == "" || env.ID == "" {
		return
	}
	payload, err := codec.Seal(codec.Envelope{
		ID:            uuid.NewString(),
		Sender:        b.id,
		Type:          codec.AckType,
		CorrelationID: env.ID,
	})
	if err != nil {
		b.logger.ComponentWarn(logging.ComponentBridge, "Ack encoding failed", zap.Error(err))
		return
	}
	b.queue.push(queuedPublish{
		channel: b.ackChannelFor(env.Sender),
		payload: payload,
		done:    make(chan error, 1),
	})
	b.metrics.AcksSent.Inc()
}

// handleAck completes the acked publish waiting on the ack channel. Late
// acks are dropped.
func (b *Bridge) handleAck(_ context.Context, msg *Delivery) error {
	if msg.Envelope.Type != codec.AckType || msg.Envelope.CorrelationID == "" {
		return nil
	}
	if !b.acks.complete(msg.Envelope.CorrelationID, struct{}{}) {
		b.logger.ComponentDebug(logging.ComponentBridge, "Dropping ack without pending publish",
			zap.String("correlation_id", msg.Envelope.CorrelationID),
			zap.String("sender", msg.Envelope.Sender))
	}
	return nil
}
