package pubsub

import (
	"context"
	"errors"
	"slices"

	"go.uber.org/zap"

	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
)

// Add registers handler on channel. The first handler on a channel issues
// the subscribe command; later handlers only join the fan-out list.
//
// A transport failure does not undo the registration: the channel is
// subscribed again when the connection comes back. Any other failure rolls
// the registration back and is returned.
func (r *Registry) Add(ctx context.Context, channel string, handler MessageHandler, opts AddOptions) (*Subscription, error) {
	if channel == "" {
		return nil, bridgeerrors.NewValidationError("channel", "must not be empty", nil)
	}
	if handler == nil {
		return nil, bridgeerrors.NewValidationError("handler", "must not be nil", nil)
	}

	for {
		st, ok := r.stateFor(channel, opts.Pattern)
		if !ok {
			return nil, bridgeerrors.ErrClosed
		}

		st.mu.Lock()
		if st.retired {
			// lost a race with the last Remove; the next state is fresh
			st.mu.Unlock()
			continue
		}
		if st.pattern != opts.Pattern {
			st.mu.Unlock()
			return nil, bridgeerrors.NewValidationError("channel",
				"already subscribed with a different pattern mode", channel)
		}

		sub := &Subscription{
			ID:      HandlerID(r.nextID.Add(1)),
			Channel: channel,
			Pattern: opts.Pattern,
			Handler: handler,
			Filter:  opts.Filter,
			Raw:     opts.Raw,
		}
		st.subs = append(st.subs, sub)
		st.publish()
		r.mu.Lock()
		r.ids[sub.ID] = channel
		r.mu.Unlock()

		if len(st.subs) == 1 {
			if err := r.subscriber.Subscribe(ctx, channel, opts.Pattern); err != nil {
				if !bridgeerrors.IsTransport(err) {
					st.subs = st.subs[:0]
					st.publish()
					r.mu.Lock()
					delete(r.ids, sub.ID)
					r.mu.Unlock()
					r.retire(st)
					st.mu.Unlock()
					return nil, err
				}
				st.deferred.Store(true)
				r.logger.ComponentWarn(logging.ComponentRegistry, "Subscribe deferred until reconnect",
					zap.String("channel", channel),
					zap.Error(err))
			} else {
				r.logger.ComponentDebug(logging.ComponentRegistry, "Channel subscribed",
					zap.String("channel", channel),
					zap.Bool("pattern", opts.Pattern))
			}
		}
		acked := st.confirmed()
		st.mu.Unlock()

		if opts.WaitAck {
			select {
			case <-acked:
			case <-ctx.Done():
				_ = r.Remove(context.WithoutCancel(ctx), sub.ID)
				return nil, ctx.Err()
			}
		}
		return sub, nil
	}
}

// Remove drops one handler registration. The last handler on a channel
// issues the unsubscribe command. Removing an unknown or already removed ID
// is a no-op.
func (r *Registry) Remove(ctx context.Context, id HandlerID) error {
	r.mu.RLock()
	channel, ok := r.ids[id]
	st := r.channels[channel]
	r.mu.RUnlock()
	if !ok || st == nil {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	idx := slices.IndexFunc(st.subs, func(s *Subscription) bool { return s.ID == id })
	if idx < 0 {
		return nil
	}
	st.subs = slices.Delete(st.subs, idx, idx+1)
	st.publish()
	r.mu.Lock()
	delete(r.ids, id)
	r.mu.Unlock()

	if len(st.subs) > 0 {
		return nil
	}
	return r.release(ctx, st)
}

// release issues the unsubscribe for an emptied state and retires it.
// Caller holds st.mu.
func (r *Registry) release(ctx context.Context, st *channelState) error {
	err := r.subscriber.Unsubscribe(ctx, st.channel, st.pattern)
	r.retire(st)
	if err == nil {
		r.logger.ComponentDebug(logging.ComponentRegistry, "Channel unsubscribed",
			zap.String("channel", st.channel))
		return nil
	}
	if bridgeerrors.IsTransport(err) || errors.Is(err, bridgeerrors.ErrClosed) {
		// a dropped or closed connection holds no subscriptions, and replay
		// skips retired channels
		return nil
	}
	r.logger.ComponentWarn(logging.ComponentRegistry, "Unsubscribe failed",
		zap.String("channel", st.channel),
		zap.Error(err))
	return err
}

// Close removes every registration and unsubscribes every channel. Add
// fails with ErrClosed afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	states := make([]*channelState, 0, len(r.channels))
	for _, st := range r.channels {
		states = append(states, st)
	}
	r.mu.Unlock()

	var firstErr error
	for _, st := range states {
		st.mu.Lock()
		if st.retired {
			st.mu.Unlock()
			continue
		}
		r.mu.Lock()
		for _, s := range st.subs {
			delete(r.ids, s.ID)
		}
		r.mu.Unlock()
		st.subs = nil
		st.publish()
		if err := r.release(ctx, st); err != nil && firstErr == nil {
			firstErr = err
		}
		st.mu.Unlock()
	}
	return firstErr
}
