package pubsub

import (
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
)

// Registry tracks which handlers listen on which channels and keeps the
// transport subscribed to exactly the channels that have at least one
// handler.
type Registry struct {
	subscriber Subscriber
	logger     *logging.ColoredLogger

	// mu guards the maps only. Per-channel work runs under channelState.mu.
	// Lock order is channelState.mu before mu.
	mu       sync.RWMutex
	channels map[string]*channelState
	ids      map[HandlerID]string
	closed   bool

	nextID atomic.Uint64
}

// channelState holds the handlers of one channel. A state lives from the
// 0->1 transition until the 1->0 transition; a fresh state is created for
// the next lifecycle.
type channelState struct {
	mu      sync.Mutex
	channel string
	pattern bool
	subs    []*Subscription
	retired bool

	// view is the copy-on-write handler list read by the dispatcher.
	view atomic.Pointer[[]*Subscription]

	// deferred is set while no subscribe command for the channel is live on
	// the server: it failed with the connection down, or the connection
	// dropped since. The next confirmation clears it.
	deferred atomic.Bool

	// acked is closed exactly while ack holds AckConfirmed. ackMu is a leaf
	// lock.
	ackMu sync.Mutex
	ack   atomic.Int32
	acked chan struct{}
}

func newChannelState(channel string, pattern bool) *channelState {
	st := &channelState{channel: channel, pattern: pattern, acked: make(chan struct{})}
	empty := []*Subscription{}
	st.view.Store(&empty)
	return st
}

func (st *channelState) publish() {
	cp := make([]*Subscription, len(st.subs))
	copy(cp, st.subs)
	st.view.Store(&cp)
}

func (st *channelState) confirm() {
	st.ackMu.Lock()
	defer st.ackMu.Unlock()
	st.deferred.Store(false)
	if AckState(st.ack.Load()) == AckConfirmed {
		return
	}
	st.ack.Store(int32(AckConfirmed))
	close(st.acked)
}

// reset arms a fresh confirmation for the next connection.
func (st *channelState) reset() {
	st.ackMu.Lock()
	defer st.ackMu.Unlock()
	st.deferred.Store(true)
	if AckState(st.ack.Load()) == AckConfirmed {
		st.ack.Store(int32(AckPending))
		st.acked = make(chan struct{})
	}
}

// confirmed returns the channel closed by the next (or current)
// confirmation.
func (st *channelState) confirmed() <-chan struct{} {
	st.ackMu.Lock()
	defer st.ackMu.Unlock()
	return st.acked
}

// NewRegistry creates a registry issuing commands through sub.
func NewRegistry(sub Subscriber, logger *zap.Logger) *Registry {
	return &Registry{
		subscriber: sub,
		logger:     logging.Wrap(logger),
		channels:   make(map[string]*channelState),
		ids:        make(map[HandlerID]string),
	}
}

// stateFor returns the live state of channel, creating it when absent.
func (r *Registry) stateFor(channel string, pattern bool) (*channelState, bool) {
	r.mu.RLock()
	st, ok := r.channels[channel]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, false
	}
	if ok {
		return st, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	if st, ok = r.channels[channel]; ok {
		return st, true
	}
	st = newChannelState(channel, pattern)
	r.channels[channel] = st
	return st, true
}

func (r *Registry) lookup(channel string) *channelState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channels[channel]
}

// retire detaches st from the map. Caller holds st.mu.
func (r *Registry) retire(st *channelState) {
	st.retired = true
	r.mu.Lock()
	if r.channels[st.channel] == st {
		delete(r.channels, st.channel)
	}
	r.mu.Unlock()
}

// Handlers returns the handlers of channel in insertion order. The returned
// slice must not be modified.
func (r *Registry) Handlers(channel string) []*Subscription {
	st := r.lookup(channel)
	if st == nil {
		return nil
	}
	return *st.view.Load()
}

// Snapshot lists every channel that currently has at least one handler,
// sorted by name.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.channels))
	for _, st := range r.channels {
		n := len(*st.view.Load())
		if n == 0 {
			continue
		}
		out = append(out, Entry{
			Channel:  st.channel,
			Pattern:  st.pattern,
			Handlers: n,
			Ack:      AckState(st.ack.Load()),
			Deferred: st.deferred.Load(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Len returns the number of live handler registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// Confirm records a server acknowledgement for channel.
func (r *Registry) Confirm(channel string) {
	if st := r.lookup(channel); st != nil {
		st.confirm()
	}
}

// ResetAcks marks every channel unconfirmed and deferred, typically after
// the connection drops. WaitAck callers arriving afterwards block until the
// replay is confirmed; waiters already released stay released.
func (r *Registry) ResetAcks() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.channels {
		st.reset()
	}
}
