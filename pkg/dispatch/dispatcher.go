// Package dispatch decodes inbound frames and fans them out to handlers.
//
// Frames are queued per routing key (the subscribed channel or pattern) in
// bounded FIFO lanes. A fixed set of workers takes lanes off a ready list;
// a lane is owned by one worker at a time, so frames of one channel reach
// its handlers in arrival order while different channels run in parallel.
// Intake only routes, it never runs handler code and never blocks on a full
// lane: the overflowing frame is dropped and reported.
package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/redisbridge/pkg/channel"
	"github.com/DeBrosOfficial/redisbridge/pkg/codec"
	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
	"github.com/DeBrosOfficial/redisbridge/pkg/pubsub"
	"github.com/DeBrosOfficial/redisbridge/pkg/transport"
)

// Drop reasons passed to Hooks.OnDrop.
const (
	DropOverflow = "overflow"
	DropStale    = "stale"
	DropStopped  = "stopped"
)

// HandlerSource returns the handlers registered for a routing key.
type HandlerSource interface {
	Handlers(key string) []*pubsub.Subscription
}

// TypeSource returns the candidate descriptors for a concrete channel.
type TypeSource interface {
	TypesFor(ch string) []channel.Descriptor
	Policy() channel.AmbiguityPolicy
}

// ErrorSink receives contained errors: decode failures, handler failures
// and dropped frames.
type ErrorSink func(err error)

// Hooks observe the dispatcher. Any field may be nil.
type Hooks struct {
	OnDrop          func(reason string, f transport.Frame)
	OnDecodeFailure func(f transport.Frame, err error)
	OnHandled       func(channel string, elapsed time.Duration, err error)
	// OnAckRequested runs on the worker after every handler accepting a
	// frame that asked for an ack returned without error. It must not block.
	OnAckRequested func(env codec.Envelope)
}

// Config sizes the dispatcher.
type Config struct {
	Workers    int
	MaxPending int
	BatchSize  int
}

const (
	defaultMaxPending = 1024
	defaultBatchSize  = 16
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.MaxPending <= 0 {
		c.MaxPending = defaultMaxPending
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	return c
}

type lane struct {
	key   string
	queue []transport.Frame
	// scheduled is set while the lane sits on the ready list or is owned
	// by a worker.
	scheduled bool
}

// Dispatcher routes frames to lanes and runs handlers on workers.
type Dispatcher struct {
	cfg      Config
	handlers HandlerSource
	types    TypeSource
	sink     ErrorSink
	hooks    Hooks
	logger   *logging.ColoredLogger

	mu       sync.Mutex
	cond     *sync.Cond
	lanes    map[string]*lane
	ready    []*lane
	pending  int
	draining bool
	aborted  bool
	started  bool

	ctx      context.Context
	cancel   context.CancelFunc
	stop     chan struct{}
	stopOnce sync.Once
	intake   sync.WaitGroup
	workers  sync.WaitGroup
}

// New creates a dispatcher. A nil sink logs contained errors.
func New(cfg Config, handlers HandlerSource, types TypeSource, sink ErrorSink, hooks Hooks, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:      cfg.withDefaults(),
		handlers: handlers,
		types:    types,
		sink:     sink,
		hooks:    hooks,
		logger:   logging.Wrap(logger),
		lanes:    make(map[string]*lane),
		stop:     make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	if d.sink == nil {
		d.sink = d.logError
	}
	return d
}

func (d *Dispatcher) logError(err error) {
	d.logger.ComponentWarn(logging.ComponentDispatch, "Delivery error", zap.Error(err))
}

// Start consumes frames until the stream closes or Stop is called.
func (d *Dispatcher) Start(frames <-chan transport.Frame) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.workers.Add(d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		go d.work()
	}
	d.intake.Add(1)
	go d.consume(frames)

	d.logger.ComponentInfo(logging.ComponentDispatch, "Dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Int("max_pending", d.cfg.MaxPending),
		zap.Int("batch_size", d.cfg.BatchSize))
}

func (d *Dispatcher) consume(frames <-chan transport.Frame) {
	defer d.intake.Done()
	defer d.drain()
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			d.Enqueue(f)
		case <-d.stop:
			return
		}
	}
}

// drain lets workers empty the lanes and exit.
func (d *Dispatcher) drain() {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()
	d.cond.Broadcast()
}

// Enqueue routes one frame to its lane. It never blocks on handlers.
func (d *Dispatcher) Enqueue(f transport.Frame) {
	key := f.Key()

	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		d.dropped(DropStopped, f)
		return
	}
	l, ok := d.lanes[key]
	if !ok {
		l = &lane{key: key}
		d.lanes[key] = l
	}
	if len(l.queue) >= d.cfg.MaxPending {
		d.mu.Unlock()
		d.dropped(DropOverflow, f)
		return
	}
	l.queue = append(l.queue, f)
	d.pending++
	if !l.scheduled {
		l.scheduled = true
		d.ready = append(d.ready, l)
		d.cond.Signal()
	}
	d.mu.Unlock()
}

// Pending returns the number of queued frames.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for {
		d.mu.Lock()
		for len(d.ready) == 0 && !d.draining && !d.aborted {
			d.cond.Wait()
		}
		if d.aborted || len(d.ready) == 0 {
			d.mu.Unlock()
			return
		}
		l := d.ready[0]
		d.ready[0] = nil
		d.ready = d.ready[1:]

		n := min(d.cfg.BatchSize, len(l.queue))
		batch := make([]transport.Frame, n)
		copy(batch, l.queue[:n])
		l.queue = l.queue[n:]
		d.pending -= n
		d.mu.Unlock()

		for _, f := range batch {
			d.process(f)
		}

		d.mu.Lock()
		if len(l.queue) > 0 {
			d.ready = append(d.ready, l)
			d.cond.Signal()
		} else {
			l.scheduled = false
			delete(d.lanes, l.key)
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) process(f transport.Frame) {
	subs := d.handlers.Handlers(f.Key())
	if len(subs) == 0 {
		d.dropped(DropStale, f)
		return
	}

	env, value, err := d.decode(f, subs)
	if err != nil {
		if d.hooks.OnDecodeFailure != nil {
			d.hooks.OnDecodeFailure(f, err)
		}
		d.sink(err)
	}

	delivered, failed := 0, 0
	for _, s := range subs {
		if !s.Accepts(value) {
			continue
		}
		msg := &pubsub.Message{
			Channel:    f.Channel,
			Pattern:    f.Pattern,
			Envelope:   env,
			Value:      value,
			Payload:    f.Payload,
			ReceivedAt: f.ReceivedAt,
		}
		delivered++
		if d.invoke(s, msg) != nil {
			failed++
		}
	}

	if env.AckRequested && delivered > 0 && failed == 0 && d.hooks.OnAckRequested != nil {
		d.hooks.OnAckRequested(env)
	}
}

// decode tries the candidate descriptors in order. Channels without
// descriptors are raw-only and decode to nothing without an error unless a
// typed subscriber is waiting on them.
func (d *Dispatcher) decode(f transport.Frame, subs []*pubsub.Subscription) (codec.Envelope, any, error) {
	cands := d.types.TypesFor(f.Channel)
	if len(cands) == 0 {
		env, _ := codec.Open(f.Channel, f.Payload)
		if hasTyped(subs) {
			return env, nil, bridgeerrors.NewDecodingError(f.Channel, "", bridgeerrors.ErrUnregistered)
		}
		return env, nil, nil
	}
	if len(cands) > 1 && d.types.Policy() == channel.Reject {
		env, _ := codec.Open(f.Channel, f.Payload)
		return env, nil, bridgeerrors.NewDecodingError(f.Channel, "",
			fmt.Errorf("ambiguous channel: %d descriptors match", len(cands)))
	}

	env, err := codec.Open(f.Channel, f.Payload)
	if err != nil {
		return codec.Envelope{}, nil, err
	}
	var lastErr error
	for _, c := range cands {
		v, err := codec.DecodeBody(f.Channel, env, c.Target())
		if err == nil {
			return env, v, nil
		}
		lastErr = err
	}
	return env, nil, lastErr
}

func hasTyped(subs []*pubsub.Subscription) bool {
	for _, s := range subs {
		if !s.Raw {
			return true
		}
	}
	return false
}

// invoke runs one handler, turning errors and panics into HandlerErrors.
func (d *Dispatcher) invoke(s *pubsub.Subscription, msg *pubsub.Message) error {
	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = bridgeerrors.NewHandlerPanic(msg.Channel, uint64(s.ID), r)
			}
		}()
		if herr := s.Handler(d.ctx, msg); herr != nil {
			err = bridgeerrors.NewHandlerError(msg.Channel, uint64(s.ID), herr)
		}
	}()

	if d.hooks.OnHandled != nil {
		d.hooks.OnHandled(msg.Channel, time.Since(start), err)
	}
	if err != nil {
		d.sink(err)
	}
	return err
}

func (d *Dispatcher) dropped(reason string, f transport.Frame) {
	d.logger.ComponentDebug(logging.ComponentDispatch, "Frame dropped",
		zap.String("reason", reason),
		zap.String("channel", f.Channel))
	if d.hooks.OnDrop != nil {
		d.hooks.OnDrop(reason, f)
	}
	if reason == DropOverflow {
		d.sink(fmt.Errorf("frame on %q dropped: lane full (%d pending)", f.Channel, d.cfg.MaxPending))
	}
}

// Stop ends intake and waits for queued frames to be handled. When ctx ends
// first, queued frames are abandoned, running handlers see their context
// cancelled, and ctx's error is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.stop) })

	done := make(chan struct{})
	go func() {
		d.intake.Wait()
		d.drain()
		d.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.mu.Lock()
		d.aborted = true
		d.mu.Unlock()
		d.cond.Broadcast()
		d.cancel()
		return ctx.Err()
	}
}
