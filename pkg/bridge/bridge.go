// Package bridge is the public face of the messaging bridge: typed publish,
// subscribe and request/reply over Redis pub/sub.
//
// A Bridge owns one subscribe connection (reconnected and replayed on
// failure), a bounded pool of publish connections and a dispatcher that
// delivers inbound frames to handlers. Several bridges may live in one
// process; nothing is shared between them.
package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DeBrosOfficial/redisbridge/pkg/channel"
	"github.com/DeBrosOfficial/redisbridge/pkg/codec"
	"github.com/DeBrosOfficial/redisbridge/pkg/config"
	"github.com/DeBrosOfficial/redisbridge/pkg/dispatch"
	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
	"github.com/DeBrosOfficial/redisbridge/pkg/metrics"
	"github.com/DeBrosOfficial/redisbridge/pkg/pool"
	"github.com/DeBrosOfficial/redisbridge/pkg/pubsub"
	"github.com/DeBrosOfficial/redisbridge/pkg/transport"
)

// Delivery is one inbound message as seen by a handler.
type Delivery = pubsub.Message

// Handler receives deliveries for a subscription.
type Handler = pubsub.MessageHandler

// Subscription identifies one handler registration.
type Subscription = pubsub.Subscription

// Bridge connects local handlers and publishers to Redis pub/sub.
type Bridge struct {
	id     string
	cfg    *config.Config
	logger *logging.ColoredLogger

	client     *redis.Client
	ownsClient bool

	resolver   *channel.Resolver
	registry   *pubsub.Registry
	transport  *transport.Manager
	dispatcher *dispatch.Dispatcher
	pool       *pool.Pool
	queue      *publishQueue
	metrics    *metrics.Prom

	replyChannel string
	ackChannel   string
	pending      *waiters[reply]
	acks         *waiters[struct{}]
	quit         chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
}

// New builds a stopped bridge from cfg (defaults when nil). Nothing is
// dialed until Start or the first publish.
func New(cfg *config.Config, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, bridgeerrors.Wrap(errors.Join(errs...), "invalid bridge config")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewProm()
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	resolverOpts, err := cfg.ResolverOptions()
	if err != nil {
		return nil, err
	}
	resolver, err := channel.NewResolver(resolverOpts)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		id:       o.id,
		cfg:      cfg,
		logger:   logging.Wrap(o.logger),
		client:   o.client,
		resolver: resolver,
		metrics:  o.metrics,
		quit:     make(chan struct{}),
	}
	if b.client == nil {
		b.client = redis.NewClient(cfg.RedisOptions())
		b.ownsClient = true
	}

	b.transport = transport.NewManager(transport.NewRedisDialer(b.client), cfg.TransportOptions(),
		b.metrics.TransportHooks(), o.logger)
	b.registry = pubsub.NewRegistry(b.transport, o.logger)
	hooks := b.metrics.DispatchHooks()
	hooks.OnAckRequested = b.sendAck
	b.dispatcher = dispatch.New(cfg.DispatchOptions(), b.registry, b.resolver,
		o.sink, hooks, o.logger)

	b.pool = pool.New(pool.RedisDialer(b.client), cfg.PoolOptions(), o.logger)
	b.pool.OnBorrow = b.metrics.SetPoolInUse
	b.queue = newPublishQueue(b.client, cfg.Publish, b.metrics.ObservePublish, o.logger)

	b.replyChannel = resolver.Namespaced("reply." + b.id)
	b.ackChannel = b.ackChannelFor(b.id)
	b.pending = newWaiters[reply](cfg.Request.MaxPending, cfg.Request.Timeout)
	b.acks = newWaiters[struct{}](cfg.Publish.MaxUnacked, cfg.Publish.AckTimeout)

	return b, nil
}

// ID returns the bridge id.
func (b *Bridge) ID() string { return b.id }

// Resolver exposes the channel resolver for registration and lookups.
func (b *Bridge) Resolver() *channel.Resolver { return b.resolver }

// Metrics returns the bridge's collectors.
func (b *Bridge) Metrics() *metrics.Prom { return b.metrics }

// Channel returns the wire channel for topic.
func (b *Bridge) Channel(topic string) string { return b.resolver.Namespaced(topic) }

// Register binds the type of sample to name. See channel.Resolver.Register.
func (b *Bridge) Register(name string, sample any, c codec.Codec) (channel.Descriptor, error) {
	return b.resolver.Register(name, sample, c)
}

// Register binds T to name on b's resolver. A nil codec means JSON.
func Register[T any](b *Bridge, name string, c codec.Codec) (channel.Descriptor, error) {
	return channel.Register[T](b.resolver, name, c)
}

// Start brings up the subscribe connection, the dispatcher and the queued
// publish flusher. It does not wait for the connection; use WaitReady.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return bridgeerrors.ErrClosed
	}
	if b.started {
		return nil
	}

	if err := b.transport.Start(ctx, b.registry); err != nil {
		return err
	}
	b.dispatcher.Start(b.transport.Frames())
	b.queue.start()
	b.started = true

	if _, err := b.registry.Add(ctx, b.replyChannel, b.handleReply, pubsub.AddOptions{Raw: true}); err != nil {
		return bridgeerrors.Wrap(err, "subscribe reply channel")
	}
	if _, err := b.registry.Add(ctx, b.ackChannel, b.handleAck, pubsub.AddOptions{Raw: true}); err != nil {
		return bridgeerrors.Wrap(err, "subscribe ack channel")
	}

	b.logger.ComponentInfo(logging.ComponentBridge, "Bridge started",
		zap.String("id", b.id),
		zap.String("redis", b.cfg.Redis.Addr),
		zap.String("reply_channel", b.replyChannel),
		zap.String("ack_channel", b.ackChannel))
	return nil
}

// Ready returns a channel closed once the current subscribe connection has
// replayed every subscription.
func (b *Bridge) Ready() <-chan struct{} { return b.transport.Ready() }

// WaitReady blocks until the subscribe connection is up or ctx ends.
func (b *Bridge) WaitReady(ctx context.Context) error {
	select {
	case <-b.transport.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the subscribe connection state.
func (b *Bridge) State() transport.State { return b.transport.State() }

// Channels returns the subscribed channels and patterns, sorted.
func (b *Bridge) Channels() []pubsub.Entry { return b.registry.Snapshot() }

func (b *Bridge) running() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return bridgeerrors.ErrClosed
	}
	if !b.started {
		return bridgeerrors.ErrNotStarted
	}
	return nil
}

// Stop shuts both sides down. The subscribe connection, queued publishes,
// pooled connections and handlers are released even when one of them fails
// or ctx ends; the first failure of each side is returned. Later calls
// return nil.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.mu.Unlock()
	close(b.quit)

	var g errgroup.Group
	g.Go(func() error {
		// frames already queued still reach their handlers
		return errors.Join(
			b.transport.Stop(ctx),
			b.dispatcher.Stop(ctx),
			b.registry.Close(ctx),
		)
	})
	g.Go(func() error {
		return errors.Join(
			b.queue.stop(ctx),
			b.pool.Close(),
		)
	})
	err := g.Wait()
	if b.ownsClient {
		err = errors.Join(err, b.client.Close())
	}
	b.pending.purge()
	b.acks.purge()

	if err != nil {
		b.logger.ComponentWarn(logging.ComponentBridge, "Bridge stopped with errors", zap.Error(err))
		return err
	}
	b.logger.ComponentInfo(logging.ComponentBridge, "Bridge stopped", zap.String("id", b.id))
	return nil
}
