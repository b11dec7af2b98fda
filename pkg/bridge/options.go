package bridge

import (
	"reflect"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/redisbridge/pkg/metrics"
)

// Option configures a Bridge.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	client  *redis.Client
	metrics *metrics.Prom
	sink    func(error)
	id      string
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRedisClient makes the bridge use client instead of dialing its own.
// The bridge does not close a client it was given.
func WithRedisClient(client *redis.Client) Option {
	return func(o *options) { o.client = client }
}

// WithMetrics shares a collector set, e.g. between a bridge and a gateway.
func WithMetrics(m *metrics.Prom) Option {
	return func(o *options) { o.metrics = m }
}

// WithErrorSink receives contained delivery errors: decode failures,
// handler failures and dropped frames. The default logs them.
func WithErrorSink(sink func(error)) Option {
	return func(o *options) { o.sink = sink }
}

// WithID fixes the bridge id carried as the sender of every envelope.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

// SubscribeOption tunes one Subscribe call.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	raw     bool
	filter  reflect.Type
	waitAck bool
}

// Raw delivers every frame on the channel, decoded or not.
func Raw() SubscribeOption {
	return func(o *subscribeOptions) { o.raw = true }
}

// WaitAck makes Subscribe block until the server confirms the channel.
func WaitAck() SubscribeOption {
	return func(o *subscribeOptions) { o.waitAck = true }
}

// OfType restricts delivery to frames decoded as T.
func OfType[T any]() SubscribeOption {
	return func(o *subscribeOptions) { o.filter = reflect.TypeOf((*T)(nil)).Elem() }
}

// PublishOption tunes one queued publish.
type PublishOption func(*publishOptions)

type publishOptions struct {
	ack        bool
	ackTimeout time.Duration
}

// RequireAck makes the publish wait for a receiving bridge to acknowledge
// the message. A zero timeout, or one above publish.ack_timeout, uses
// publish.ack_timeout.
func RequireAck(timeout time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.ack = true
		o.ackTimeout = timeout
	}
}
