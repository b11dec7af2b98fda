package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDialer opens subscribe connections through a go-redis client.
type RedisDialer struct {
	Client redis.UniversalClient
}

// NewRedisDialer creates a dialer over client.
func NewRedisDialer(client redis.UniversalClient) *RedisDialer {
	return &RedisDialer{Client: client}
}

// Dial opens a PubSub and verifies the server answers.
func (d *RedisDialer) Dial(ctx context.Context) (Conn, error) {
	ps := d.Client.Subscribe(ctx)
	if err := ps.Ping(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("ping subscribe connection: %w", err)
	}
	return &redisConn{ps: ps}, nil
}

type redisConn struct {
	ps *redis.PubSub
}

func (c *redisConn) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return c.ps.Subscribe(ctx, channels...)
}

func (c *redisConn) PSubscribe(ctx context.Context, patterns ...string) error {
	if len(patterns) == 0 {
		return nil
	}
	return c.ps.PSubscribe(ctx, patterns...)
}

// Unsubscribe with no arguments would drop every channel, so it is a no-op.
func (c *redisConn) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return c.ps.Unsubscribe(ctx, channels...)
}

func (c *redisConn) PUnsubscribe(ctx context.Context, patterns ...string) error {
	if len(patterns) == 0 {
		return nil
	}
	return c.ps.PUnsubscribe(ctx, patterns...)
}

func (c *redisConn) Ping(ctx context.Context) error {
	return c.ps.Ping(ctx)
}

func (c *redisConn) Receive(ctx context.Context, timeout time.Duration) (Event, error) {
	msg, err := c.ps.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return Event{}, ErrReceiveTimeout
		}
		return Event{}, err
	}

	switch m := msg.(type) {
	case *redis.Message:
		return Event{Kind: EventMessage, Channel: m.Channel, Pattern: m.Pattern, Payload: []byte(m.Payload)}, nil
	case *redis.Subscription:
		kind := EventSubscribed
		if m.Kind == "unsubscribe" || m.Kind == "punsubscribe" {
			kind = EventUnsubscribed
		}
		return Event{Kind: kind, Channel: m.Channel, Count: m.Count}, nil
	case *redis.Pong:
		return Event{Kind: EventPong, Payload: []byte(m.Payload)}, nil
	default:
		return Event{}, fmt.Errorf("unexpected pubsub reply %T", msg)
	}
}

func (c *redisConn) Close() error {
	return c.ps.Close()
}
