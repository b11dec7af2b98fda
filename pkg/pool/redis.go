package pool

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisDialer leases sticky go-redis connections from client.
func RedisDialer(client *redis.Client) Dialer {
	return func(ctx context.Context) (Conn, error) {
		cn := client.Conn()
		if err := cn.Ping(ctx).Err(); err != nil {
			_ = cn.Close()
			return nil, err
		}
		return &redisConn{cn: cn}, nil
	}
}

type redisConn struct {
	cn *redis.Conn
}

func (c *redisConn) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return c.cn.Publish(ctx, channel, payload).Result()
}

func (c *redisConn) Close() error {
	return c.cn.Close()
}
