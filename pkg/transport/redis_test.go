package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeBrosOfficial/redisbridge/pkg/pubsub"
)

func newRedisDialer(t *testing.T) (*miniredis.Miniredis, *RedisDialer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), Protocol: 2})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisDialer(client)
}

func nextFrame(t *testing.T, m *Manager) Frame {
	t.Helper()
	select {
	case f := <-m.Frames():
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestRedisManagerDeliversFrames(t *testing.T) {
	mr, d := newRedisDialer(t)
	src := newFakeSource(
		pubsub.Entry{Channel: "orders"},
		pubsub.Entry{Channel: "news.*", Pattern: true},
	)
	m := startManager(t, d, src, fastConfig(), Hooks{})
	waitReady(t, m)
	require.Eventually(t, func() bool {
		return src.confirmations("orders") == 1 && src.confirmations("news.*") == 1
	}, 2*time.Second, 5*time.Millisecond)

	mr.Publish("orders", "o-1")
	f := nextFrame(t, m)
	assert.Equal(t, "orders", f.Channel)
	assert.Empty(t, f.Pattern)
	assert.Equal(t, "o-1", string(f.Payload))

	mr.Publish("news.sport", "goal")
	f = nextFrame(t, m)
	assert.Equal(t, "news.sport", f.Channel)
	assert.Equal(t, "news.*", f.Pattern)
	assert.Equal(t, "news.*", f.Key())
}

func TestRedisManagerLiveSubscribe(t *testing.T) {
	mr, d := newRedisDialer(t)
	src := newFakeSource()
	m := startManager(t, d, src, fastConfig(), Hooks{})
	waitReady(t, m)

	require.NoError(t, m.Subscribe(context.Background(), "late", false))
	require.Eventually(t, func() bool { return src.confirmations("late") == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, SubscribedActive, m.State())

	mr.Publish("late", "hello")
	assert.Equal(t, "hello", string(nextFrame(t, m).Payload))

	require.NoError(t, m.Unsubscribe(context.Background(), "late", false))
	require.Eventually(t, func() bool { return m.State() == SubscribedIdle }, 2*time.Second, 5*time.Millisecond)
}

func TestRedisManagerRecoversFromServerRestart(t *testing.T) {
	mr, d := newRedisDialer(t)
	src := newFakeSource(pubsub.Entry{Channel: "orders"})
	m := startManager(t, d, src, fastConfig(), Hooks{})
	waitReady(t, m)
	require.Eventually(t, func() bool { return src.confirmations("orders") == 1 }, 2*time.Second, 5*time.Millisecond)

	mr.Close()
	require.Eventually(t, func() bool { return m.State() != SubscribedActive }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, mr.Restart())

	require.Eventually(t, func() bool { return src.confirmations("orders") == 2 }, 5*time.Second, 5*time.Millisecond)
	mr.Publish("orders", "after-restart")
	assert.Equal(t, "after-restart", string(nextFrame(t, m).Payload))
}
