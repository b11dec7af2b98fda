package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeBrosOfficial/redisbridge/pkg/codec"
	"github.com/DeBrosOfficial/redisbridge/pkg/config"
	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
	"github.com/DeBrosOfficial/redisbridge/pkg/pubsub"
)

type orderCreated struct {
	ID    string `json:"id" msgpack:"id"`
	Total int    `json:"total" msgpack:"total"`
}

type ping struct {
	N int `json:"n"`
}

type pong struct {
	N int `json:"n"`
}

const waitFor = 3 * time.Second

func testConfig(mr *miniredis.Miniredis) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Redis.Addr = mr.Addr()
	cfg.Redis.Protocol = 2
	cfg.Dispatch.Workers = 4
	cfg.Reconnect.BaseDelay = 10 * time.Millisecond
	cfg.Reconnect.MaxDelay = 50 * time.Millisecond
	cfg.Reconnect.HealthInterval = 200 * time.Millisecond
	cfg.Publish.QueueInterval = 10 * time.Millisecond
	cfg.Request.Timeout = 2 * time.Second
	return cfg
}

func startBridge(t *testing.T, cfg *config.Config, opts ...Option) *Bridge {
	t.Helper()
	b, err := New(cfg, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.WaitReady(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

// recorder collects deliveries for assertions.
type recorder struct {
	mu   sync.Mutex
	msgs []*Delivery
}

func (r *recorder) handle(_ context.Context, msg *Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = string(m.Payload)
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestTypedPublishSubscribe(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)
	cfg.Channels.Namespace = "shop"
	b := startBridge(t, cfg)
	ctx := context.Background()

	_, err := Register[orderCreated](b, "orders.created", nil)
	require.NoError(t, err)
	assert.Equal(t, "shop.orders.created", b.Channel("orders.created"))

	got := make(chan orderCreated, 1)
	var meta codec.Envelope
	_, err = On[orderCreated](ctx, b, func(_ context.Context, msg orderCreated, d *Delivery) error {
		meta = d.Envelope
		got <- msg
		return nil
	}, WaitAck())
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, orderCreated{ID: "o-1", Total: 42}))
	select {
	case msg := <-got:
		assert.Equal(t, orderCreated{ID: "o-1", Total: 42}, msg)
		assert.Equal(t, b.ID(), meta.Sender)
		assert.Equal(t, "orders.created", meta.Type)
		assert.NotEmpty(t, meta.ID)
	case <-time.After(waitFor):
		t.Fatal("no delivery")
	}
}

func TestSubscribeByTopicUsesDescriptor(t *testing.T) {
	mr := miniredis.RunT(t)
	b := startBridge(t, testConfig(mr))
	ctx := context.Background()

	_, err := Register[orderCreated](b, "orders", codec.MsgPack{})
	require.NoError(t, err)

	rec := &recorder{}
	_, err = b.Subscribe(ctx, "orders", rec.handle, WaitAck())
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, orderCreated{ID: "o-2"}))
	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, orderCreated{ID: "o-2"}, rec.msgs[0].Value)
}

func TestPublishUnregisteredType(t *testing.T) {
	mr := miniredis.RunT(t)
	b := startBridge(t, testConfig(mr))

	err := b.Publish(context.Background(), struct{ X int }{1})
	require.Error(t, err)
	assert.True(t, bridgeerrors.IsEncoding(err))
}

func TestFanOutKeepsOrderPerHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	b := startBridge(t, testConfig(mr))
	ctx := context.Background()

	first, second := &recorder{}, &recorder{}
	_, err := b.Subscribe(ctx, "feed", first.handle, WaitAck())
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "feed", second.handle)
	require.NoError(t, err)

	want := make([]string, 20)
	for i := range want {
		want[i] = fmt.Sprintf("m%d", i)
		require.NoError(t, b.PublishRaw(ctx, "feed", []byte(want[i])))
	}

	require.Eventually(t, func() bool { return first.count() == 20 && second.count() == 20 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, first.payloads())
	assert.Equal(t, want, second.payloads())
	assert.Len(t, b.Channels(), 3) // feed plus the reply and ack channels
}

func TestHandlerFailureIsIsolated(t *testing.T) {
	mr := miniredis.RunT(t)
	errs := make(chan error, 8)
	b := startBridge(t, testConfig(mr), WithErrorSink(func(err error) { errs <- err }))
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "bad", func(context.Context, *Delivery) error { panic("boom") }, WaitAck())
	require.NoError(t, err)
	good := &recorder{}
	_, err = b.Subscribe(ctx, "good", good.handle, WaitAck())
	require.NoError(t, err)

	require.NoError(t, b.PublishRaw(ctx, "bad", []byte("x")))
	require.NoError(t, b.PublishRaw(ctx, "good", []byte("y")))

	require.Eventually(t, func() bool { return good.count() == 1 }, waitFor, 5*time.Millisecond)
	select {
	case err := <-errs:
		assert.True(t, bridgeerrors.IsHandler(err))
	case <-time.After(waitFor):
		t.Fatal("handler panic not reported")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	b := startBridge(t, testConfig(mr))
	ctx := context.Background()

	rec := &recorder{}
	sub, err := b.Subscribe(ctx, "news", rec.handle, WaitAck())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(mr.PubSubChannels("news")) == 1 }, waitFor, 5*time.Millisecond)

	require.NoError(t, b.Unsubscribe(ctx, sub))
	require.NoError(t, b.Unsubscribe(ctx, sub))
	require.NoError(t, b.Unsubscribe(ctx, nil))

	require.Eventually(t, func() bool { return len(mr.PubSubChannels("news")) == 0 }, waitFor, 5*time.Millisecond)
	for _, e := range b.Channels() {
		assert.NotEqual(t, "news", e.Channel)
	}
}

func TestReconnectResubscribes(t *testing.T) {
	mr := miniredis.RunT(t)
	b := startBridge(t, testConfig(mr))
	ctx := context.Background()

	a, c := &recorder{}, &recorder{}
	_, err := b.Subscribe(ctx, "a", a.handle, WaitAck())
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, "b.*", c.handle, WaitAck())
	require.NoError(t, err)

	mr.Close()
	require.Eventually(t, func() bool { return !b.State().Connected() }, waitFor, 5*time.Millisecond)
	require.NoError(t, mr.Restart())

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("a")) == 1 && mr.PubSubNumPat() == 1
	}, waitFor, 10*time.Millisecond)

	// the pooled connection died with the server and is replaced
	require.Eventually(t, func() bool { return b.PublishRaw(ctx, "a", []byte("after")) == nil }, waitFor, 10*time.Millisecond)
	mr.Publish("b.x", "pattern")

	require.Eventually(t, func() bool { return a.count() >= 1 && c.count() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "after", a.payloads()[0])
	assert.Equal(t, "b.x", c.msgs[0].Channel)
	assert.Equal(t, "b.*", c.msgs[0].Pattern)
}

func TestReconnectAppliesOutageChanges(t *testing.T) {
	mr := miniredis.RunT(t)
	b := startBridge(t, testConfig(mr))
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "a", (&recorder{}).handle, WaitAck())
	require.NoError(t, err)

	mr.Close()
	require.Eventually(t, func() bool { return !b.State().Connected() }, waitFor, 5*time.Millisecond)
	require.NoError(t, b.Unsubscribe(ctx, sub))
	c := &recorder{}
	_, err = b.Subscribe(ctx, "c", c.handle)
	require.NoError(t, err)
	require.NoError(t, mr.Restart())

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("c")) == 1 && len(mr.PubSubChannels("a")) == 0
	}, waitFor, 10*time.Millisecond)
	for _, e := range b.Channels() {
		assert.NotEqual(t, "a", e.Channel)
	}

	mr.Publish("c", "after")
	require.Eventually(t, func() bool { return c.count() == 1 }, waitFor, 5*time.Millisecond)
}

func TestWaitAckDuringOutageBlocksUntilReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	b := startBridge(t, testConfig(mr))
	ctx := context.Background()

	_, err := b.Subscribe(ctx, "a", (&recorder{}).handle, WaitAck())
	require.NoError(t, err)

	mr.Close()
	require.Eventually(t, func() bool { return !b.State().Connected() }, waitFor, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(ctx, waitFor)
		defer cancel()
		_, err := b.Subscribe(sctx, "a", (&recorder{}).handle, WaitAck())
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("WaitAck returned before reconnect: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, mr.Restart())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("WaitAck not released by reconnect")
	}
	assert.True(t, confirmed(b, "a"))
}

func TestPublishQueued(t *testing.T) {
	mr := miniredis.RunT(t)
	b := startBridge(t, testConfig(mr))
	ctx := context.Background()

	_, err := Register[orderCreated](b, "orders", nil)
	require.NoError(t, err)
	rec := &recorder{}
	_, err = b.Subscribe(ctx, "orders", rec.handle, WaitAck())
	require.NoError(t, err)

	results := make([]<-chan error, 5)
	for i := range results {
		results[i] = b.PublishQueued(ctx, "", orderCreated{ID: fmt.Sprintf("q-%d", i)})
	}
	for _, r := range results {
		select {
		case err := <-r:
			require.NoError(t, err)
		case <-time.After(waitFor):
			t.Fatal("queued publish not flushed")
		}
	}

	require.Eventually(t, func() bool { return rec.count() == 5 }, waitFor, 5*time.Millisecond)
	for i, m := range rec.msgs {
		assert.Equal(t, orderCreated{ID: fmt.Sprintf("q-%d", i)}, m.Value)
	}
}

func TestRequestReply(t *testing.T) {
	mr := miniredis.RunT(t)
	server := startBridge(t, testConfig(mr))
	client := startBridge(t, testConfig(mr))
	ctx := context.Background()

	for _, b := range []*Bridge{server, client} {
		_, err := Register[ping](b, "rpc.ping", nil)
		require.NoError(t, err)
		_, err = Register[pong](b, "rpc.pong", nil)
		require.NoError(t, err)
	}
	_, err := On[ping](ctx, server, func(ctx context.Context, p ping, d *Delivery) error {
		return server.Reply(ctx, d, pong{N: p.N + 1})
	}, WaitAck())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return replyConfirmed(client) }, waitFor, 5*time.Millisecond)

	resp, err := client.Request(ctx, "", ping{N: 1}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, pong{N: 2}, resp.Value)
	assert.Equal(t, server.ID(), resp.Envelope.Sender)
}

func TestRequestTimesOut(t *testing.T) {
	mr := miniredis.RunT(t)
	b := startBridge(t, testConfig(mr))
	_, err := Register[ping](b, "rpc.ping", nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = b.Request(context.Background(), "", ping{N: 1}, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, bridgeerrors.IsNoResponse(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestReplyNeedsReplyChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	b := startBridge(t, testConfig(mr))
	err := b.Reply(context.Background(), &Delivery{}, pong{})
	assert.True(t, bridgeerrors.IsValidation(err))
}

func TestStopReleasesAndIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := New(testConfig(mr))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Request(ctx, "x", ping{}, 0)
	assert.ErrorIs(t, err, bridgeerrors.ErrNotStarted)

	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.WaitReady(ctx))
	_, err = b.Subscribe(ctx, "x", (&recorder{}).handle, WaitAck())
	require.NoError(t, err)

	require.NoError(t, b.Stop(ctx))
	require.NoError(t, b.Stop(ctx))
	assert.Equal(t, "disconnected", b.State().String())

	assert.ErrorIs(t, b.PublishRaw(ctx, "x", []byte("late")), bridgeerrors.ErrClosed)
	_, err = b.Subscribe(ctx, "x", (&recorder{}).handle)
	assert.ErrorIs(t, err, bridgeerrors.ErrClosed)
	assert.ErrorIs(t, <-b.PublishQueued(ctx, "x", ping{}), bridgeerrors.ErrClosed)
	assert.ErrorIs(t, b.Start(ctx), bridgeerrors.ErrClosed)
	assert.Empty(t, b.Channels())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pool.MaxSize = 0
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool.max_size")
}

func replyConfirmed(b *Bridge) bool { return confirmed(b, b.replyChannel) }

func confirmed(b *Bridge, ch string) bool {
	for _, e := range b.Channels() {
		if e.Channel == ch {
			return e.Ack == pubsub.AckConfirmed
		}
	}
	return false
}

// ackPair starts a sender and a receiver sharing the orders type, with the
// sender's ack channel confirmed.
func ackPair(t *testing.T, mr *miniredis.Miniredis, handler func(context.Context, orderCreated, *Delivery) error) (*Bridge, *Bridge) {
	t.Helper()
	cfg := testConfig(mr)
	cfg.Publish.AckTimeout = time.Second
	sender := startBridge(t, cfg)
	receiver := startBridge(t, testConfig(mr))
	for _, b := range []*Bridge{sender, receiver} {
		_, err := Register[orderCreated](b, "orders", nil)
		require.NoError(t, err)
	}
	_, err := On[orderCreated](context.Background(), receiver, handler, WaitAck())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return confirmed(sender, sender.ackChannel) }, waitFor, 5*time.Millisecond)
	return sender, receiver
}

func TestPublishAckAfterHandlers(t *testing.T) {
	mr := miniredis.RunT(t)
	got := make(chan codec.Envelope, 1)
	sender, receiver := ackPair(t, mr, func(_ context.Context, _ orderCreated, d *Delivery) error {
		got <- d.Envelope
		return nil
	})

	require.NoError(t, sender.PublishAck(context.Background(), "", orderCreated{ID: "o-1"}, 0))
	env := <-got
	assert.True(t, env.AckRequested)
	assert.Equal(t, sender.ID(), env.Sender)
	assert.Zero(t, sender.acks.len())
	assert.Eventually(t, func() bool { return testutil.ToFloat64(receiver.Metrics().AcksSent) == 1 }, waitFor, time.Millisecond)
}

func TestPublishAckWithoutReceiver(t *testing.T) {
	mr := miniredis.RunT(t)
	b := startBridge(t, testConfig(mr))
	_, err := Register[orderCreated](b, "orders", nil)
	require.NoError(t, err)

	start := time.Now()
	err = b.PublishAck(context.Background(), "", orderCreated{ID: "o-1"}, 100*time.Millisecond)
	require.Error(t, err)
	assert.True(t, bridgeerrors.IsNoAck(err))
	assert.True(t, bridgeerrors.IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Metrics().AckTimeouts))
}

func TestFailedHandlerWithholdsAck(t *testing.T) {
	mr := miniredis.RunT(t)
	var calls atomic.Int32
	sender, _ := ackPair(t, mr, func(context.Context, orderCreated, *Delivery) error {
		calls.Add(1)
		return fmt.Errorf("rejected")
	})

	err := sender.PublishAck(context.Background(), "", orderCreated{ID: "o-1"}, 200*time.Millisecond)
	assert.True(t, bridgeerrors.IsNoAck(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestPublishQueuedRequireAck(t *testing.T) {
	mr := miniredis.RunT(t)
	sender, _ := ackPair(t, mr, func(context.Context, orderCreated, *Delivery) error { return nil })
	ctx := context.Background()

	select {
	case err := <-sender.PublishQueued(ctx, "", orderCreated{ID: "q-1"}, RequireAck(0)):
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("queued ack not resolved")
	}

	assert.Zero(t, sender.acks.len())
}

func TestPublishQueuedRequireAckTimesOut(t *testing.T) {
	mr := miniredis.RunT(t)
	b := startBridge(t, testConfig(mr))
	_, err := Register[orderCreated](b, "orders", nil)
	require.NoError(t, err)

	select {
	case err := <-b.PublishQueued(context.Background(), "", orderCreated{ID: "q-1"}, RequireAck(100*time.Millisecond)):
		assert.True(t, bridgeerrors.IsNoAck(err))
	case <-time.After(waitFor):
		t.Fatal("queued ack not resolved")
	}
	assert.Zero(t, b.acks.len())
}

func TestRequestRefusedWhenPendingFull(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(mr)
	cfg.Request.MaxPending = 1
	b := startBridge(t, cfg)
	_, err := Register[ping](b, "rpc.ping", nil)
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := b.Request(context.Background(), "", ping{N: 1}, 500*time.Millisecond)
		first <- err
	}()
	require.Eventually(t, func() bool { return b.pending.len() == 1 }, waitFor, time.Millisecond)

	_, err = b.Request(context.Background(), "", ping{N: 2}, 500*time.Millisecond)
	require.ErrorIs(t, err, bridgeerrors.ErrTooManyPending)
	assert.Equal(t, bridgeerrors.CodePoolExhausted, bridgeerrors.GetErrorCode(err))

	// the waiter in flight is untouched and runs to its own deadline
	assert.True(t, bridgeerrors.IsNoResponse(<-first))
}
