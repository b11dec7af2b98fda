package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
	"github.com/DeBrosOfficial/redisbridge/pkg/pubsub"
)

// Source is the authoritative subscription set replayed on every connect.
type Source interface {
	Snapshot() []pubsub.Entry
	Confirm(channel string)
	ResetAcks()
}

// Config tunes the manager.
type Config struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64

	DialTimeout time.Duration
	// HealthInterval is how long the connection may stay silent before a
	// PING is sent. A second silent interval marks the connection dead.
	HealthInterval time.Duration
	FrameBuffer    int
}

// DefaultConfig returns the reconnect defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Multiplier:     2,
		Jitter:         0.5,
		DialTimeout:    5 * time.Second,
		HealthInterval: 15 * time.Second,
		FrameBuffer:    256,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = d.Jitter
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = d.FrameBuffer
	}
	return c
}

// NewBackOff builds the reconnect schedule.
func (c Config) NewBackOff() *backoff.ExponentialBackOff {
	c = c.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BaseDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = c.Jitter
	b.Reset()
	return b
}

// Hooks observe the manager. Any field may be nil.
type Hooks struct {
	OnStateChange func(from, to State)
	OnReconnect   func(attempt int, wait time.Duration, err error)
	OnFrame       func(f Frame)
	// OnAck runs for every subscribe confirmation, after the source has
	// recorded it.
	OnAck func(channel string)
}

// Manager owns the single subscribe connection. It reconnects forever with
// backoff and replays the source's subscriptions on every connect.
type Manager struct {
	dialer Dialer
	cfg    Config
	hooks  Hooks
	logger *logging.ColoredLogger

	source Source
	frames chan Frame
	state  atomic.Int32

	// mu serializes commands on the live connection with connect and replay.
	mu      sync.Mutex
	conn    Conn
	ready   chan struct{}
	started bool
	closed  bool
	cancel  context.CancelFunc

	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a stopped manager.
func NewManager(dialer Dialer, cfg Config, hooks Hooks, logger *zap.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		dialer: dialer,
		cfg:    cfg,
		hooks:  hooks,
		logger: logging.Wrap(logger),
		frames: make(chan Frame, cfg.FrameBuffer),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the connection loop. It returns immediately; use Ready to
// wait for the first connection.
func (m *Manager) Start(ctx context.Context, source Source) error {
	if source == nil {
		return bridgeerrors.NewValidationError("source", "must not be nil", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return bridgeerrors.ErrClosed
	}
	if m.started {
		return nil
	}

	m.started = true
	m.source = source
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	go m.run(runCtx)
	return nil
}

// Frames is the inbound stream. It is closed once the manager stops.
func (m *Manager) Frames() <-chan Frame { return m.frames }

// State returns the current state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Ready returns a channel closed once the current connection epoch has
// replayed its subscriptions.
func (m *Manager) Ready() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev == s {
		return
	}
	m.logger.ComponentDebug(logging.ComponentTransport, "State changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", s))
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(prev, s)
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer close(m.frames)
	defer m.setState(Disconnected)

	b := m.cfg.NewBackOff()
	attempt := 0
	timer := time.NewTimer(0)
	<-timer.C
	defer timer.Stop()

	for {
		conn, err := m.connect(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bridgeerrors.ErrClosed) {
				return
			}
			attempt++
			wait := b.NextBackOff()
			m.logger.ComponentWarn(logging.ComponentTransport, "Connect failed, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(err))
			if m.hooks.OnReconnect != nil {
				m.hooks.OnReconnect(attempt, wait, err)
			}
			timer.Reset(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
			continue
		}

		if attempt > 0 {
			m.logger.ComponentInfo(logging.ComponentTransport, "Reconnected",
				zap.Int("attempts", attempt))
		}
		b.Reset()
		attempt = 0

		err = m.readLoop(ctx, conn)
		m.drop(conn)
		if ctx.Err() != nil {
			return
		}
		m.logger.ComponentWarn(logging.ComponentTransport, "Connection lost",
			zap.Error(err))
	}
}

// connect dials and replays the source snapshot. Only the run goroutine
// connects, so at most one connection attempt is in flight.
func (m *Manager) connect(ctx context.Context) (Conn, error) {
	m.setState(Connecting)

	dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dctx)
	if err != nil {
		m.setState(Disconnected)
		return nil, bridgeerrors.NewTransportError("dial", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_ = conn.Close()
		return nil, bridgeerrors.ErrClosed
	}

	entries := m.source.Snapshot()
	if err := replay(dctx, conn, entries); err != nil {
		_ = conn.Close()
		m.setState(Disconnected)
		return nil, err
	}

	m.conn = conn
	close(m.ready)
	if len(entries) > 0 {
		m.setState(SubscribedActive)
	} else {
		m.setState(SubscribedIdle)
	}
	m.logger.ComponentInfo(logging.ComponentTransport, "Connected",
		zap.Int("replayed", len(entries)))
	return conn, nil
}

// replay issues one batched SUBSCRIBE and one batched PSUBSCRIBE.
func replay(ctx context.Context, conn Conn, entries []pubsub.Entry) error {
	var channels, patterns []string
	for _, e := range entries {
		if e.Pattern {
			patterns = append(patterns, e.Channel)
		} else {
			channels = append(channels, e.Channel)
		}
	}
	if len(channels) > 0 {
		if err := conn.Subscribe(ctx, channels...); err != nil {
			return bridgeerrors.NewTransportError("replay subscribe", err, channels...)
		}
	}
	if len(patterns) > 0 {
		if err := conn.PSubscribe(ctx, patterns...); err != nil {
			return bridgeerrors.NewTransportError("replay psubscribe", err, patterns...)
		}
	}
	return nil
}

// drop retires conn and opens a new ready epoch.
func (m *Manager) drop(conn Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.ready = make(chan struct{})
	}
	m.mu.Unlock()

	_ = conn.Close()
	m.source.ResetAcks()
	m.setState(Disconnected)
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	pinged := false
	for {
		ev, err := conn.Receive(ctx, m.cfg.HealthInterval)
		if err != nil {
			if !errors.Is(err, ErrReceiveTimeout) {
				return bridgeerrors.NewTransportError("receive", err)
			}
			if pinged {
				return bridgeerrors.NewTransportError("receive", bridgeerrors.ErrTimeout)
			}
			if err := conn.Ping(ctx); err != nil {
				return bridgeerrors.NewTransportError("ping", err)
			}
			pinged = true
			continue
		}
		pinged = false

		switch ev.Kind {
		case EventMessage:
			f := Frame{
				Channel:    ev.Channel,
				Pattern:    ev.Pattern,
				Payload:    ev.Payload,
				ReceivedAt: time.Now(),
			}
			if m.hooks.OnFrame != nil {
				m.hooks.OnFrame(f)
			}
			select {
			case m.frames <- f:
			case <-ctx.Done():
				return ctx.Err()
			}
		case EventSubscribed:
			m.source.Confirm(ev.Channel)
			if m.hooks.OnAck != nil {
				m.hooks.OnAck(ev.Channel)
			}
			m.countChanged(ev.Count)
		case EventUnsubscribed:
			m.countChanged(ev.Count)
		case EventPong:
		}
	}
}

func (m *Manager) countChanged(n int) {
	if !m.State().Connected() {
		return
	}
	if n > 0 {
		m.setState(SubscribedActive)
	} else {
		m.setState(SubscribedIdle)
	}
}

// Subscribe issues SUBSCRIBE or PSUBSCRIBE on the live connection. While
// disconnected it returns a TransportError; the next replay covers the
// channel.
func (m *Manager) Subscribe(ctx context.Context, channel string, pattern bool) error {
	return m.command(ctx, "subscribe", channel, pattern, Conn.Subscribe, Conn.PSubscribe)
}

// Unsubscribe issues UNSUBSCRIBE or PUNSUBSCRIBE on the live connection.
func (m *Manager) Unsubscribe(ctx context.Context, channel string, pattern bool) error {
	return m.command(ctx, "unsubscribe", channel, pattern, Conn.Unsubscribe, Conn.PUnsubscribe)
}

type commandFunc func(Conn, context.Context, ...string) error

func (m *Manager) command(ctx context.Context, op, channel string, pattern bool, exact, glob commandFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return bridgeerrors.ErrClosed
	}
	if m.conn == nil {
		return bridgeerrors.NewTransportError(op, bridgeerrors.ErrNotConnected, channel)
	}
	fn := exact
	if pattern {
		fn = glob
	}
	if err := fn(m.conn, ctx, channel); err != nil {
		return bridgeerrors.NewTransportError(op, err, channel)
	}
	return nil
}

// Stop closes the connection and ends the loop. Frames is closed once the
// loop has exited. Safe to call more than once.
func (m *Manager) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		conn, started, cancel := m.conn, m.started, m.cancel
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if conn != nil {
			_ = conn.Close()
		}
		if !started {
			close(m.done)
			close(m.frames)
		}
	})

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
