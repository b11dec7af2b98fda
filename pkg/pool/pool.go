// Package pool provides a bounded lease pool of publish connections.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
)

// Conn is one publish connection.
type Conn interface {
	// Publish sends payload and returns the number of receivers.
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
	Close() error
}

// Dialer opens a new publish connection.
type Dialer func(ctx context.Context) (Conn, error)

// Config bounds the pool.
type Config struct {
	MaxSize int
	// BorrowTimeout is how long Borrow waits for a free slot. Zero waits
	// until ctx is done.
	BorrowTimeout time.Duration
	// FailFast makes Borrow fail immediately when every slot is leased.
	FailFast bool
}

const defaultMaxSize = 8

// Pool hands out exclusive connection leases, never more than MaxSize at
// a time.
type Pool struct {
	dial   Dialer
	cfg    Config
	sem    *semaphore.Weighted
	logger *logging.ColoredLogger

	mu     sync.Mutex
	idle   []Conn
	closed bool

	inUse atomic.Int64
	// OnBorrow, when set, observes the in-use count after each borrow or
	// return.
	OnBorrow func(inUse int64)
}

// New creates a pool. Connections are dialed lazily.
func New(dial Dialer, cfg Config, logger *zap.Logger) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	return &Pool{
		dial:   dial,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxSize)),
		logger: logging.Wrap(logger),
	}
}

// Borrow leases a connection, reusing an idle one when available.
func (p *Pool) Borrow(ctx context.Context) (*Lease, error) {
	if p.isClosed() {
		return nil, bridgeerrors.ErrClosed
	}

	if err := p.acquire(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, bridgeerrors.ErrClosed
	}
	var conn Conn
	if n := len(p.idle); n > 0 {
		conn = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if conn == nil {
		var err error
		conn, err = p.dial(ctx)
		if err != nil {
			p.sem.Release(1)
			return nil, bridgeerrors.NewTransportError("dial publish connection", err)
		}
		p.logger.ComponentDebug(logging.ComponentPool, "Opened publish connection")
	}

	p.changed(p.inUse.Add(1))
	return &Lease{pool: p, conn: conn}, nil
}

func (p *Pool) acquire(ctx context.Context) error {
	if p.cfg.FailFast {
		if !p.sem.TryAcquire(1) {
			return bridgeerrors.NewPoolExhaustedError(p.cfg.MaxSize, 0)
		}
		return nil
	}

	wctx := ctx
	if p.cfg.BorrowTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, p.cfg.BorrowTimeout)
		defer cancel()
	}
	start := time.Now()
	if err := p.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return bridgeerrors.NewPoolExhaustedError(p.cfg.MaxSize, time.Since(start))
	}
	return nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) changed(n int64) {
	if p.OnBorrow != nil {
		p.OnBorrow(n)
	}
}

func (p *Pool) put(conn Conn, healthy bool) {
	p.mu.Lock()
	keep := healthy && !p.closed
	if keep {
		p.idle = append(p.idle, conn)
	}
	p.mu.Unlock()

	if !keep {
		_ = conn.Close()
	}
	p.changed(p.inUse.Add(-1))
	p.sem.Release(1)
}

// InUse returns the number of outstanding leases.
func (p *Pool) InUse() int { return int(p.inUse.Load()) }

// Idle returns the number of idle connections.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// MaxSize returns the lease bound.
func (p *Pool) MaxSize() int { return p.cfg.MaxSize }

// Close closes idle connections and refuses further borrows. Outstanding
// leases close their connection on return.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, c := range idle {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Lease is exclusive use of one connection until Release or Invalidate.
type Lease struct {
	pool *Pool
	conn Conn
	once sync.Once
}

// Conn returns the leased connection.
func (l *Lease) Conn() Conn { return l.conn }

// Publish is shorthand for l.Conn().Publish.
func (l *Lease) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return l.conn.Publish(ctx, channel, payload)
}

// Release returns the connection to the pool.
func (l *Lease) Release() {
	l.once.Do(func() { l.pool.put(l.conn, true) })
}

// Invalidate closes the connection and frees its slot. Use it after an I/O
// error.
func (l *Lease) Invalidate() {
	l.once.Do(func() { l.pool.put(l.conn, false) })
}
