package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/redisbridge/pkg/config"
	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
	"github.com/DeBrosOfficial/redisbridge/pkg/logging"
)

type queuedPublish struct {
	channel string
	payload []byte
	done    chan error // buffered, receives exactly once
}

// publishQueue batches publishes into one pipeline per flush. A flush runs
// every interval, as soon as size messages are waiting, and once more on
// stop.
type publishQueue struct {
	client   redis.Cmdable
	interval time.Duration
	size     int
	timeout  time.Duration
	observe  func(error)
	logger   *logging.ColoredLogger

	mu      sync.Mutex
	items   []queuedPublish
	started bool
	closed  bool

	kick     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newPublishQueue(client redis.Cmdable, cfg config.PublishConfig, observe func(error), logger *zap.Logger) *publishQueue {
	return &publishQueue{
		client:   client,
		interval: cfg.QueueInterval,
		size:     cfg.QueueSize,
		timeout:  cfg.Timeout,
		observe:  observe,
		logger:   logging.Wrap(logger),
		kick:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (q *publishQueue) start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	go q.run()
}

func (q *publishQueue) push(item queuedPublish) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		item.done <- bridgeerrors.ErrClosed
		return
	}
	if !q.started {
		q.mu.Unlock()
		item.done <- bridgeerrors.ErrNotStarted
		return
	}
	q.items = append(q.items, item)
	full := len(q.items) >= q.size
	q.mu.Unlock()

	if full {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
}

func (q *publishQueue) run() {
	defer close(q.done)
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.flush()
		case <-q.kick:
			q.flush()
		case <-q.quit:
			q.flush()
			return
		}
	}
}

func (q *publishQueue) take() []queuedPublish {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *publishQueue) flush() {
	items := q.take()
	if len(items) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	cmds, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, it := range items {
			pipe.Publish(ctx, it.channel, it.payload)
		}
		return nil
	})
	if err != nil {
		q.logger.ComponentWarn(logging.ComponentBridge, "Queued publish flush failed",
			zap.Int("messages", len(items)),
			zap.Error(err))
	}

	for i, it := range items {
		cerr := err
		if i < len(cmds) {
			cerr = cmds[i].Err()
		}
		if cerr != nil {
			cerr = bridgeerrors.NewTransportError("publish", cerr, it.channel)
		}
		q.observe(cerr)
		it.done <- cerr
	}
}

// stop refuses new items, flushes the waiting ones and ends the loop.
func (q *publishQueue) stop(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		started := q.started
		q.mu.Unlock()
		if !started {
			close(q.done)
			return
		}
		close(q.quit)
	})

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
