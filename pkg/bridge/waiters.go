package bridge

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	bridgeerrors "github.com/DeBrosOfficial/redisbridge/pkg/errors"
)

// waiters holds callers blocked on a correlated inbound message, keyed by
// the id of the message they sent. Entries expire after ttl so an abandoned
// waiter never outlives its deadline; a full set refuses new waiters instead
// of evicting a live one.
type waiters[T any] struct {
	mu    sync.Mutex
	limit int
	lru   *expirable.LRU[string, chan T]
}

func newWaiters[T any](limit int, ttl time.Duration) *waiters[T] {
	return &waiters[T]{
		limit: limit,
		// one spare slot keeps Add from ever evicting
		lru: expirable.NewLRU[string, chan T](limit+1, nil, ttl),
	}
}

// add registers a waiter for id. The returned channel receives at most once.
func (w *waiters[T]) add(id string) (chan T, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lru.Len() >= w.limit {
		return nil, bridgeerrors.ErrTooManyPending
	}
	ch := make(chan T, 1)
	w.lru.Add(id, ch)
	return ch, nil
}

// complete hands v to the waiter for id, if any, and forgets it.
func (w *waiters[T]) complete(id string, v T) bool {
	w.mu.Lock()
	ch, ok := w.lru.Peek(id)
	if ok {
		w.lru.Remove(id)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- v:
	default:
	}
	return true
}

func (w *waiters[T]) remove(id string) {
	w.mu.Lock()
	w.lru.Remove(id)
	w.mu.Unlock()
}

func (w *waiters[T]) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lru.Len()
}

func (w *waiters[T]) purge() {
	w.mu.Lock()
	w.lru.Purge()
	w.mu.Unlock()
}
