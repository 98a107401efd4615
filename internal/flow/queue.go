package flow

import (
	"context"
	"sync"
)

type item[T any] struct {
	msg  T
	conn int
	seq  uint64
}

// queue is a bounded FIFO with a single consumer. Producers block at capacity.
type queue[T any] struct {
	mu       sync.Mutex
	items    []item[T]
	capacity int
	nextSeq  uint64
	// closed and replaced on every change
	changed chan struct{}
}

func newQueue[T any](capacity int) *queue[T] {
	return &queue[T]{
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// put appends msg unless scope was cancelled. The scope is checked under the
// queue lock so nothing lands in the queue after its connection was flushed.
func (q *queue[T]) put(ctx context.Context, scope context.Context, conn int, msg T) (int, error) {
	for {
		q.mu.Lock()
		if scope.Err() != nil {
			q.mu.Unlock()
			return 0, ErrReceptionCancelled
		}
		if len(q.items) < q.capacity {
			q.nextSeq++
			q.items = append(q.items, item[T]{msg: msg, conn: conn, seq: q.nextSeq})
			depth := len(q.items)
			q.notifyLocked()
			q.mu.Unlock()
			return depth, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (q *queue[T]) take(ctx context.Context) (item[T], int, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := q.items[0]
			var zero item[T]
			q.items[0] = zero
			q.items = q.items[1:]
			depth := len(q.items)
			q.notifyLocked()
			q.mu.Unlock()
			return it, depth, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return item[T]{}, 0, ctx.Err()
		}
	}
}

// dropTailIf removes the most recently queued item when it belongs to one of conns.
func (q *queue[T]) dropTailIf(conns map[int]bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if n == 0 || !conns[q.items[n-1].conn] {
		return false
	}
	var zero item[T]
	q.items[n-1] = zero
	q.items = q.items[:n-1]
	q.notifyLocked()
	return true
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue[T]) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
