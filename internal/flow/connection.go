package flow

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ConnectionKey identifies one inbound channel: a shard of a remote instance.
type ConnectionKey struct {
	Instance string
	Shard    int
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s/%d", k.Instance, k.Shard)
}

// connection is the per-channel state owned by the controller.
type connection struct {
	key      ConnectionKey
	block    *semaphore.Weighted
	priority *semaphore.Weighted

	mu       sync.Mutex
	scope    context.Context
	cancel   context.CancelFunc
	flushing bool
	blocked  bool
	inFlight int
	drained  chan struct{}
}

func newConnection(key ConnectionKey) *connection {
	c := &connection{
		key:      key,
		block:    semaphore.NewWeighted(1),
		priority: semaphore.NewWeighted(1),
	}
	c.scope, c.cancel = context.WithCancel(context.Background())
	return c
}

// enter registers an in-flight reception and returns the current scope.
func (c *connection) enter() (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.flushing {
		return nil, fmt.Errorf("%s: %w", c.key, ErrFlushInProgress)
	}
	c.inFlight++
	return c.scope, nil
}

func (c *connection) leave() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight--
	if c.inFlight == 0 && c.drained != nil {
		close(c.drained)
		c.drained = nil
	}
}

// beginFlush cancels the scope and returns a channel closed once no
// reception is in flight.
func (c *connection) beginFlush() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.flushing = true
	c.cancel()

	done := make(chan struct{})
	if c.inFlight == 0 {
		close(done)
		return done
	}
	c.drained = done
	return done
}

// endFlush installs a fresh scope and admits receptions again.
func (c *connection) endFlush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.scope, c.cancel = context.WithCancel(context.Background())
	c.flushing = false
	c.drained = nil
}

func (c *connection) isFlushing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushing
}
