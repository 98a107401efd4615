// Package flow admits messages from the inbound connections of a vertex into a
// single ordered delivery queue. It supports per-connection blocking, priority
// pre-emption and flushing around control-plane operations.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/linkflow/stream/internal/observability/metrics"
)

// Decoder turns a received frame into a message.
type Decoder[T any] interface {
	Decode(data []byte) (T, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc[T any] func(data []byte) (T, error)

func (f DecoderFunc[T]) Decode(data []byte) (T, error) { return f(data) }

type Config struct {
	QueueCapacity int
	// SoftLimit is the depth from which pressure is reported as a warning.
	SoftLimit int
	Logger    *slog.Logger
	Metrics   *metrics.ServiceMetrics
}

func DefaultConfig() Config {
	return Config{
		QueueCapacity: 1024,
		SoftLimit:     768,
	}
}

// Delivery is a message handed to the consumer.
type Delivery[T any] struct {
	Message T
	Origin  ConnectionKey
	seq     uint64
	owner   *atomic.Uint64
}

// Discarded reports whether a flush invalidated the delivery after it was taken.
func (d Delivery[T]) Discarded() bool {
	return d.owner != nil && d.owner.Load() == d.seq
}

// Controller feeds messages from many connections to one consumer.
type Controller[T any] struct {
	conns   []*connection
	index   map[ConnectionKey]int
	decoder Decoder[T]
	queue   *queue[T]
	bp      *backpressure
	logger  *slog.Logger
	metrics *metrics.ServiceMetrics

	// held while a connection owns priority
	priority       *semaphore.Weighted
	priorityMu     sync.Mutex
	priorityHolder int

	flushMu sync.Mutex

	lastMu    sync.Mutex
	lastTaken item[T]

	// sequence number of the delivery invalidated by the last flush
	discarded atomic.Uint64
}

// NewController creates a controller for the given inbound connections.
func NewController[T any](keys []ConnectionKey, decoder Decoder[T], config Config) *Controller[T] {
	defaults := DefaultConfig()
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = defaults.QueueCapacity
	}
	if config.SoftLimit <= 0 || config.SoftLimit > config.QueueCapacity {
		config.SoftLimit = max(1, config.QueueCapacity*3/4)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = metrics.Discard()
	}

	c := &Controller[T]{
		index:          make(map[ConnectionKey]int, len(keys)),
		decoder:        decoder,
		queue:          newQueue[T](config.QueueCapacity),
		bp:             newBackpressure(config.SoftLimit, config.QueueCapacity, config.Logger, config.Metrics),
		logger:         config.Logger,
		metrics:        config.Metrics,
		priority:       semaphore.NewWeighted(1),
		priorityHolder: -1,
	}
	for _, key := range keys {
		if _, dup := c.index[key]; dup {
			continue
		}
		c.index[key] = len(c.conns)
		c.conns = append(c.conns, newConnection(key))
	}
	return c
}

// Keys lists the registered connections in registration order.
func (c *Controller[T]) Keys() []ConnectionKey {
	keys := make([]ConnectionKey, len(c.conns))
	for i, conn := range c.conns {
		keys[i] = conn.key
	}
	return keys
}

// Instances lists the distinct remote instances in lexical order.
func (c *Controller[T]) Instances() []string {
	seen := make(map[string]bool)
	var names []string
	for _, conn := range c.conns {
		if !seen[conn.key.Instance] {
			seen[conn.key.Instance] = true
			names = append(names, conn.key.Instance)
		}
	}
	sort.Strings(names)
	return names
}

func (c *Controller[T]) Depth() int {
	return c.queue.len()
}

// PeakDepth is the highest queue depth observed since the controller was created.
func (c *Controller[T]) PeakDepth() int {
	return c.bp.highWater()
}

func (c *Controller[T]) Pressure() PressureState {
	return c.bp.current()
}

func (c *Controller[T]) connection(key ConnectionKey) (int, *connection, error) {
	idx, ok := c.index[key]
	if !ok {
		return 0, nil, fmt.Errorf("%s: %w", key, ErrUnknownConnection)
	}
	return idx, c.conns[idx], nil
}

// Receive decodes data from connection key and queues it for the consumer. It
// blocks while the connection is blocked, another connection holds priority or
// the queue is full. A flush of the connection aborts the call with
// ErrReceptionCancelled; a call made during a flush fails with ErrFlushInProgress.
func (c *Controller[T]) Receive(ctx context.Context, data []byte, key ConnectionKey) error {
	idx, conn, err := c.connection(key)
	if err != nil {
		return err
	}

	scope, err := conn.enter()
	if err != nil {
		return err
	}
	defer conn.leave()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(scope, cancel)
	defer stop()

	if err := conn.block.Acquire(rctx, 1); err != nil {
		return c.receiveErr(ctx, scope, conn, err)
	}
	defer conn.block.Release(1)

	if err := conn.priority.Acquire(rctx, 1); err != nil {
		return c.receiveErr(ctx, scope, conn, err)
	}
	defer conn.priority.Release(1)

	msg, err := c.decoder.Decode(data)
	if err != nil {
		return fmt.Errorf("%w from %s: %w", ErrDecode, key, err)
	}

	depth, err := c.queue.put(rctx, scope, idx, msg)
	if err != nil {
		return c.receiveErr(ctx, scope, conn, err)
	}
	c.bp.check(depth)
	return nil
}

func (c *Controller[T]) receiveErr(ctx, scope context.Context, conn *connection, err error) error {
	if ctx.Err() == nil && scope.Err() != nil {
		c.metrics.ReceptionCancelled(conn.key.String())
		return fmt.Errorf("%s: %w", conn.key, ErrReceptionCancelled)
	}
	return err
}

// Take blocks until a message is available. Only one goroutine may call Take.
func (c *Controller[T]) Take(ctx context.Context) (Delivery[T], error) {
	it, depth, err := c.queue.take(ctx)
	if err != nil {
		return Delivery[T]{}, err
	}
	c.bp.check(depth)

	c.lastMu.Lock()
	c.lastTaken = it
	c.lastMu.Unlock()

	return Delivery[T]{
		Message: it.msg,
		Origin:  c.conns[it.conn].key,
		seq:     it.seq,
		owner:   &c.discarded,
	}, nil
}

// Flush cancels and drains every connection of the named instances, then
// reopens them. The most recently queued and the most recently taken message
// are discarded when they came from a flushed connection.
func (c *Controller[T]) Flush(ctx context.Context, instances []string) error {
	names := make(map[string]bool, len(instances))
	for _, name := range instances {
		names[name] = true
	}
	targets := make(map[int]bool)
	found := make(map[string]bool, len(names))
	for i, conn := range c.conns {
		if names[conn.key.Instance] {
			targets[i] = true
			found[conn.key.Instance] = true
		}
	}
	for name := range names {
		if !found[name] {
			return fmt.Errorf("%s: %w", name, ErrUnknownInstance)
		}
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for idx := range targets {
		conn := c.conns[idx]
		done := conn.beginFlush()
		defer conn.endFlush()
		g.Go(func() error {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return fmt.Errorf("flush of %s: %w", conn.key, gctx.Err())
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	droppedQueued := c.queue.dropTailIf(targets)
	droppedTaken := false
	c.lastMu.Lock()
	if c.lastTaken.seq != 0 && targets[c.lastTaken.conn] {
		c.discarded.Store(c.lastTaken.seq)
		droppedTaken = true
	}
	c.lastMu.Unlock()
	c.bp.check(c.queue.len())

	elapsed := time.Since(start)
	c.metrics.FlushCompleted(elapsed)
	c.logger.Info("connections flushed",
		slog.Any("instances", instances),
		slog.Int("connections", len(targets)),
		slog.Bool("dropped_queued", droppedQueued),
		slog.Bool("dropped_taken", droppedTaken),
		slog.Duration("duration", elapsed),
	)
	return nil
}

// IsFlushing reports whether a flush currently targets key.
func (c *Controller[T]) IsFlushing(key ConnectionKey) (bool, error) {
	_, conn, err := c.connection(key)
	if err != nil {
		return false, err
	}
	return conn.isFlushing(), nil
}

// TakePriority makes key the only connection admitting messages until
// ReleasePriority. It waits for receptions in progress on other connections.
func (c *Controller[T]) TakePriority(ctx context.Context, key ConnectionKey) error {
	idx, _, err := c.connection(key)
	if err != nil {
		return err
	}
	if err := c.priority.Acquire(ctx, 1); err != nil {
		return err
	}

	acquired := make([]*connection, 0, len(c.conns))
	for i, conn := range c.conns {
		if i == idx {
			continue
		}
		if err := conn.priority.Acquire(ctx, 1); err != nil {
			for _, held := range acquired {
				held.priority.Release(1)
			}
			c.priority.Release(1)
			return err
		}
		acquired = append(acquired, conn)
	}

	c.priorityMu.Lock()
	c.priorityHolder = idx
	c.priorityMu.Unlock()

	c.logger.Debug("priority taken", slog.String("connection", key.String()))
	return nil
}

func (c *Controller[T]) ReleasePriority(key ConnectionKey) error {
	idx, _, err := c.connection(key)
	if err != nil {
		return err
	}

	c.priorityMu.Lock()
	if c.priorityHolder != idx {
		c.priorityMu.Unlock()
		return fmt.Errorf("%s: %w", key, ErrNotPriorityHolder)
	}
	c.priorityHolder = -1
	c.priorityMu.Unlock()

	for i, conn := range c.conns {
		if i != idx {
			conn.priority.Release(1)
		}
	}
	c.priority.Release(1)

	c.logger.Debug("priority released", slog.String("connection", key.String()))
	return nil
}

// Block stops key from admitting messages. It waits for a reception in progress.
func (c *Controller[T]) Block(ctx context.Context, key ConnectionKey) error {
	_, conn, err := c.connection(key)
	if err != nil {
		return err
	}
	if err := conn.block.Acquire(ctx, 1); err != nil {
		return err
	}

	conn.mu.Lock()
	conn.blocked = true
	conn.mu.Unlock()
	return nil
}

func (c *Controller[T]) Unblock(key ConnectionKey) error {
	_, conn, err := c.connection(key)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	if !conn.blocked {
		conn.mu.Unlock()
		return fmt.Errorf("%s: %w", key, ErrNotBlocked)
	}
	conn.blocked = false
	conn.mu.Unlock()

	conn.block.Release(1)
	return nil
}
