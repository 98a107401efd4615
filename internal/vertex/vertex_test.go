package vertex

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/stream/internal/checkpoint"
	"github.com/linkflow/stream/internal/checkpoint/store"
	"github.com/linkflow/stream/internal/flow"
	"github.com/linkflow/stream/internal/message"
	"github.com/linkflow/stream/internal/protocol"
)

var upstream = flow.ConnectionKey{Instance: "op-a", Shard: 0}

type recordingSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingSender) Send(_ context.Context, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte(nil), frame...))
	return nil
}

func (r *recordingSender) messages(t *testing.T) []message.DataMessage {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]message.DataMessage, 0, len(r.frames))
	for _, f := range r.frames {
		msg, err := message.NewCodec().Deserialize(f)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// sumOperator forwards every message and sums payload sizes.
type sumOperator struct {
	Total int
}

func (s *sumOperator) Process(_ context.Context, msg message.DataMessage) ([]message.DataMessage, error) {
	s.Total += len(msg.Payload)
	return []message.DataMessage{message.NewMessage(msg.Key, msg.Payload)}, nil
}

func (s *sumOperator) CaptureState() ([]byte, error) {
	return checkpoint.EncodeState(s)
}

func (s *sumOperator) RestoreState(data []byte) error {
	var restored sumOperator
	if err := checkpoint.DecodeState(data, &restored); err != nil {
		return err
	}
	*s = restored
	return nil
}

type failingStorage struct {
	*store.MemoryStorage
	fail atomic.Bool
}

func (f *failingStorage) Store(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if f.fail.Load() {
		return errors.New("storage unavailable")
	}
	return f.MemoryStorage.Store(ctx, cp)
}

// blockingStorage holds Store until ctx is done while hold is set.
type blockingStorage struct {
	*store.MemoryStorage
	hold    atomic.Bool
	entered chan struct{}
}

func (b *blockingStorage) Store(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if b.hold.Load() {
		select {
		case b.entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	return b.MemoryStorage.Store(ctx, cp)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	vertex   *Vertex
	storage  *failingStorage
	operator *sumOperator
	sink     *recordingSender
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Instance = "op-b"
	cfg.Roster = []string{"op-a", "op-b", "op-c", "coordinator"}
	cfg.Inputs = []flow.ConnectionKey{upstream}
	cfg.Downstream = []Downstream{{Operator: "sink", Instances: []string{"op-c"}}}
	cfg.CheckpointInterval = 0
	cfg.IdleCheckInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{
		storage:  &failingStorage{MemoryStorage: store.NewMemoryStorage()},
		operator: &sumOperator{},
		sink:     &recordingSender{},
	}
	v, err := New(cfg, Dependencies{
		Storage:  f.storage,
		Operator: f.operator,
		Senders:  map[string]FrameSender{"op-c": f.sink},
	})
	require.NoError(t, err)
	f.vertex = v
	return f
}

func (f *fixture) send(t *testing.T, key string, payload string, p protocol.Piggyback) {
	t.Helper()
	msg := message.NewMessage(key, []byte(payload))
	msg.Piggyback = p
	frame, err := message.NewCodec().Serialize(msg)
	require.NoError(t, err)
	require.NoError(t, f.vertex.Flow().Receive(context.Background(), frame, upstream))
}

func (f *fixture) halt(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.vertex.Halt(ctx, nil))
}

func TestNew_RequiresInstance(t *testing.T) {
	_, err := New(Config{}, Dependencies{Storage: store.NewMemoryStorage(), Operator: &sumOperator{}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_RequiresSenderPerDownstreamInstance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Instance = "op-b"
	cfg.Downstream = []Downstream{{Operator: "sink", Instances: []string{"op-c"}}}

	_, err := New(cfg, Dependencies{Storage: store.NewMemoryStorage(), Operator: &sumOperator{}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestVertex_ProcessesAndDispatches(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	bootstrap, err := f.vertex.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, f.vertex.Start(ctx))
	assert.ErrorIs(t, f.vertex.Start(ctx), ErrAlreadyRunning)

	for i, payload := range []string{"a", "bb", "ccc"} {
		f.send(t, "k", payload, protocol.Piggyback{Clock: uint64(i + 1)})
	}
	require.Eventually(t, func() bool { return f.sink.count() == 3 }, 2*time.Second, 5*time.Millisecond)
	f.halt(t)

	out := f.sink.messages(t)
	for i, msg := range out {
		assert.Equal(t, uint64(i+1), msg.Piggyback.Clock)
		assert.Equal(t, bootstrap, msg.Piggyback.Checkpoint)
	}
	assert.True(t, out[0].Piggyback.Taken, "first send after a checkpoint carries the taken flag")
	assert.False(t, out[1].Piggyback.Taken)

	assert.Equal(t, 6, f.operator.Total)
	st := f.vertex.Status()
	assert.False(t, st.Running)
	assert.Equal(t, uint64(3), st.Processed)
	assert.Equal(t, bootstrap, st.Checkpoint)
	assert.Empty(t, st.LastError)

	clock, ok := f.vertex.Clocks().Clock("op-a")
	require.True(t, ok)
	assert.Equal(t, uint64(3), clock.Recv)
}

func TestVertex_ForcesCheckpointOnNewUpstreamCheckpoint(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.vertex.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, f.vertex.Start(ctx))

	x1, x2 := uuid.New(), uuid.New()
	f.send(t, "k", "a", protocol.Piggyback{Clock: 1, Checkpoint: x1})
	require.Eventually(t, func() bool { return f.sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.storage.Len())

	// op-b has sent since its checkpoint and op-a announces a newer one.
	f.send(t, "k", "b", protocol.Piggyback{Clock: 2, Checkpoint: x2})
	require.Eventually(t, func() bool { return f.sink.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	f.halt(t)

	require.Equal(t, 2, f.storage.Len())
	metas, err := f.storage.GetAllMetaData(ctx)
	require.NoError(t, err)
	forced := metas[1]
	assert.Equal(t, x1, forced.Dependencies["op-a"], "forced checkpoint precedes the delivery")

	dep, ok := f.vertex.Service().Tracker().Latest("op-a")
	require.True(t, ok)
	assert.Equal(t, x2, dep)
}

func TestVertex_IdleBackupCheckpoint(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.CheckpointInterval = 20 * time.Millisecond
	})
	ctx := context.Background()

	_, err := f.vertex.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, f.vertex.Start(ctx))

	require.Eventually(t, func() bool { return f.storage.Len() >= 2 }, 2*time.Second, 5*time.Millisecond)
	f.halt(t)
}

func TestVertex_CheckpointFailureStopsProcessing(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.CheckpointInterval = 10 * time.Millisecond
	})
	ctx := context.Background()

	_, err := f.vertex.Bootstrap(ctx)
	require.NoError(t, err)
	f.storage.fail.Store(true)
	require.NoError(t, f.vertex.Start(ctx))

	require.Eventually(t, func() bool { return !f.vertex.Status().Running }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, f.vertex.Status().LastError, "backup checkpoint")
}

func TestVertex_HaltRestore(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.vertex.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, f.vertex.Start(ctx))
	f.send(t, "k", "abcd", protocol.Piggyback{Clock: 1})
	require.Eventually(t, func() bool { return f.sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	f.halt(t)

	saved, err := f.vertex.Service().TakeCheckpoint(ctx, "op-b")
	require.NoError(t, err)

	require.NoError(t, f.vertex.Start(ctx))
	assert.ErrorIs(t, f.vertex.Restore(ctx, saved), ErrAlreadyRunning)
	f.send(t, "k", "efg", protocol.Piggyback{Clock: 2})
	require.Eventually(t, func() bool { return f.sink.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	f.halt(t)
	require.Equal(t, 7, f.operator.Total)

	require.NoError(t, f.vertex.Restore(ctx, saved))
	assert.Equal(t, 4, f.operator.Total)
	clock, _ := f.vertex.Clocks().Clock("op-a")
	assert.Equal(t, uint64(1), clock.Recv)

	err = f.vertex.Restore(ctx, uuid.New())
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointRestoration)
}

func TestVertex_HaltFlushesUpstream(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.send(t, "k", "queued", protocol.Piggyback{Clock: 1})
	require.Equal(t, 1, f.vertex.Flow().Depth())

	require.NoError(t, f.vertex.Halt(ctx, []string{"op-a"}))
	assert.Equal(t, 0, f.vertex.Flow().Depth())

	err := f.vertex.Halt(ctx, []string{"op-z"})
	assert.ErrorIs(t, err, flow.ErrUnknownInstance)
}

func TestDispatcher_PicksInstanceByKey(t *testing.T) {
	instances := []string{"op-c", "op-d", "op-e"}
	seen := make(map[string]bool)
	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		first := pickInstance(instances, key)
		assert.Equal(t, first, pickInstance(instances, key))
		assert.Contains(t, instances, first)
		seen[first] = true
	}
	assert.Greater(t, len(seen), 1)
	assert.Equal(t, "only", pickInstance([]string{"only"}, "anything"))
}

func TestDispatcher_UnknownTargetClock(t *testing.T) {
	tracker := checkpoint.NewTracker()
	hmnr := protocol.NewHMNR(tracker, protocol.DefaultHMNRConfig())
	hmnr.InitializeClocks("op-b", []string{"op-b"})

	sink := &recordingSender{}
	d, err := NewDispatcher(hmnr, message.NewCodec(),
		map[string]FrameSender{"op-c": sink},
		[]Downstream{{Operator: "sink", Instances: []string{"op-c"}}}, nil)
	require.NoError(t, err)

	err = d.Dispatch(context.Background(), message.NewMessage("k", []byte("x")))
	assert.ErrorIs(t, err, protocol.ErrUnknownInstance)
	assert.Zero(t, sink.count())
}

func TestVertex_HaltDuringForcedCheckpointKeepsMessage(t *testing.T) {
	storage := &blockingStorage{MemoryStorage: store.NewMemoryStorage(), entered: make(chan struct{}, 1)}
	operator := &sumOperator{}
	sink := &recordingSender{}
	cfg := DefaultConfig()
	cfg.Instance = "op-b"
	cfg.Inputs = []flow.ConnectionKey{upstream}
	cfg.Downstream = []Downstream{{Operator: "sink", Instances: []string{"op-c"}}}
	cfg.CheckpointInterval = 0
	cfg.DominoThreshold = 1
	cfg.IdleCheckInterval = 5 * time.Millisecond

	v, err := New(cfg, Dependencies{
		Storage:  storage,
		Operator: operator,
		Senders:  map[string]FrameSender{"op-c": sink},
	})
	require.NoError(t, err)
	f := &fixture{vertex: v, operator: operator, sink: sink}
	ctx := context.Background()

	_, err = v.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, v.Start(ctx))

	f.send(t, "k", "a", protocol.Piggyback{Clock: 1})
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	storage.hold.Store(true)
	f.send(t, "k", "late", protocol.Piggyback{Clock: 5})
	select {
	case <-storage.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("forced checkpoint was not attempted")
	}
	f.halt(t)

	st := v.Status()
	assert.Equal(t, uint64(1), st.Processed)
	assert.Empty(t, st.LastError)
	assert.Equal(t, 1, storage.Len())

	// the aborted checkpoint left the clocks as they were
	peer, _ := v.Clocks().Clock("op-a")
	assert.Equal(t, uint64(0), peer.Baseline)
	assert.Equal(t, uint64(1), peer.Recv)
	down, _ := v.Clocks().Clock("op-c")
	assert.True(t, down.SentTo)
	assert.False(t, down.TakenSinceSend)

	storage.hold.Store(false)
	require.NoError(t, v.Start(ctx))
	require.Eventually(t, func() bool { return sink.count() == 2 }, 2*time.Second, 5*time.Millisecond)
	f.halt(t)

	assert.Equal(t, 5, operator.Total)
	assert.Equal(t, uint64(2), v.Status().Processed)
	assert.Equal(t, 2, storage.Len(), "the forced checkpoint is stored on retry")
	peer, _ = v.Clocks().Clock("op-a")
	assert.Equal(t, uint64(5), peer.Recv)
	assert.True(t, sink.messages(t)[1].Piggyback.Taken)
}

func TestVertex_RosterIncludesInputsAndDownstream(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Roster = nil
	})
	ctx := context.Background()

	assert.ElementsMatch(t, []string{"op-a", "op-b", "op-c"}, f.vertex.Clocks().Peers())

	_, err := f.vertex.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, f.vertex.Start(ctx))
	f.send(t, "k", "abc", protocol.Piggyback{Clock: 1})
	require.Eventually(t, func() bool { return f.sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	f.halt(t)

	st := f.vertex.Status()
	assert.Equal(t, uint64(1), st.Processed)
	assert.Empty(t, st.LastError)
}

func TestVertex_BlockedConnectionHoldsMessages(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.vertex.Block(ctx, upstream))
	received := make(chan error, 1)
	go func() {
		msg := message.NewMessage("k", []byte("x"))
		msg.Piggyback = protocol.Piggyback{Clock: 1}
		frame, err := message.NewCodec().Serialize(msg)
		if err != nil {
			received <- err
			return
		}
		received <- f.vertex.Flow().Receive(ctx, frame, upstream)
	}()

	select {
	case err := <-received:
		t.Fatalf("Receive returned on a blocked connection: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, f.vertex.Flow().Depth())

	require.NoError(t, f.vertex.Unblock(upstream))
	select {
	case err := <-received:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not resume after unblock")
	}
	assert.Equal(t, 1, f.vertex.Status().QueueDepth)
	assert.Equal(t, 1, f.vertex.Status().PeakQueueDepth)

	assert.ErrorIs(t, f.vertex.Unblock(upstream), flow.ErrNotBlocked)
	assert.ErrorIs(t, f.vertex.Block(ctx, flow.ConnectionKey{Instance: "op-z"}), flow.ErrUnknownConnection)
}

func TestVertex_PrioritizeConnection(t *testing.T) {
	other := flow.ConnectionKey{Instance: "op-d", Shard: 0}
	f := newFixture(t, func(c *Config) {
		c.Inputs = []flow.ConnectionKey{upstream, other}
	})
	ctx := context.Background()

	require.NoError(t, f.vertex.Prioritize(ctx, upstream))
	received := make(chan error, 1)
	go func() {
		frame, err := message.NewCodec().Serialize(message.NewMessage("k", []byte("x")))
		if err != nil {
			received <- err
			return
		}
		received <- f.vertex.Flow().Receive(ctx, frame, other)
	}()

	f.send(t, "k", "first", protocol.Piggyback{Clock: 1})
	select {
	case err := <-received:
		t.Fatalf("Receive bypassed priority: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	assert.ErrorIs(t, f.vertex.Deprioritize(other), flow.ErrNotPriorityHolder)
	require.NoError(t, f.vertex.Deprioritize(upstream))
	select {
	case err := <-received:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not resume after priority release")
	}
	assert.Equal(t, 2, f.vertex.Flow().Depth())
}

func TestVertex_LogsNameInstanceOnce(t *testing.T) {
	var logs lockedBuffer
	f := newFixture(t, func(c *Config) {
		c.Logger = slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
		c.DominoThreshold = 1
	})
	ctx := context.Background()

	_, err := f.vertex.Bootstrap(ctx)
	require.NoError(t, err)
	require.NoError(t, f.vertex.Start(ctx))
	f.send(t, "k", "a", protocol.Piggyback{Clock: 5})
	require.Eventually(t, func() bool { return f.sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	f.halt(t)

	out := logs.String()
	assert.Contains(t, out, "forcing checkpoint")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"instance":`), line)
	}
}
