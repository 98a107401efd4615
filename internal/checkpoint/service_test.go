package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStorage counts calls and keeps checkpoints in memory.
type fakeStorage struct {
	mu          sync.Mutex
	checkpoints map[uuid.UUID]*Checkpoint
	stores      int
	storeErr    error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{checkpoints: make(map[uuid.UUID]*Checkpoint)}
}

func (f *fakeStorage) Store(_ context.Context, cp *Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stores++
	if f.storeErr != nil {
		return f.storeErr
	}
	f.checkpoints[cp.ID] = cp.Clone()
	return nil
}

func (f *fakeStorage) Retrieve(_ context.Context, id uuid.UUID) (*Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[id]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return cp.Clone(), nil
}

func (f *fakeStorage) GetAllMetaData(context.Context) ([]MetaData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	metas := make([]MetaData, 0, len(f.checkpoints))
	for _, cp := range f.checkpoints {
		metas = append(metas, cp.MetaData.Clone())
	}
	return metas, nil
}

type steppingClock struct {
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestService(t *testing.T, storage Storage) (*Service, *counterState) {
	t.Helper()
	registry := NewRegistry(nil)
	counter := &counterState{}
	_, err := registry.Register(counter)
	require.NoError(t, err)

	clock := &steppingClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	return NewService(registry, NewTracker(), storage, cfg), counter
}

func TestService_TakeCheckpoint(t *testing.T) {
	storage := newFakeStorage()
	svc, counter := newTestService(t, storage)
	ctx := context.Background()

	upstream := uuid.New()
	svc.Tracker().UpdateDependency("op-2", upstream)
	counter.Count = 4

	first, err := svc.TakeCheckpoint(ctx, "op-1")
	require.NoError(t, err)

	cp, err := storage.Retrieve(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "op-1", cp.InstanceName)
	assert.Equal(t, map[string]uuid.UUID{"op-2": upstream}, cp.Dependencies)
	assert.False(t, cp.DependsOnSelf())
	assert.Len(t, cp.Snapshots, 1)

	self, ok := svc.Tracker().Latest("op-1")
	require.True(t, ok)
	assert.Equal(t, first, self)

	second, err := svc.TakeCheckpoint(ctx, "op-1")
	require.NoError(t, err)
	cp, err = storage.Retrieve(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first, cp.Dependencies["op-1"], "next checkpoint names its predecessor")
	assert.NotEqual(t, second, cp.Dependencies["op-1"])
}

func TestService_HooksRunInOrder(t *testing.T) {
	storage := newFakeStorage()
	svc, _ := newTestService(t, storage)

	var calls []string
	svc.OnBeforeCheckpoint(HookFunc(func(context.Context) error {
		calls = append(calls, "before-1")
		return nil
	}))
	svc.OnBeforeCheckpoint(HookFunc(func(context.Context) error {
		calls = append(calls, "before-2")
		return nil
	}))
	svc.OnAfterCheckpoint(HookFunc(func(context.Context) error {
		calls = append(calls, "after")
		return nil
	}))

	_, err := svc.TakeCheckpoint(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"before-1", "before-2", "after"}, calls)
}

func TestService_HookErrorAbortsCheckpoint(t *testing.T) {
	storage := newFakeStorage()
	svc, _ := newTestService(t, storage)
	boom := errors.New("boom")

	svc.OnBeforeCheckpoint(HookFunc(func(context.Context) error { return boom }))

	_, err := svc.TakeCheckpoint(context.Background(), "op-1")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, storage.stores)
	_, ok := svc.Tracker().Latest("op-1")
	assert.False(t, ok)
}

func TestService_AbortHooksRunWhenStoreFails(t *testing.T) {
	storage := newFakeStorage()
	svc, _ := newTestService(t, storage)

	var calls []string
	var abortCtxErr error
	svc.OnBeforeCheckpoint(HookFunc(func(context.Context) error {
		calls = append(calls, "before")
		return nil
	}))
	svc.OnAbortCheckpoint(HookFunc(func(ctx context.Context) error {
		calls = append(calls, "abort")
		abortCtxErr = ctx.Err()
		return nil
	}))
	svc.OnAfterCheckpoint(HookFunc(func(context.Context) error {
		calls = append(calls, "after")
		return nil
	}))

	_, err := svc.TakeCheckpoint(context.Background(), "op-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "after"}, calls)

	calls = nil
	storage.storeErr = context.Canceled
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.TakeCheckpoint(ctx, "op-1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"before", "abort"}, calls)
	assert.NoError(t, abortCtxErr, "abort hooks run with an uncancelled context")
	assert.Equal(t, 1, len(storage.checkpoints))
}

func TestService_TakeInitialCheckpointIdempotent(t *testing.T) {
	storage := newFakeStorage()
	svc, _ := newTestService(t, storage)
	ctx := context.Background()

	first, err := svc.TakeInitialCheckpointIfNotExists(ctx, "op-1")
	require.NoError(t, err)
	second, err := svc.TakeInitialCheckpointIfNotExists(ctx, "op-1")
	require.NoError(t, err)

	assert.Equal(t, 1, storage.stores)
	assert.Equal(t, first, second)
}

func TestService_TakeInitialCheckpointAdoptsLatest(t *testing.T) {
	storage := newFakeStorage()
	svc, _ := newTestService(t, storage)
	ctx := context.Background()

	_, err := svc.TakeInitialCheckpointIfNotExists(ctx, "op-1")
	require.NoError(t, err)
	upstream := uuid.New()
	svc.Tracker().UpdateDependency("op-2", upstream)
	latest, err := svc.TakeCheckpoint(ctx, "op-1")
	require.NoError(t, err)

	// A restarted process starts with an empty tracker.
	restarted, _ := newTestService(t, storage)
	adopted, err := restarted.TakeInitialCheckpointIfNotExists(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, latest, adopted)
	assert.Equal(t, 2, storage.stores)

	self, _ := restarted.Tracker().Latest("op-1")
	assert.Equal(t, latest, self)
	dep, _ := restarted.Tracker().Latest("op-2")
	assert.Equal(t, upstream, dep)
}

func TestService_TakeInitialCheckpointFailure(t *testing.T) {
	storage := newFakeStorage()
	storage.storeErr = errors.New("disk full")
	svc, _ := newTestService(t, storage)

	_, err := svc.TakeInitialCheckpointIfNotExists(context.Background(), "op-1")
	require.ErrorIs(t, err, storage.storeErr)
}

func TestService_RestoreCheckpoint(t *testing.T) {
	storage := newFakeStorage()
	svc, counter := newTestService(t, storage)
	ctx := context.Background()

	upstream := uuid.New()
	svc.Tracker().UpdateDependency("op-2", upstream)
	counter.Count = 11
	id, err := svc.TakeCheckpoint(ctx, "op-1")
	require.NoError(t, err)

	counter.Count = 12
	svc.Tracker().UpdateDependency("op-2", uuid.New())
	svc.Tracker().UpdateDependency("op-3", uuid.New())

	require.NoError(t, svc.RestoreCheckpoint(ctx, id))
	assert.Equal(t, 11, counter.Count)
	assert.Equal(t, map[string]uuid.UUID{"op-1": id, "op-2": upstream}, svc.Tracker().Dependencies())
}

func TestService_RestoreMissingCheckpoint(t *testing.T) {
	storage := newFakeStorage()
	svc, counter := newTestService(t, storage)
	counter.Count = 3

	err := svc.RestoreCheckpoint(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrCheckpointRestoration)
	assert.Equal(t, 3, counter.Count)
}

func TestService_CalculateRecoveryLine(t *testing.T) {
	storage := newFakeStorage()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c1 := &Checkpoint{MetaData: MetaData{ID: uuid.New(), InstanceName: "op1", CreatedAt: base, Dependencies: map[string]uuid.UUID{}}}
	c2 := &Checkpoint{MetaData: MetaData{ID: uuid.New(), InstanceName: "op2", CreatedAt: base.Add(time.Second), Dependencies: map[string]uuid.UUID{"op1": c1.ID}}}
	require.NoError(t, storage.Store(ctx, c1))
	require.NoError(t, storage.Store(ctx, c2))

	reuse, _ := newTestService(t, storage)
	line, err := reuse.CalculateRecoveryLine(ctx, []string{"op2"})
	require.NoError(t, err)
	assert.Equal(t, RecoveryLine{"op2": c2.ID}, line)

	registry := NewRegistry(nil)
	cfg := DefaultConfig()
	cfg.AllowReusingState = false
	conservative := NewService(registry, NewTracker(), storage, cfg)
	line, err = conservative.CalculateRecoveryLine(ctx, []string{"op2"})
	require.NoError(t, err)
	assert.Equal(t, RecoveryLine{"op1": c1.ID, "op2": c2.ID}, line)
}
