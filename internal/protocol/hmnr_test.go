package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkflow/stream/internal/checkpoint"
)

func newHMNR(t *testing.T, threshold uint64) (*HMNR, *checkpoint.Tracker) {
	t.Helper()
	tracker := checkpoint.NewTracker()
	h := NewHMNR(tracker, HMNRConfig{Threshold: threshold})
	h.InitializeClocks("op-1", []string{"op-1", "op-2", "op-3", "coordinator-0"})
	return h, tracker
}

func TestHMNR_InitializeClocksSkipsCoordinator(t *testing.T) {
	h, _ := newHMNR(t, 0)

	assert.Equal(t, []string{"op-1", "op-2", "op-3"}, h.Peers())

	_, err := h.BeforeSend("coordinator-0")
	assert.ErrorIs(t, err, ErrUnknownInstance)
}

func TestHMNR_NotInitialized(t *testing.T) {
	h := NewHMNR(checkpoint.NewTracker(), DefaultHMNRConfig())

	assert.ErrorIs(t, h.BeforeCheckpoint(), ErrNotInitialized)
	_, err := h.CheckCheckpointCondition("op-2", Piggyback{})
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestHMNR_BeforeSend(t *testing.T) {
	h, tracker := newHMNR(t, 0)
	own := uuid.New()
	tracker.UpdateDependency("op-1", own)

	p, err := h.BeforeSend("op-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Clock)
	assert.Equal(t, own, p.Checkpoint)
	assert.False(t, p.Taken)

	h.AfterCheckpoint()

	p, err = h.BeforeSend("op-2")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), p.Clock)
	assert.True(t, p.Taken, "first send after a checkpoint reports it")

	p, err = h.BeforeSend("op-2")
	require.NoError(t, err)
	assert.False(t, p.Taken)

	p, err = h.BeforeSend("op-3")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Clock, "clocks are per receiver")
	assert.True(t, p.Taken)
}

func TestHMNR_ThresholdForcesOnce(t *testing.T) {
	h, _ := newHMNR(t, 5)

	var forcedAt []uint64
	for clock := uint64(1); clock <= 10; clock++ {
		p := Piggyback{Clock: clock}
		force, err := h.CheckCheckpointCondition("op-2", p)
		require.NoError(t, err)
		if force {
			forcedAt = append(forcedAt, clock)
			require.NoError(t, h.BeforeCheckpoint())
			h.AfterCheckpoint()
		}
		require.NoError(t, h.BeforeDeliver("op-2", p))
	}

	assert.Equal(t, []uint64{6}, forcedAt)
	c, _ := h.Clock("op-2")
	assert.Equal(t, uint64(10), c.Recv)
	assert.Equal(t, uint64(5), c.Baseline)
}

func TestHMNR_ZCycleRule(t *testing.T) {
	h, _ := newHMNR(t, 0)
	peerCkpt := uuid.New()

	// Without a send to op-2 a taken flag alone does not force.
	force, err := h.CheckCheckpointCondition("op-2", Piggyback{Clock: 1, Checkpoint: peerCkpt, Taken: true})
	require.NoError(t, err)
	assert.False(t, force)
	require.NoError(t, h.BeforeDeliver("op-2", Piggyback{Clock: 1, Checkpoint: peerCkpt, Taken: true}))

	_, err = h.BeforeSend("op-2")
	require.NoError(t, err)

	// Same checkpoint as already known: nothing new.
	force, err = h.CheckCheckpointCondition("op-2", Piggyback{Clock: 2, Checkpoint: peerCkpt, Taken: true})
	require.NoError(t, err)
	assert.False(t, force)

	force, err = h.CheckCheckpointCondition("op-2", Piggyback{Clock: 2, Checkpoint: uuid.New(), Taken: true})
	require.NoError(t, err)
	assert.True(t, force)
}

func TestHMNR_NewDependencyAfterSend(t *testing.T) {
	h, _ := newHMNR(t, 0)
	first := uuid.New()

	require.NoError(t, h.BeforeDeliver("op-2", Piggyback{Clock: 1, Checkpoint: first}))
	_, err := h.BeforeSend("op-3")
	require.NoError(t, err)

	force, err := h.CheckCheckpointCondition("op-2", Piggyback{Clock: 2, Checkpoint: uuid.New()})
	require.NoError(t, err)
	assert.True(t, force)

	h.AfterCheckpoint()
	force, err = h.CheckCheckpointCondition("op-2", Piggyback{Clock: 2, Checkpoint: uuid.New()})
	require.NoError(t, err)
	assert.False(t, force, "nothing sent since the checkpoint")
}

func TestHMNR_StateRoundTrip(t *testing.T) {
	h, _ := newHMNR(t, 0)
	known := uuid.New()
	require.NoError(t, h.BeforeDeliver("op-2", Piggyback{Clock: 4, Checkpoint: known}))
	_, err := h.BeforeSend("op-3")
	require.NoError(t, err)

	data, err := h.CaptureState()
	require.NoError(t, err)

	require.NoError(t, h.BeforeDeliver("op-2", Piggyback{Clock: 9, Checkpoint: uuid.New()}))
	h.AfterCheckpoint()

	require.NoError(t, h.RestoreState(data))
	c, ok := h.Clock("op-2")
	require.True(t, ok)
	assert.Equal(t, PeerClock{Recv: 4, Known: known}, c)
	c, _ = h.Clock("op-3")
	assert.Equal(t, PeerClock{Send: 1, SentTo: true}, c)
}
