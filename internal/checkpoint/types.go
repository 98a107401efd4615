package checkpoint

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Snapshot is the serialized state of one registered object.
type Snapshot struct {
	Key      string
	Data     []byte
	Checksum []byte
}

// NewSnapshot copies data and computes its checksum.
func NewSnapshot(key string, data []byte) Snapshot {
	buf := make([]byte, len(data))
	copy(buf, data)
	sum := blake2b.Sum256(buf)
	return Snapshot{
		Key:      key,
		Data:     buf,
		Checksum: sum[:],
	}
}

// Verify reports whether the snapshot data still matches its checksum.
func (s Snapshot) Verify() bool {
	sum := blake2b.Sum256(s.Data)
	return bytes.Equal(sum[:], s.Checksum)
}

func (s Snapshot) clone() Snapshot {
	clone := Snapshot{Key: s.Key}
	if s.Data != nil {
		clone.Data = make([]byte, len(s.Data))
		copy(clone.Data, s.Data)
	}
	if s.Checksum != nil {
		clone.Checksum = make([]byte, len(s.Checksum))
		copy(clone.Checksum, s.Checksum)
	}
	return clone
}

// MetaData describes a stored checkpoint without its snapshots.
type MetaData struct {
	ID           uuid.UUID
	InstanceName string
	CreatedAt    time.Time
	Dependencies map[string]uuid.UUID
}

// DependsOnSelf reports whether the checkpoint names a predecessor of its own instance.
// Bootstrap checkpoints do not.
func (m MetaData) DependsOnSelf() bool {
	id, ok := m.Dependencies[m.InstanceName]
	return ok && id != uuid.Nil
}

func (m MetaData) Clone() MetaData {
	clone := m
	clone.Dependencies = make(map[string]uuid.UUID, len(m.Dependencies))
	for k, v := range m.Dependencies {
		clone.Dependencies[k] = v
	}
	return clone
}

// Checkpoint is immutable once stored.
type Checkpoint struct {
	MetaData
	Snapshots map[string]Snapshot
}

func (c *Checkpoint) Clone() *Checkpoint {
	clone := &Checkpoint{
		MetaData:  c.MetaData.Clone(),
		Snapshots: make(map[string]Snapshot, len(c.Snapshots)),
	}
	for k, v := range c.Snapshots {
		clone.Snapshots[k] = v.clone()
	}
	return clone
}

func (c *Checkpoint) String() string {
	return fmt.Sprintf("checkpoint %s of %s (%d snapshots)", c.ID, c.InstanceName, len(c.Snapshots))
}

// Storage persists checkpoints. Calls complete before the caller changes dependent state.
type Storage interface {
	Store(ctx context.Context, cp *Checkpoint) error
	// Retrieve returns ErrCheckpointNotFound for unknown ids.
	Retrieve(ctx context.Context, id uuid.UUID) (*Checkpoint, error)
	GetAllMetaData(ctx context.Context) ([]MetaData, error)
}

// EncodeState gob-encodes v for use as checkpointable state.
func EncodeState(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeState is the inverse of EncodeState.
func DecodeState(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}
	return nil
}
