// Package store provides checkpoint.Storage implementations.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/linkflow/stream/internal/checkpoint"
)

// MemoryStorage keeps checkpoints in process memory. Callers never share
// memory with stored checkpoints.
type MemoryStorage struct {
	mu          sync.RWMutex
	checkpoints map[uuid.UUID]*checkpoint.Checkpoint
	order       []uuid.UUID
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		checkpoints: make(map[uuid.UUID]*checkpoint.Checkpoint),
	}
}

func (s *MemoryStorage) Store(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.checkpoints[cp.ID]; exists {
		return fmt.Errorf("%s: %w", cp.ID, checkpoint.ErrCheckpointAlreadyStored)
	}
	s.checkpoints[cp.ID] = cp.Clone()
	s.order = append(s.order, cp.ID)
	return nil
}

func (s *MemoryStorage) Retrieve(ctx context.Context, id uuid.UUID) (*checkpoint.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, checkpoint.ErrCheckpointNotFound)
	}
	return cp.Clone(), nil
}

// GetAllMetaData returns metadata in insertion order.
func (s *MemoryStorage) GetAllMetaData(ctx context.Context) ([]checkpoint.MetaData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]checkpoint.MetaData, 0, len(s.order))
	for _, id := range s.order {
		metas = append(metas, s.checkpoints[id].MetaData.Clone())
	}
	return metas, nil
}

// Len returns the number of stored checkpoints.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}
