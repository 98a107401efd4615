package store

import (
	"container/list"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/linkflow/stream/internal/checkpoint"
)

// CachedStorage puts an LRU of retrieved checkpoints in front of another
// storage. Stored checkpoints never change, so entries need no expiry.
type CachedStorage struct {
	backend checkpoint.Storage
	lru     *lruCache

	mu     sync.Mutex
	hits   int64
	misses int64
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int
}

func NewCachedStorage(backend checkpoint.Storage, capacity int) *CachedStorage {
	if capacity <= 0 {
		capacity = 64
	}
	return &CachedStorage{
		backend: backend,
		lru:     newLRUCache(capacity),
	}
}

func (s *CachedStorage) Store(ctx context.Context, cp *checkpoint.Checkpoint) error {
	if err := s.backend.Store(ctx, cp); err != nil {
		return err
	}
	s.lru.set(cp.ID, cp.Clone())
	return nil
}

func (s *CachedStorage) Retrieve(ctx context.Context, id uuid.UUID) (*checkpoint.Checkpoint, error) {
	if cp, ok := s.lru.get(id); ok {
		s.record(true)
		return cp.Clone(), nil
	}
	s.record(false)

	cp, err := s.backend.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	s.lru.set(id, cp.Clone())
	return cp, nil
}

// GetAllMetaData always reads through, the listing grows with every checkpoint.
func (s *CachedStorage) GetAllMetaData(ctx context.Context) ([]checkpoint.MetaData, error) {
	return s.backend.GetAllMetaData(ctx)
}

func (s *CachedStorage) Stats() CacheStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CacheStats{Hits: s.hits, Misses: s.misses, Size: s.lru.size()}
}

func (s *CachedStorage) record(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.hits++
	} else {
		s.misses++
	}
}

type lruCache struct {
	capacity int
	items    map[uuid.UUID]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type lruItem struct {
	key   uuid.UUID
	value *checkpoint.Checkpoint
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		items:    make(map[uuid.UUID]*list.Element),
		order:    list.New(),
	}
}

func (c *lruCache) get(key uuid.UUID) (*checkpoint.Checkpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*lruItem).value, true
}

func (c *lruCache) set(key uuid.UUID, value *checkpoint.Checkpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*lruItem).value = value
		return
	}

	if c.order.Len() >= c.capacity {
		if back := c.order.Back(); back != nil {
			c.order.Remove(back)
			delete(c.items, back.Value.(*lruItem).key)
		}
	}
	c.items[key] = c.order.PushFront(&lruItem{key: key, value: value})
}

func (c *lruCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
