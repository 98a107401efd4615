package checkpoint

import (
	"sync"

	"github.com/google/uuid"
)

// Tracker keeps, per instance, the latest checkpoint the local state causally depends on.
type Tracker struct {
	latest   map[string]uuid.UUID
	previous map[string]uuid.UUID
	mu       sync.RWMutex
}

func NewTracker() *Tracker {
	return &Tracker{
		latest:   make(map[string]uuid.UUID),
		previous: make(map[string]uuid.UUID),
	}
}

// UpdateDependency records that the local state depends on checkpoint id of origin.
// Later values overwrite earlier ones.
func (t *Tracker) UpdateDependency(origin string, id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.latest[origin]; ok {
		if cur == id {
			return
		}
		t.previous[origin] = cur
	}
	t.latest[origin] = id
}

// OverwriteDependencies replaces the whole vector.
func (t *Tracker) OverwriteDependencies(vector map[string]uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.latest = make(map[string]uuid.UUID, len(vector))
	for k, v := range vector {
		t.latest[k] = v
	}
	t.previous = make(map[string]uuid.UUID)
}

func (t *Tracker) Latest(instance string) (uuid.UUID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.latest[instance]
	return id, ok
}

func (t *Tracker) SecondLatest(instance string) (uuid.UUID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.previous[instance]
	return id, ok
}

// Dependencies returns a copy of the current vector.
func (t *Tracker) Dependencies() map[string]uuid.UUID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	vector := make(map[string]uuid.UUID, len(t.latest))
	for k, v := range t.latest {
		vector[k] = v
	}
	return vector
}
