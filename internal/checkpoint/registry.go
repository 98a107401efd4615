package checkpoint

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// Checkpointable is implemented by every object whose state is part of a checkpoint.
// CaptureState must return a self-contained copy; RestoreState overwrites the
// object's state in place.
type Checkpointable interface {
	CaptureState() ([]byte, error)
	RestoreState(data []byte) error
}

type registryEntry struct {
	key string
	obj Checkpointable
}

// Registry holds the stateful objects of the local instance, at most one per concrete type.
type Registry struct {
	entries []registryEntry
	index   map[string]int
	logger  *slog.Logger
	mu      sync.Mutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		index:  make(map[string]int),
		logger: logger,
	}
}

// Register adds obj to the registry. It returns false without error when obj
// has no checkpointable state, so callers may opt out.
func (r *Registry) Register(obj any) (bool, error) {
	if obj == nil {
		return false, fmt.Errorf("cannot register nil object: %w", ErrNotCheckpointable)
	}

	key := typeKey(obj)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[key]; exists {
		return false, fmt.Errorf("%s: %w", key, ErrDuplicateType)
	}

	cp, ok := obj.(Checkpointable)
	if !ok {
		r.logger.Info("object is not checkpointable",
			slog.String("type", key),
			slog.String("reason", ErrNotCheckpointable.Error()),
		)
		return false, nil
	}

	r.index[key] = len(r.entries)
	r.entries = append(r.entries, registryEntry{key: key, obj: cp})
	r.logger.Info("object registered for checkpointing", slog.String("type", key))
	return true, nil
}

// Keys returns the registered identity keys in registration order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, len(r.entries))
	for i, e := range r.entries {
		keys[i] = e.key
	}
	return keys
}

// TakeSnapshots captures the state of every registered object.
func (r *Registry) TakeSnapshots() (map[string]Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshots := make(map[string]Snapshot, len(r.entries))
	for _, e := range r.entries {
		data, err := e.obj.CaptureState()
		if err != nil {
			return nil, fmt.Errorf("failed to capture state of %s: %w", e.key, err)
		}
		snapshots[e.key] = NewSnapshot(e.key, data)
	}
	return snapshots, nil
}

// Restore overwrites every registered object from snapshots. Nothing is touched
// unless snapshots covers all registered keys with intact data.
func (r *Registry) Restore(snapshots map[string]Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		s, ok := snapshots[e.key]
		if !ok {
			return fmt.Errorf("missing %s: %w", e.key, ErrIncompleteCheckpoint)
		}
		if !s.Verify() {
			return fmt.Errorf("%s: %w", e.key, ErrCorruptSnapshot)
		}
	}

	for _, e := range r.entries {
		if err := e.obj.RestoreState(snapshots[e.key].Data); err != nil {
			return fmt.Errorf("failed to restore state of %s: %w", e.key, err)
		}
	}
	return nil
}

func typeKey(obj any) string {
	t := reflect.TypeOf(obj)
	prefix := ""
	for t.Kind() == reflect.Pointer {
		prefix += "*"
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return prefix + t.String()
	}
	return prefix + t.PkgPath() + "." + t.Name()
}
