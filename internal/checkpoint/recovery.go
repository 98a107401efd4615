package checkpoint

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// RecoveryLine maps instance name to the checkpoint it must restore.
type RecoveryLine map[string]uuid.UUID

// Instances returns the instances of the line in lexical order.
func (l RecoveryLine) Instances() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// live marks an instance that keeps its current state instead of restoring.
const live = -1

// RecoveryLineCalculator computes the most recent consistent cut given the
// stored checkpoint history and the instances that failed.
//
// A selection is consistent when for every selected checkpoint C of X and every
// dependency (Y, D) of C, D is not newer than the checkpoint selected for Y.
// Selections only ever move to older checkpoints, so the fixed point is reached
// after at most as many steps as there are stored checkpoints.
type RecoveryLineCalculator struct {
	allowReusingState bool
}

func NewRecoveryLineCalculator(allowReusingState bool) *RecoveryLineCalculator {
	return &RecoveryLineCalculator{allowReusingState: allowReusingState}
}

type checkpointHistory struct {
	// newest first
	metas []MetaData
	// checkpoint id -> index into metas
	position map[uuid.UUID]int
}

// Calculate returns the recovery line. With state reuse enabled, instances that
// neither failed nor have to roll back are left out and keep their live state.
func (c *RecoveryLineCalculator) Calculate(all []MetaData, failedInstances []string) (RecoveryLine, error) {
	histories := make(map[string]*checkpointHistory)
	for _, m := range all {
		h, ok := histories[m.InstanceName]
		if !ok {
			h = &checkpointHistory{}
			histories[m.InstanceName] = h
		}
		h.metas = append(h.metas, m)
	}
	for _, h := range histories {
		sortNewestFirst(h.metas)
		h.position = make(map[uuid.UUID]int, len(h.metas))
		for i, m := range h.metas {
			h.position[m.ID] = i
		}
	}

	failed := make(map[string]bool, len(failedInstances))
	for _, name := range failedInstances {
		if len(histories[name].metasOrNil()) == 0 {
			return nil, fmt.Errorf("%w: instance %s has no stored checkpoint", ErrNoValidRecoveryLine, name)
		}
		failed[name] = true
	}

	names := make([]string, 0, len(histories))
	for name := range histories {
		names = append(names, name)
	}
	sort.Strings(names)

	selection := make(map[string]int, len(names))
	for _, name := range names {
		if !failed[name] && c.allowReusingState {
			selection[name] = live
		} else {
			selection[name] = 0
		}
	}

	for changed := true; changed; {
		changed = false
		for _, name := range names {
			if c.consistent(name, selection, histories) {
				continue
			}
			next := selection[name] + 1
			if next >= len(histories[name].metas) {
				return nil, fmt.Errorf("%w: instance %s has no checkpoint old enough", ErrNoValidRecoveryLine, name)
			}
			selection[name] = next
			changed = true
		}
	}

	line := make(RecoveryLine)
	for _, name := range names {
		if idx := selection[name]; idx != live {
			line[name] = histories[name].metas[idx].ID
		}
	}

	if err := verifyLine(line, histories); err != nil {
		return nil, err
	}
	return line, nil
}

// consistent reports whether the current selection of name satisfies all of its dependencies.
func (c *RecoveryLineCalculator) consistent(name string, selection map[string]int, histories map[string]*checkpointHistory) bool {
	for dep, id := range c.dependencies(name, selection, histories) {
		if dep == name || id == uuid.Nil {
			continue
		}
		target := selection[dep]
		if target == live {
			continue
		}
		h, ok := histories[dep]
		if !ok {
			return false
		}
		pos, known := h.position[id]
		if !known || pos < target {
			return false
		}
	}
	return true
}

// dependencies returns the dependency vector of the selected state of name. A
// live state is assumed to depend on the latest stored checkpoint of every
// instance its history ever depended on.
func (c *RecoveryLineCalculator) dependencies(name string, selection map[string]int, histories map[string]*checkpointHistory) map[string]uuid.UUID {
	h := histories[name]
	if idx := selection[name]; idx != live {
		return h.metas[idx].Dependencies
	}

	deps := make(map[string]uuid.UUID)
	for _, m := range h.metas {
		for dep := range m.Dependencies {
			if dh, ok := histories[dep]; ok && len(dh.metas) > 0 {
				deps[dep] = dh.metas[0].ID
			}
		}
	}
	return deps
}

func verifyLine(line RecoveryLine, histories map[string]*checkpointHistory) error {
	for name, id := range line {
		h := histories[name]
		deps := h.metas[h.position[id]].Dependencies
		for dep, depID := range deps {
			selected, ok := line[dep]
			if dep == name || depID == uuid.Nil || !ok {
				continue
			}
			dh := histories[dep]
			if dh.position[depID] < dh.position[selected] {
				return fmt.Errorf("%w: %s depends on %s newer than selected %s", ErrNoValidRecoveryLine, name, depID, selected)
			}
		}
	}
	return nil
}

func (h *checkpointHistory) metasOrNil() []MetaData {
	if h == nil {
		return nil
	}
	return h.metas
}
