package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/linkflow/stream/internal/checkpoint"
)

// metaRecord is the persisted form of checkpoint metadata.
type metaRecord struct {
	ID           uuid.UUID            `json:"id"`
	InstanceName string               `json:"instance_name"`
	CreatedAt    time.Time            `json:"created_at"`
	Dependencies map[string]uuid.UUID `json:"dependencies"`
}

type snapshotRecord struct {
	Key      string `json:"key"`
	Data     []byte `json:"data"`
	Checksum []byte `json:"checksum"`
}

type checkpointRecord struct {
	Meta      metaRecord       `json:"meta"`
	Snapshots []snapshotRecord `json:"snapshots"`
}

func toMetaRecord(m checkpoint.MetaData) metaRecord {
	deps := m.Dependencies
	if deps == nil {
		deps = map[string]uuid.UUID{}
	}
	return metaRecord{
		ID:           m.ID,
		InstanceName: m.InstanceName,
		CreatedAt:    m.CreatedAt.UTC(),
		Dependencies: deps,
	}
}

func (r metaRecord) toMetaData() checkpoint.MetaData {
	deps := r.Dependencies
	if deps == nil {
		deps = map[string]uuid.UUID{}
	}
	return checkpoint.MetaData{
		ID:           r.ID,
		InstanceName: r.InstanceName,
		CreatedAt:    r.CreatedAt,
		Dependencies: deps,
	}
}

func marshalCheckpoint(cp *checkpoint.Checkpoint) ([]byte, error) {
	rec := checkpointRecord{Meta: toMetaRecord(cp.MetaData)}
	for _, s := range cp.Snapshots {
		rec.Snapshots = append(rec.Snapshots, snapshotRecord{Key: s.Key, Data: s.Data, Checksum: s.Checksum})
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint %s: %w", cp.ID, err)
	}
	return data, nil
}

func unmarshalCheckpoint(data []byte) (*checkpoint.Checkpoint, error) {
	var rec checkpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	cp := &checkpoint.Checkpoint{
		MetaData:  rec.Meta.toMetaData(),
		Snapshots: make(map[string]checkpoint.Snapshot, len(rec.Snapshots)),
	}
	for _, s := range rec.Snapshots {
		cp.Snapshots[s.Key] = checkpoint.Snapshot{Key: s.Key, Data: s.Data, Checksum: s.Checksum}
	}
	return cp, nil
}

func marshalMeta(m checkpoint.MetaData) ([]byte, error) {
	data, err := json.Marshal(toMetaRecord(m))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata %s: %w", m.ID, err)
	}
	return data, nil
}

func unmarshalMeta(data []byte) (checkpoint.MetaData, error) {
	var rec metaRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return checkpoint.MetaData{}, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return rec.toMetaData(), nil
}
