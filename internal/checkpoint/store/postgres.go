package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linkflow/stream/internal/checkpoint"
)

// PostgresStorage implements checkpoint.Storage using PostgreSQL. The schema
// lives in scripts/migrations.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

func NewPostgresStorage(pool *pgxpool.Pool) *PostgresStorage {
	return &PostgresStorage{pool: pool}
}

func (s *PostgresStorage) Store(ctx context.Context, cp *checkpoint.Checkpoint) error {
	deps, err := json.Marshal(toMetaRecord(cp.MetaData).Dependencies)
	if err != nil {
		return fmt.Errorf("failed to marshal dependencies: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO checkpoints (id, instance_name, created_at, dependencies)
		VALUES ($1, $2, $3, $4)
	`, cp.ID, cp.InstanceName, cp.CreatedAt.UTC(), deps)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%s: %w", cp.ID, checkpoint.ErrCheckpointAlreadyStored)
		}
		return fmt.Errorf("failed to insert checkpoint %s: %w", cp.ID, err)
	}

	batch := &pgx.Batch{}
	for _, snap := range cp.Snapshots {
		batch.Queue(`
			INSERT INTO checkpoint_snapshots (checkpoint_id, type_key, data, checksum)
			VALUES ($1, $2, $3, $4)
		`, cp.ID, snap.Key, snap.Data, snap.Checksum)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert snapshots of %s: %w", cp.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStorage) Retrieve(ctx context.Context, id uuid.UUID) (*checkpoint.Checkpoint, error) {
	var (
		instance  string
		createdAt time.Time
		deps      []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT instance_name, created_at, dependencies
		FROM checkpoints
		WHERE id = $1
	`, id).Scan(&instance, &createdAt, &deps)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", id, checkpoint.ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", id, err)
	}

	rec := metaRecord{ID: id, InstanceName: instance, CreatedAt: createdAt}
	if err := json.Unmarshal(deps, &rec.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dependencies of %s: %w", id, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT type_key, data, checksum
		FROM checkpoint_snapshots
		WHERE checkpoint_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots of %s: %w", id, err)
	}
	defer rows.Close()

	cp := &checkpoint.Checkpoint{
		MetaData:  rec.toMetaData(),
		Snapshots: make(map[string]checkpoint.Snapshot),
	}
	for rows.Next() {
		var snap checkpoint.Snapshot
		if err := rows.Scan(&snap.Key, &snap.Data, &snap.Checksum); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		cp.Snapshots[snap.Key] = snap
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshots of %s: %w", id, err)
	}
	return cp, nil
}

// GetAllMetaData returns metadata ordered by creation time.
func (s *PostgresStorage) GetAllMetaData(ctx context.Context) ([]checkpoint.MetaData, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_name, created_at, dependencies
		FROM checkpoints
		ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var metas []checkpoint.MetaData
	for rows.Next() {
		var (
			rec  metaRecord
			deps []byte
		)
		if err := rows.Scan(&rec.ID, &rec.InstanceName, &rec.CreatedAt, &deps); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		if err := json.Unmarshal(deps, &rec.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dependencies of %s: %w", rec.ID, err)
		}
		metas = append(metas, rec.toMetaData())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	return metas, nil
}

// RecordRecoveryLine keeps an audit row of a computed recovery line.
func (s *PostgresStorage) RecordRecoveryLine(ctx context.Context, failed []string, line checkpoint.RecoveryLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to marshal recovery line: %w", err)
	}
	if failed == nil {
		failed = []string{}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO recovery_lines (failed, line) VALUES ($1, $2)
	`, failed, data)
	if err != nil {
		return fmt.Errorf("failed to record recovery line: %w", err)
	}
	return nil
}
