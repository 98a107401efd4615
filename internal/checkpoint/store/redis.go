package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/linkflow/stream/internal/checkpoint"
)

// RedisStorage stores each checkpoint under its own key and indexes metadata
// in a hash, with a sorted set keeping creation order.
type RedisStorage struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedisStorage(client *redis.Client, keyPrefix string) *RedisStorage {
	if keyPrefix == "" {
		keyPrefix = "checkpoints"
	}
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStorage) checkpointKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:cp:%s", s.keyPrefix, id)
}

func (s *RedisStorage) metaKey() string {
	return s.keyPrefix + ":meta"
}

func (s *RedisStorage) orderKey() string {
	return s.keyPrefix + ":order"
}

func (s *RedisStorage) Store(ctx context.Context, cp *checkpoint.Checkpoint) error {
	data, err := marshalCheckpoint(cp)
	if err != nil {
		return err
	}
	meta, err := marshalMeta(cp.MetaData)
	if err != nil {
		return err
	}

	created, err := s.client.SetNX(ctx, s.checkpointKey(cp.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to store checkpoint %s: %w", cp.ID, err)
	}
	if !created {
		return fmt.Errorf("%s: %w", cp.ID, checkpoint.ErrCheckpointAlreadyStored)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.metaKey(), cp.ID.String(), meta)
	pipe.ZAdd(ctx, s.orderKey(), redis.Z{
		Score:  float64(cp.CreatedAt.UnixNano()),
		Member: cp.ID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		err = fmt.Errorf("failed to index checkpoint %s: %w", cp.ID, err)
		// an unindexed blob would make a retry of the same ID fail as already stored
		if derr := s.client.Del(context.WithoutCancel(ctx), s.checkpointKey(cp.ID)).Err(); derr != nil {
			return errors.Join(err, fmt.Errorf("failed to remove unindexed checkpoint %s: %w", cp.ID, derr))
		}
		return err
	}
	return nil
}

func (s *RedisStorage) Retrieve(ctx context.Context, id uuid.UUID) (*checkpoint.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.checkpointKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", id, checkpoint.ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("failed to get checkpoint %s: %w", id, err)
	}
	return unmarshalCheckpoint(data)
}

// GetAllMetaData returns metadata ordered by creation time.
func (s *RedisStorage) GetAllMetaData(ctx context.Context) ([]checkpoint.MetaData, error) {
	ids, err := s.client.ZRange(ctx, s.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, s.metaKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint metadata: %w", err)
	}

	metas := make([]checkpoint.MetaData, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("metadata of %s missing from index", ids[i])
		}
		m, err := unmarshalMeta([]byte(raw))
		if err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, nil
}
