package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"ChainProbe/internal/checkpoint"
	xerrors "ChainProbe/internal/errors"
)

// CheckpointStore 以 <prefix>checkpoint:<run_id> 为键保存序列化后的检查点。
type CheckpointStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

// NewCheckpointStore 创建检查点存储；ttl 为 0 表示永不过期。
func NewCheckpointStore(client redis.Cmdable, prefix string, ttl time.Duration) *CheckpointStore {
	return &CheckpointStore{client: client, prefix: prefixOrDefault(prefix), ttl: ttl}
}

func (s *CheckpointStore) key(runID string) string {
	return s.prefix + "checkpoint:" + runID
}

// Save 覆盖写入最新检查点。
func (s *CheckpointStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	payload, err := checkpoint.Encode(cp)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(cp.RunID), payload, s.ttl).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 检查点失败")
	}
	return nil
}

// Load 读取检查点。
func (s *CheckpointStore) Load(ctx context.Context, runID string) (checkpoint.Checkpoint, error) {
	payload, err := s.client.Get(ctx, s.key(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return checkpoint.Checkpoint{}, checkpoint.NotFound(runID)
	}
	if err != nil {
		return checkpoint.Checkpoint{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 检查点失败")
	}
	return checkpoint.Decode(payload)
}
