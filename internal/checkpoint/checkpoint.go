// Package checkpoint 持久化编排引擎每一步之后的会话快照，用于崩溃后续跑。
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"ChainProbe/internal/conversation"
	xerrors "ChainProbe/internal/errors"
)

// Status 描述运行的生命周期状态。
type Status string

const (
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusIncomplete Status = "incomplete"
	StatusFailed     Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusIncomplete || s == StatusFailed
}

// Resumable 判断运行能否从检查点继续。失败的运行保留最后一个有效节点，可以重试。
func (s Status) Resumable() bool {
	return s == "" || s == StatusRunning || s == StatusFailed
}

// Checkpoint 是一次运行的可恢复快照。
type Checkpoint struct {
	RunID     string              `json:"run_id"`
	Target    string              `json:"target"`
	State     *conversation.State `json:"state"`
	Next      string              `json:"next"`
	Steps     int                 `json:"steps"`
	Status    Status              `json:"status"`
	Error     string              `json:"error,omitempty"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Store 定义检查点持久化接口。
type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, runID string) (Checkpoint, error)
}

// Encode 将检查点序列化为 JSON，供各存储后端复用。
func Encode(cp Checkpoint) ([]byte, error) {
	if strings.TrimSpace(cp.RunID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "检查点缺少运行 ID")
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化检查点失败")
	}
	return payload, nil
}

// Decode 反序列化检查点。
func Decode(payload []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return Checkpoint{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析检查点失败")
	}
	return cp, nil
}

// NotFound 构造检查点不存在的错误。
func NotFound(runID string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("运行 %s 没有检查点", runID))
}

// MemoryStore 以序列化副本保存检查点，避免调用方后续修改影响快照。
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore 创建内存检查点存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

// Save 覆盖保存运行的最新检查点。
func (s *MemoryStore) Save(_ context.Context, cp Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	payload, err := Encode(cp)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.items[cp.RunID] = payload
	s.mu.Unlock()
	return nil
}

// Load 返回运行的最新检查点。
func (s *MemoryStore) Load(_ context.Context, runID string) (Checkpoint, error) {
	s.mu.RLock()
	payload, ok := s.items[runID]
	s.mu.RUnlock()
	if !ok {
		return Checkpoint{}, NotFound(runID)
	}
	return Decode(payload)
}
