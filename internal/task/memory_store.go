package task

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	xerrors "ChainProbe/internal/errors"
)

// MemoryStore 以内存方式保存运行状态，用于单进程部署和测试。
// 对外返回的都是副本，调用方修改不会影响存储内容。
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Task
	now  func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Task), now: time.Now}
}

func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if err := validateNewTask(task); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[task.ID]; exists {
		return ErrTaskConflict
	}
	now := m.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	m.runs[task.ID] = cloneTask(task)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if run, ok := m.runs[id]; ok {
		return cloneTask(run), nil
	}
	return nil, ErrTaskNotFound
}

// mutate 在写锁内修改运行；fn 返回错误时不刷新更新时间。
func (m *MemoryStore) mutate(id string, fn func(*Task) error) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if err := fn(run); err != nil {
		return cloneTask(run), err
	}
	run.UpdatedAt = m.now().Unix()
	return cloneTask(run), nil
}

// Claim 将 pending 或可重试的 failed 运行切换为执行中并累加尝试次数。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Task, error) {
	return m.mutate(id, func(run *Task) error {
		if err := claimable(run); err != nil {
			return err
		}
		run.Status = StatusRunning
		run.Attempts++
		run.LastError, run.ErrorCode = "", ""
		return nil
	})
}

func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result Result) error {
	_, err := m.mutate(id, func(run *Task) error {
		run.Status = StatusSucceeded
		run.Result = &result
		run.LastError, run.ErrorCode = "", ""
		return nil
	})
	return err
}

// MarkFailed 标记运行失败。terminal 为 true 时把尝试次数推到上限，阻止后续领取。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	_, err := m.mutate(id, func(run *Task) error {
		run.Status = StatusFailed
		run.LastError, run.ErrorCode = lastError, string(code)
		if terminal {
			run.Attempts = max(run.Attempts, run.MaxRetries)
		}
		return nil
	})
	return err
}

func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	matched := m.filter(opts)
	slices.SortFunc(matched, func(a, b *Task) int {
		c := cmp.Or(
			cmp.Compare(b.UpdatedAt, a.UpdatedAt),
			cmp.Compare(b.CreatedAt, a.CreatedAt),
			cmp.Compare(b.ID, a.ID),
		)
		if opts.Order == SortByUpdatedAsc {
			return -c
		}
		return c
	})
	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	end := min(opts.Offset+opts.Limit, len(matched))
	return matched[opts.Offset:end], nil
}

// Stats 统计符合过滤条件的运行，忽略分页参数。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	var stats TaskStats
	for _, run := range m.filter(opts) {
		stats.add(run)
	}
	return stats, nil
}

func (m *MemoryStore) filter(opts ListOptions) []*Task {
	preds := opts.predicates()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Task, 0, len(m.runs))
	for _, run := range m.runs {
		if matchesAll(run, preds) {
			out = append(out, cloneTask(run))
		}
	}
	return out
}

func (m *MemoryStore) Close() error { return nil }

// claimable 判断运行能否被再次领取，不能时返回对应的哨兵错误。
func claimable(run *Task) error {
	switch {
	case run.Status == StatusSucceeded:
		return ErrTaskCompleted
	case run.Status == StatusRunning:
		return ErrTaskConflict
	case run.Attempts >= run.MaxRetries:
		return ErrTaskExhausted
	}
	return nil
}

func validateNewTask(task *Task) error {
	switch {
	case task == nil:
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	case task.ID == "":
		return xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
