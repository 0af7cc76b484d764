// Package report 接收审计运行结束时生成的最终报告。
package report

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xerrors "ChainProbe/internal/errors"
)

// Report 是一份按运行 ID 保存的最终报告。
type Report struct {
	RunID     string    `json:"run_id"`
	Target    string    `json:"target"`
	Status    string    `json:"status"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink 只负责写入报告，编排引擎从不回读。
type Sink interface {
	Save(ctx context.Context, r Report) error
}

// Store 在 Sink 基础上提供查询能力，供 API 使用。
type Store interface {
	Sink
	Get(ctx context.Context, runID string) (Report, error)
}

func validate(r *Report) error {
	if strings.TrimSpace(r.RunID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "报告缺少运行 ID")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return nil
}

func notFound(runID string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("运行 %s 尚无报告", runID))
}

// MemoryStore 将报告保存在内存中。
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]Report
}

// NewMemoryStore 创建内存报告存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]Report)}
}

// Save 保存报告，同一运行以最新一份为准。
func (s *MemoryStore) Save(_ context.Context, r Report) error {
	if err := validate(&r); err != nil {
		return err
	}
	s.mu.Lock()
	s.reports[r.RunID] = r
	s.mu.Unlock()
	return nil
}

// Get 返回运行的报告。
func (s *MemoryStore) Get(_ context.Context, runID string) (Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[runID]
	if !ok {
		return Report{}, notFound(runID)
	}
	return r, nil
}

// FileStore 以 JSON Lines 追加写入报告文件。
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore 创建文件报告存储，必要时创建目录。
func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "报告文件路径为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建报告目录失败")
	}
	return &FileStore{path: path}, nil
}

// Save 追加一行报告记录。
func (s *FileStore) Save(_ context.Context, r Report) error {
	if err := validate(&r); err != nil {
		return err
	}
	line, err := json.Marshal(r)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化报告失败")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开报告文件失败")
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入报告失败")
	}
	return nil
}

// Get 扫描文件并返回该运行最后写入的报告。
func (s *FileStore) Get(_ context.Context, runID string) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return Report{}, notFound(runID)
	}
	if err != nil {
		return Report{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开报告文件失败")
	}
	defer f.Close()

	var found *Report
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var r Report
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue
		}
		if r.RunID == runID {
			cp := r
			found = &cp
		}
	}
	if err := scanner.Err(); err != nil {
		return Report{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取报告文件失败")
	}
	if found == nil {
		return Report{}, notFound(runID)
	}
	return *found, nil
}
