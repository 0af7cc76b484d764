// Package artifact 保存审计运行中部署的攻击合约。
package artifact

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ChainProbe/internal/errors"
)

// Artifact 是一次成功部署得到的合约记录，归属于部署它的运行。
type Artifact struct {
	RunID      string    `json:"run_id"`
	Address    string    `json:"address"`
	Name       string    `json:"name"`
	ABI        string    `json:"abi"`
	Bytecode   string    `json:"bytecode"`
	SourceCode string    `json:"source_code"`
	Target     string    `json:"target"`
	TxHash     string    `json:"tx_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store 定义部署产物的持久化接口。
type Store interface {
	Save(ctx context.Context, a Artifact) error
	Get(ctx context.Context, runID, address string) (Artifact, error)
	List(ctx context.Context, runID string) ([]Artifact, error)
}

// NormalizeAddress 统一地址大小写，便于按地址查找。
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// NotFound 构造统一的未找到错误。
func NotFound(runID, address string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("运行 %s 中没有部署过合约 %s", runID, address))
}

// MemoryStore 是基于内存的实现，适合单进程与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]Artifact
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]Artifact)}
}

// Save 记录一次部署；同一运行内重复地址以最新记录为准。
func (s *MemoryStore) Save(_ context.Context, a Artifact) error {
	if strings.TrimSpace(a.RunID) == "" || strings.TrimSpace(a.Address) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "部署记录缺少运行 ID 或地址")
	}
	a.Address = NormalizeAddress(a.Address)
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.items[a.RunID]
	for i := range list {
		if list[i].Address == a.Address {
			list[i] = a
			return nil
		}
	}
	s.items[a.RunID] = append(list, a)
	return nil
}

// Get 按运行与地址查找部署记录。
func (s *MemoryStore) Get(_ context.Context, runID, address string) (Artifact, error) {
	address = NormalizeAddress(address)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.items[runID] {
		if a.Address == address {
			return a, nil
		}
	}
	return Artifact{}, NotFound(runID, address)
}

// List 返回运行内全部部署记录，按时间先后排序。
func (s *MemoryStore) List(_ context.Context, runID string) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]Artifact(nil), s.items[runID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
