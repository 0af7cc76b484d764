package task

import (
	"context"
	"sync"
	"time"
)

const defaultRedeliveryDelay = 50 * time.Millisecond

// MemoryQueue 是基于 channel 的进程内队列，处理失败的运行延迟后重新入队。
type MemoryQueue struct {
	ch    chan string
	delay time.Duration

	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue 创建容量为 size 的内存队列。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size), delay: defaultRedeliveryDelay}
}

// Publish 在队列满时阻塞，直到有空位或 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, runID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return errQueueClosed
	}
	select {
	case q.ch <- runID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case runID, ok := <-q.ch:
				if !ok {
					return nil
				}
				if err := handler(ctx, runID); err != nil && ctx.Err() == nil {
					q.redeliver(ctx, runID)
				}
			}
		}
	})
}

// redeliver 延迟重投，避免持续失败的运行占满 worker。
func (q *MemoryQueue) redeliver(ctx context.Context, runID string) {
	time.AfterFunc(q.delay, func() { _ = q.Publish(ctx, runID) })
}

// Len 返回当前积压的运行数。
func (q *MemoryQueue) Len() int { return len(q.ch) }

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
