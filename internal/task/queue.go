package task

import (
	"context"

	"golang.org/x/sync/errgroup"

	xerrors "ChainProbe/internal/errors"
)

// Handler 处理来自队列的运行 ID。返回错误时队列实现会把该运行重新投递。
type Handler func(ctx context.Context, runID string) error

// Producer 负责向队列投递运行。
type Producer interface {
	Publish(ctx context.Context, runID string) error
	Close() error
}

// Consumer 负责从队列中消费运行。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

var errQueueClosed = xerrors.New(xerrors.CodeQueueFailure, "队列已关闭")

// runWorkers 并发运行 n 个 loop。任一 loop 返回非取消错误时其余 loop 随之退出，
// 该错误作为 Consume 的结果；ctx 结束时返回 ctx.Err()。
func runWorkers(ctx context.Context, n int, loop func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for range max(n, 1) {
		g.Go(func() error { return loop(gctx) })
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}
