package task

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "ChainProbe/internal/errors"
)

// RedisQueueConfig 描述 Redis 队列参数。
type RedisQueueConfig struct {
	Queue     string
	BlockWait time.Duration
	// Consumer 区分处理中列表，多进程消费同一队列时必须唯一，默认使用主机名。
	Consumer string
}

// RedisQueue 使用 Redis list 实现可靠队列：LPUSH 入队，BLMOVE 把运行原子地移入
// 本消费者的处理中列表，处理完成后从处理中列表删除。进程崩溃后，下次 Consume
// 会把残留在处理中列表里的运行放回队列。
type RedisQueue struct {
	client     redis.UniversalClient
	queue      string
	processing string
	wait       time.Duration
}

// NewRedisQueue 基于已连接的客户端创建队列。
func NewRedisQueue(client redis.UniversalClient, cfg RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "Redis 客户端不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "chainprobe:runs"
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	if consumer == "" {
		consumer = "default"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{
		client:     client,
		queue:      queue,
		processing: queue + ":processing:" + consumer,
		wait:       wait,
	}, nil
}

func (q *RedisQueue) Publish(ctx context.Context, runID string) error {
	if err := q.client.LPush(ctx, q.queue, runID).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布运行失败", xerrors.WithRetryable(true))
	}
	return nil
}

// Consume 先回收上次遗留的处理中运行，再启动 workerCount 个消费循环。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if _, err := q.Recover(ctx); err != nil {
		return err
	}
	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for ctx.Err() == nil {
			runID, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
			switch {
			case errors.Is(err, redis.Nil):
				continue
			case err != nil:
				if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
					return ctx.Err()
				}
				return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取运行失败")
			}
			if err := q.finish(ctx, runID, handler(ctx, runID)); err != nil {
				return err
			}
		}
		return ctx.Err()
	})
}

// finish 确认运行：成功时从处理中列表删除，失败时在同一事务里放回队列尾部等待重试。
func (q *RedisQueue) finish(ctx context.Context, runID string, handlerErr error) error {
	ackCtx := context.WithoutCancel(ctx)
	_, err := q.client.TxPipelined(ackCtx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ackCtx, q.processing, 1, runID)
		if handlerErr != nil {
			pipe.RPush(ackCtx, q.queue, runID)
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 确认运行失败")
	}
	return nil
}

// Recover 把本消费者处理中列表里的运行全部移回队列，返回移动的数量。
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, xerrors.Wrap(xerrors.CodeQueueFailure, err, "回收处理中运行失败")
		}
		moved++
	}
}

// Close 队列不持有客户端，连接由 storage/redis 关闭。
func (q *RedisQueue) Close() error { return nil }

var _ Queue = (*RedisQueue)(nil)
