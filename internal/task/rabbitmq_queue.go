package task

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "ChainProbe/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现运行队列。发布走 publisher confirm，
// 消费手动确认，处理失败的消息 Nack 后由 broker 重新投递。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	queue string

	mu  sync.Mutex // 保护 pub，amqp channel 不支持并发发布
	pub *amqp.Channel
	sub *amqp.Channel
}

// NewRabbitMQQueue 连接 RabbitMQ，声明队列并分别打开发布与消费 channel。
func NewRabbitMQQueue(cfg RabbitMQConfig) (_ *RabbitMQQueue, err error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{queue: cfg.Queue}
	if q.queue == "" {
		q.queue = "chainprobe.runs"
	}
	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "连接 RabbitMQ 失败")
	}
	defer func() {
		if err != nil {
			_ = q.Close()
		}
	}()

	fail := func(cause error, msg string) error {
		return xerrors.Wrap(xerrors.CodeInitializationFailure, cause, msg)
	}
	if q.pub, err = q.conn.Channel(); err != nil {
		return nil, fail(err, "创建 RabbitMQ 发布 channel 失败")
	}
	if err = q.pub.Confirm(false); err != nil {
		return nil, fail(err, "开启 publisher confirm 失败")
	}
	if q.sub, err = q.conn.Channel(); err != nil {
		return nil, fail(err, "创建 RabbitMQ 消费 channel 失败")
	}
	if err = q.sub.Qos(max(cfg.Prefetch, 1), 0, false); err != nil {
		return nil, fail(err, "设置 RabbitMQ QOS 失败")
	}
	if _, err = q.sub.QueueDeclare(q.queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return nil, fail(err, "声明 RabbitMQ 队列失败")
	}
	return q, nil
}

// Publish 投递运行并等待 broker 确认。
func (q *RabbitMQQueue) Publish(ctx context.Context, runID string) error {
	if q == nil || q.pub == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	q.mu.Lock()
	confirm, err := q.pub.PublishWithDeferredConfirmWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Body:         []byte(runID),
	})
	q.mu.Unlock()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布运行失败", xerrors.WithRetryable(true))
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "等待 RabbitMQ 确认失败", xerrors.WithRetryable(true))
	}
	if !acked {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 拒绝了运行 "+runID, xerrors.WithRetryable(true))
	}
	return nil
}

// Consume 消费队列直到 ctx 结束；broker 关闭投递通道时返回错误，由调用方决定是否重连。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.sub == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	deliveries, err := q.sub.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-deliveries:
				if !ok {
					return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 投递通道已关闭", xerrors.WithRetryable(true))
				}
				if err := handler(ctx, string(msg.Body)); err != nil {
					_ = msg.Nack(false, true)
					continue
				}
				_ = msg.Ack(false)
			}
		}
	})
}

// Close 关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	for _, ch := range []*amqp.Channel{q.pub, q.sub} {
		if ch != nil {
			_ = ch.Close()
		}
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitMQQueue)(nil)
