package task

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"ChainProbe/internal/checkpoint"
	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/observability/alerting"
	"ChainProbe/internal/orchestrator"
	"ChainProbe/pkg/logger"
)

// Runner 执行一次审计运行。重复调用同一运行 ID 时从检查点继续。
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (orchestrator.Outcome, error)
}

// Processor 从队列消费运行并交给编排引擎执行。
type Processor struct {
	runner      Runner
	chains      map[string]Runner
	sem         *semaphore.Weighted
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	runTimeout  time.Duration
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithWorkerCount 设置并发执行的运行数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithChainRunners 为指定链注册运行器，未匹配的链使用默认运行器。
func WithChainRunners(runners map[string]Runner) ProcessorOption {
	return func(p *Processor) { p.chains = runners }
}

// WithMaxConcurrentRuns 限制同时执行的运行数量，与队列消费者数量无关。
func WithMaxConcurrentRuns(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRunTimeout 限制单次尝试的总耗时。
func WithRunTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.runTimeout = d }
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) { p.recovery = handler }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) { p.alerter = dispatcher }
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, runID)
	if err != nil {
		if IsTaskError(err, CodeTaskNotFound) || IsTaskError(err, CodeTaskCompleted) ||
			IsTaskError(err, CodeTaskExhausted) || IsTaskError(err, CodeTaskConflict) {
			p.logger.Debug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Task{ID: runID}, CodeTaskProcessing, err, "claim")
		return err
	}

	runner := p.runnerFor(task.Chain)
	if p.sem != nil {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			_ = p.store.MarkFailed(context.WithoutCancel(ctx), task.ID, xerrors.CodeTimeout, err.Error(), false)
			return err
		}
		defer p.sem.Release(1)
	}

	runCtx := ctx
	if p.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.runTimeout)
		defer cancel()
	}
	outcome, runErr := runner.Run(runCtx, orchestrator.Request{
		RunID:     task.ID,
		Target:    task.Target,
		Objective: task.Objective,
	})
	if runErr != nil {
		return p.handleExecutionFailure(ctx, task, runErr)
	}

	result := Result{Status: string(outcome.Status), Report: outcome.Report, Steps: outcome.Steps}
	if err := p.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		p.logger.Error("标记运行成功状态失败", slog.Any("error", err), slog.String("run_id", task.ID))
		if storeErr := p.store.MarkFailed(ctx, task.ID, CodeTaskProcessing, err.Error(), false); storeErr != nil {
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("运行 %s 在标记成功失败后重投失败", task.ID))
		}
		return nil
	}
	if outcome.Status == checkpoint.StatusIncomplete {
		p.emitAlert(ctx, task, CodeTaskProcessing,
			fmt.Errorf("运行达到步数上限（%d 步）仍未给出最终报告", outcome.Steps), "incomplete")
	}
	logger.Audit().Info("运行结束",
		slog.String("run_id", task.ID),
		slog.String("target", task.Target),
		slog.String("status", result.Status),
		slog.Int("steps", result.Steps),
	)
	return nil
}

func (p *Processor) runnerFor(chain string) Runner {
	if r, ok := p.chains[chain]; ok && r != nil {
		return r
	}
	return p.runner
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, runErr error) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	retryable := xerrors.RetryableError(runErr)
	terminal := task.Attempts >= task.MaxRetries || !retryable

	if terminal && p.recovery != nil {
		fallback, recErr := p.recovery.Recover(ctx, task, runErr)
		switch {
		case recErr != nil:
			wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "运行补偿失败")
			p.logger.Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("run_id", task.ID))
			p.emitAlert(ctx, task, CodeTaskCompensate, wrapped, "compensate")
		case fallback != nil:
			if err := p.store.MarkSucceeded(ctx, task.ID, *fallback); err == nil {
				logger.Audit().Warn("运行降级为部分报告",
					slog.String("run_id", task.ID),
					slog.String("error_code", string(code)),
					slog.Int("steps", fallback.Steps),
				)
				p.emitAlert(ctx, task, code, runErr, "degraded")
				return nil
			} else {
				p.logger.Error("记录降级结果失败", slog.Any("error", err), slog.String("run_id", task.ID))
			}
		}
	}

	if storeErr := p.store.MarkFailed(ctx, task.ID, code, runErr.Error(), terminal); storeErr != nil {
		p.logger.Error("标记运行失败状态出错", slog.Any("error", storeErr), slog.String("run_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("运行失败",
		slog.String("run_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	}
	if terminal || xerrors.ShouldAlert(runErr) {
		p.emitAlert(ctx, task, code, runErr, stage)
	}

	if !terminal {
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("运行 %s 重投失败", task.ID))
		}
		p.logger.Debug("运行已重新排队", slog.String("run_id", task.ID), slog.Int("attempts", task.Attempts))
	}
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || task == nil {
		return
	}
	event := alerting.FromError(task.ID, cause)
	event.Code = code
	event.Severity = xerrors.AttributesOf(code).Severity
	event.Target = task.Target
	event.Attempts = task.Attempts
	event.MaxRetries = task.MaxRetries
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["stage"] = stage
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败", slog.Any("error", err), slog.String("run_id", task.ID), slog.String("stage", stage))
	}
}
