package task

import (
	"context"
	"fmt"
	"time"

	"ChainProbe/internal/checkpoint"
	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/orchestrator"
	"ChainProbe/internal/report"
)

// RecoveryHandler 定义运行最终失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 返回的 Result 会作为降级结果写入运行；返回 nil 时按失败流程处理。
	Recover(ctx context.Context, task *Task, cause error) (*Result, error)
}

// CheckpointRecovery 从最后一个检查点整理出部分报告。
type CheckpointRecovery struct {
	Checkpoints checkpoint.Store
	Reports     report.Sink
}

// Recover 实现 RecoveryHandler。没有任何智能体产出时不做降级。
func (r *CheckpointRecovery) Recover(ctx context.Context, task *Task, cause error) (*Result, error) {
	if r == nil || r.Checkpoints == nil || task == nil {
		return nil, nil
	}
	cp, err := r.Checkpoints.Load(ctx, task.ID)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	findings := orchestrator.FinalReport(cp.State)
	if findings == "" {
		return nil, nil
	}
	reason := cp.Error
	if reason == "" && cause != nil {
		reason = cause.Error()
	}
	content := fmt.Sprintf("运行未完成（%s，已执行 %d 步，停在 %s）。以下为最后一条分析记录：\n\n%s",
		reason, cp.Steps, cp.Next, findings)

	if r.Reports != nil {
		if err := r.Reports.Save(ctx, report.Report{
			RunID:     task.ID,
			Target:    task.Target,
			Status:    "partial",
			Content:   content,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
	}
	return &Result{Status: string(checkpoint.StatusFailed), Report: content, Steps: cp.Steps, Partial: true}, nil
}
