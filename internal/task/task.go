// Package task 管理排队执行的审计运行：提交、持久化、队列投递、工作池消费与失败补偿。
package task

import (
	stdErrors "errors"

	xerrors "ChainProbe/internal/errors"
)

// Status 表示运行在队列生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Result 保存编排引擎给出的运行结果。
type Result struct {
	// Status 为 completed、incomplete 或 failed。
	Status string `json:"status"`
	Report string `json:"report,omitempty"`
	Steps  int    `json:"steps"`
	// Partial 表示报告由检查点补偿生成，而不是报告者给出。
	Partial bool `json:"partial,omitempty"`
}

// Task 描述一次排队的审计运行，ID 即运行 ID。
type Task struct {
	ID         string  `json:"id"`
	Target     string  `json:"target"`
	Chain      string  `json:"chain,omitempty"`
	Objective  string  `json:"objective,omitempty"`
	Status     Status  `json:"status"`
	Attempts   int     `json:"attempts"`
	MaxRetries int     `json:"max_retries"`
	LastError  string  `json:"last_error,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	Result     *Result `json:"result,omitempty"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
}

// SubmitRequest 是提交审计运行的参数。
type SubmitRequest struct {
	ID        string `json:"id,omitempty"`
	Target    string `json:"target"`
	Chain     string `json:"chain,omitempty"`
	Objective string `json:"objective,omitempty"`
}

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskCompensate xerrors.Code = "TASK_COMPENSATION_FAILED"
)

var (
	// ErrTaskNotFound 表示指定的运行不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "run not found")
	// ErrTaskConflict 表示运行在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "run conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示运行已经结束。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "run already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示运行的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "run retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

func init() {
	for code, attr := range map[xerrors.Code]xerrors.Attributes{
		CodeTaskNotFound:   {Message: "run not found", Severity: xerrors.SeverityInfo},
		CodeTaskConflict:   {Message: "run conflict", Severity: xerrors.SeverityWarning},
		CodeTaskCompleted:  {Message: "run already completed", Severity: xerrors.SeverityInfo},
		CodeTaskExhausted:  {Message: "run retries exhausted", Severity: xerrors.SeverityCritical, Alert: true},
		CodeTaskValidation: {Message: "run validation failed", Severity: xerrors.SeverityInfo},
		CodeTaskPublish:    {Message: "failed to publish run", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true},
		CodeTaskProcessing: {Message: "run execution failed", Severity: xerrors.SeverityWarning, Retryable: true, Alert: true},
		CodeTaskCompensate: {Message: "run compensation failed", Severity: xerrors.SeverityCritical, Alert: true},
	} {
		xerrors.Register(code, attr)
	}
}

// IsTaskError 判断错误是否为指定的运行错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	for code, sentinel := range map[xerrors.Code]error{
		CodeTaskNotFound:  ErrTaskNotFound,
		CodeTaskConflict:  ErrTaskConflict,
		CodeTaskCompleted: ErrTaskCompleted,
		CodeTaskExhausted: ErrTaskExhausted,
	} {
		if stdErrors.Is(err, sentinel) {
			return code == target
		}
	}
	return false
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneTask(t *Task) *Task {
	clone := *t
	if t.Result != nil {
		r := *t.Result
		clone.Result = &r
	}
	return &clone
}
