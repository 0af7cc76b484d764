package llm

import (
	"context"
	"encoding/json"

	xerrors "ChainProbe/internal/errors"
)

// CodeCompletionUnavailable 表示补全服务在重试后仍不可用，属于运行级致命错误。
const CodeCompletionUnavailable xerrors.Code = "COMPLETION_UNAVAILABLE"

func init() {
	xerrors.Register(CodeCompletionUnavailable, xerrors.Attributes{
		Message:   "completion service unavailable",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Role 是补全接口的消息角色。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall 是模型请求的一次函数调用，Arguments 为原始 JSON 文本。
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Message 是一条发送给模型或由模型返回的消息。
type Message struct {
	Role       Role
	Content    string
	Name       string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolDefinition 描述暴露给模型的工具及其 JSON Schema。
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Request 是一次补全请求。Instructions 作为 system 消息放在最前。
type Request struct {
	Instructions string
	Messages     []Message
	Tools        []ToolDefinition
	Temperature  float32
}

// Usage 记录 token 消耗。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response 是模型返回的一条助手消息。
type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 让普通函数满足 Client 接口，便于测试替身。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
