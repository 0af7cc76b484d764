package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ChainProbe/internal/conversation"
	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/llm"
	"ChainProbe/internal/tools"
	"ChainProbe/pkg/logger"
)

// Catalog 提供按名称筛选的工具定义。
type Catalog interface {
	Definitions(names ...tools.Name) ([]tools.Definition, error)
}

// Agent 是一个审计角色：固定的指令、可用工具子集和共享的补全客户端。
type Agent struct {
	name         conversation.AgentName
	instructions string
	tools        []llm.ToolDefinition
	client       llm.Client
	retry        *RetryPolicy
	budget       *llm.Budget
	stepTimeout  time.Duration
	temperature  float32
	logger       *slog.Logger
	now          func() time.Time
}

// Option 自定义 Agent 的可选行为。
type Option func(*Agent)

// WithRetryPolicy 替换默认的补全重试策略。
func WithRetryPolicy(p *RetryPolicy) Option {
	return func(a *Agent) {
		if p != nil {
			a.retry = p
		}
	}
}

// WithBudget 在每次调用前按 token 预算裁剪上下文。
func WithBudget(b *llm.Budget) Option {
	return func(a *Agent) { a.budget = b }
}

// WithStepTimeout 限制单次补全调用（不含重试等待）的耗时。
func WithStepTimeout(d time.Duration) Option {
	return func(a *Agent) { a.stepTimeout = d }
}

// WithTemperature 设置采样温度。
func WithTemperature(t float32) Option {
	return func(a *Agent) { a.temperature = t }
}

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithInstructions 覆盖角色默认指令。
func WithInstructions(text string) Option {
	return func(a *Agent) {
		if strings.TrimSpace(text) != "" {
			a.instructions = text
		}
	}
}

// New 构造指定角色的 Agent，工具子集由 ToolsFor 决定。
func New(name conversation.AgentName, client llm.Client, catalog Catalog, opts ...Option) (*Agent, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "补全客户端不能为空")
	}
	if _, ok := instructions[name]; !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的智能体角色: "+string(name))
	}
	a := &Agent{
		name:         name,
		instructions: Instructions(name),
		client:       client,
		retry:        DefaultRetryPolicy(),
		logger:       logger.Named("agent").With(slog.String("agent", string(name))),
		now:          time.Now,
	}
	if catalog != nil {
		defs, err := catalog.Definitions(ToolsFor(name)...)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载工具定义失败")
		}
		for _, def := range defs {
			a.tools = append(a.tools, def.LLM())
		}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Name 返回角色名称。
func (a *Agent) Name() conversation.AgentName { return a.name }

// Step 把当前会话交给模型，返回该角色的一条新消息。
// 消息尚未追加到会话中，由调用方负责。
func (a *Agent) Step(ctx context.Context, state *conversation.State) (conversation.Message, error) {
	if state == nil {
		return conversation.Message{}, xerrors.New(xerrors.CodeInvalidArgument, "会话状态不能为空")
	}

	history := toLLMMessages(state.Messages)
	if a.budget != nil {
		history = a.budget.Fit(a.instructions, a.tools, history)
	}
	req := llm.Request{
		Instructions: a.instructions,
		Messages:     history,
		Tools:        a.tools,
		Temperature:  a.temperature,
	}

	var resp *llm.Response
	attempt := 0
	err := a.retry.Execute(ctx, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := a.withTimeout(ctx)
		defer cancel()
		r, err := a.client.Complete(callCtx, req)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				err = xerrors.Wrap(xerrors.CodeTimeout, err, "补全调用超时", xerrors.WithRetryable(true))
			}
			a.logger.WarnContext(ctx, "补全调用失败",
				slog.String("run_id", state.RunID),
				slog.Int("attempt", attempt),
				slog.Bool("retryable", xerrors.RetryableError(err)),
				slog.Any("error", err))
			return err
		}
		if r == nil {
			return xerrors.New(xerrors.CodeUnavailable, "补全服务返回空响应", xerrors.WithRetryable(true))
		}
		resp = r
		return nil
	})
	if err != nil {
		return conversation.Message{}, err
	}

	msg := a.toMessage(resp)
	a.logger.DebugContext(ctx, "智能体完成一步",
		slog.String("run_id", state.RunID),
		slog.Int("tool_calls", len(msg.ToolCalls)),
		slog.Bool("final", msg.Final),
		slog.Int("prompt_tokens", resp.Usage.PromptTokens),
		slog.Int("completion_tokens", resp.Usage.CompletionTokens))
	return msg, nil
}

func (a *Agent) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.stepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.stepTimeout)
}

func (a *Agent) toMessage(resp *llm.Response) conversation.Message {
	msg := conversation.Message{
		Role:      conversation.RoleAgent,
		Author:    a.name,
		Content:   resp.Content,
		Final:     conversation.LeadsWithMarker(resp.Content),
		Decided:   true,
		CreatedAt: a.now().UTC(),
	}
	for _, call := range resp.ToolCalls {
		id := strings.TrimSpace(call.ID)
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		msg.ToolCalls = append(msg.ToolCalls, conversation.ToolCall{
			ID:        id,
			Name:      call.Name,
			Arguments: rawArguments(call.Arguments),
		})
	}
	return msg
}

// rawArguments 保证参数是合法 JSON；模型给出的非法文本按字符串保存，
// 交由工具层的参数校验报告错误。
func rawArguments(args string) json.RawMessage {
	args = strings.TrimSpace(args)
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

func toLLMMessages(messages []conversation.Message) []llm.Message {
	out := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case conversation.RoleUser:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case conversation.RoleAgent:
			converted := llm.Message{Role: llm.RoleAssistant, Content: m.Content, Name: string(m.Author)}
			for _, call := range m.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, llm.ToolCall{
					ID:        call.ID,
					Name:      call.Name,
					Arguments: string(call.Arguments),
				})
			}
			out = append(out, converted)
		case conversation.RoleTool:
			out = append(out, llm.Message{Role: llm.RoleTool, Content: m.Content, ToolCallID: m.ToolCallID})
		}
	}
	return out
}
