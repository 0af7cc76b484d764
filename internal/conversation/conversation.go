// Package conversation 定义审计运行共享的对话日志及其追加约束。
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	xerrors "ChainProbe/internal/errors"
)

// Role 表示消息来源类别。
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// AgentName 标识产生消息的智能体。
type AgentName string

const (
	Planner   AgentName = "planner"
	Executor  AgentName = "executor"
	Reflector AgentName = "reflector"
	Reporter  AgentName = "reporter"
)

// FinalMarker 是智能体声明任务完成时使用的文本标记。
const FinalMarker = "FINAL ANSWER"

// ToolCall 是智能体发起的一次工具调用请求。
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message 是对话日志中的一条记录。
type Message struct {
	Role       Role       `json:"role"`
	Author     AgentName  `json:"author,omitempty"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Final 由智能体适配层显式设置，表示该回复是最终答案。
	Final bool `json:"final,omitempty"`
	// Decided 表示适配层已对 Final 作出判断，此时不再做文本匹配。
	Decided   bool      `json:"decided,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// IsFinal 判断消息是否为最终答案。适配层判断过的消息只看 Final，
// 其余消息（旧检查点、手工构造的消息）回退到文本匹配。
func (m Message) IsFinal() bool {
	if m.Final || m.Decided {
		return m.Final
	}
	return strings.Contains(m.Content, FinalMarker)
}

// LeadsWithMarker 判断回复是否以最终答案标记开头，忽略前导空白和 Markdown 修饰符。
func LeadsWithMarker(content string) bool {
	return strings.HasPrefix(strings.TrimLeft(content, " \t\r\n*#>_`"), FinalMarker)
}

// StripMarker 去掉最终答案标记及其周围的冒号与 Markdown 修饰符。
func StripMarker(content string) string {
	idx := strings.Index(content, FinalMarker)
	if idx < 0 {
		return strings.TrimSpace(content)
	}
	head := strings.TrimRight(content[:idx], " *#>_`")
	tail := strings.TrimLeft(content[idx+len(FinalMarker):], " :*_`")
	return strings.TrimSpace(head + tail)
}

// State 是单次审计运行的全部会话状态。
type State struct {
	RunID    string    `json:"run_id"`
	Messages []Message `json:"messages"`
	// Sender 记录最近一条智能体消息的作者，工具结果据此路由回请求方。
	Sender AgentName `json:"sender,omitempty"`
}

// NewState 为新的运行创建会话，并写入用户的初始消息。
func NewState(runID, seed string) *State {
	return &State{
		RunID: runID,
		Messages: []Message{{
			Role:      RoleUser,
			Content:   seed,
			CreatedAt: time.Now().UTC(),
		}},
	}
}

// SeedMessage 生成审计运行的初始指令。
func SeedMessage(target, objective string) string {
	seed := "Create a plan to find problems in this smart contract at this address: " + strings.TrimSpace(target)
	if objective = strings.TrimSpace(objective); objective != "" {
		seed += "\n" + objective
	}
	return seed
}

// Last 返回最新的一条消息。
func (s *State) Last() (Message, bool) {
	if s == nil || len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// lastAgentIndex 返回最近一条智能体消息的下标。
func (s *State) lastAgentIndex() int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAgent {
			return i
		}
	}
	return -1
}

// PendingCalls 返回最近一条智能体消息中尚未得到结果的工具调用，顺序与请求一致。
func (s *State) PendingCalls() []ToolCall {
	if s == nil {
		return nil
	}
	idx := s.lastAgentIndex()
	if idx < 0 {
		return nil
	}
	resolved := make(map[string]struct{})
	for _, msg := range s.Messages[idx+1:] {
		if msg.Role == RoleTool {
			resolved[msg.ToolCallID] = struct{}{}
		}
	}
	pending := make([]ToolCall, 0, len(s.Messages[idx].ToolCalls))
	for _, call := range s.Messages[idx].ToolCalls {
		if _, ok := resolved[call.ID]; !ok {
			pending = append(pending, call)
		}
	}
	return pending
}

// Append 追加消息并校验工具结果与待处理调用一一对应。
func (s *State) Append(msg Message) error {
	if s == nil {
		return xerrors.New(xerrors.CodeInvariantViolation, "会话状态未初始化")
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	switch msg.Role {
	case RoleAgent:
		if msg.Author == "" {
			return xerrors.New(xerrors.CodeInvariantViolation, "智能体消息缺少作者")
		}
		if pending := s.PendingCalls(); len(pending) > 0 {
			return xerrors.New(xerrors.CodeInvariantViolation,
				fmt.Sprintf("仍有 %d 个工具调用未返回结果，不能追加新的智能体消息", len(pending)))
		}
		seen := make(map[string]struct{}, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			if strings.TrimSpace(call.ID) == "" {
				return xerrors.New(xerrors.CodeInvariantViolation, "工具调用缺少 ID")
			}
			if _, dup := seen[call.ID]; dup {
				return xerrors.New(xerrors.CodeInvariantViolation, fmt.Sprintf("同一轮中工具调用 ID %s 重复", call.ID))
			}
			seen[call.ID] = struct{}{}
		}
		s.Sender = msg.Author
	case RoleTool:
		matched := false
		for _, call := range s.PendingCalls() {
			if call.ID == msg.ToolCallID {
				matched = true
				break
			}
		}
		if !matched {
			return xerrors.New(xerrors.CodeInvariantViolation,
				fmt.Sprintf("工具结果 %q 无法匹配任何待处理调用", msg.ToolCallID))
		}
	case RoleUser:
	default:
		return xerrors.New(xerrors.CodeInvariantViolation, fmt.Sprintf("未知的消息角色 %q", msg.Role))
	}

	s.Messages = append(s.Messages, msg)
	return nil
}

// Clone 返回状态的深拷贝，便于持久化与并发读取。
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	clone := &State{RunID: s.RunID, Sender: s.Sender, Messages: make([]Message, len(s.Messages))}
	for i, msg := range s.Messages {
		cp := msg
		if len(msg.ToolCalls) > 0 {
			cp.ToolCalls = make([]ToolCall, len(msg.ToolCalls))
			for j, call := range msg.ToolCalls {
				cp.ToolCalls[j] = call
				cp.ToolCalls[j].Arguments = append(json.RawMessage(nil), call.Arguments...)
			}
		}
		clone.Messages[i] = cp
	}
	return clone
}
