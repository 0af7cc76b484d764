package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"ChainProbe/internal/conversation"
	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/llm"
	"ChainProbe/pkg/logger"
)

const (
	// CodeInvalidArgument 表示工具参数未通过校验。
	CodeInvalidArgument xerrors.Code = "TOOL_INVALID_ARGUMENT"
	// CodeFailed 表示工具执行失败。
	CodeFailed xerrors.Code = "TOOL_FAILED"
)

func init() {
	xerrors.Register(CodeInvalidArgument, xerrors.Attributes{
		Message:   "invalid tool arguments",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeFailed, xerrors.Attributes{
		Message:   "tool execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Name is the wire name of a tool exposed to the model.
type Name string

const (
	FetchSourceCode                Name = "fetch_source_code"
	FetchABI                       Name = "fetch_abi"
	SendTransaction                Name = "send_transaction"
	SendTransactionToKnownContract Name = "send_transaction_to_known_contract"
	DeployContract                 Name = "deploy_contract"
	TriggerPreparedAttack          Name = "trigger_prepared_attack"
	GenerateContractSource         Name = "generate_contract_source"
	CallContractFunction           Name = "call_contract_function"
	GetBalance                     Name = "get_balance"
	RunExploitSequence             Name = "run_exploit_sequence"
	SendBatchTransactions          Name = "send_batch_transactions"
	GetContractEvents              Name = "get_contract_events"
)

// Definition describes a tool to the model.
type Definition struct {
	Name        Name
	Description string
	Schema      *Schema
}

// LLM converts the definition into the completion-layer form.
func (d Definition) LLM() llm.ToolDefinition {
	params, _ := json.Marshal(d.Schema)
	return llm.ToolDefinition{Name: string(d.Name), Description: d.Description, Parameters: params}
}

// Invocation is one tool call in the context of a run.
type Invocation struct {
	RunID  string
	Target string
	// Caller is the agent that requested the call.
	Caller conversation.AgentName
	Call   conversation.ToolCall
}

// Result is the outcome of an invocation. Content is always set; on failure it
// carries the "error: ..." text that is shown to the model.
type Result struct {
	CallID  string
	Name    string
	Content string
	Err     error
}

// Denied is the result for a call outside the caller's tool subset. The call
// is not executed.
func Denied(call conversation.ToolCall, caller conversation.AgentName, allowed []Name) Result {
	err := xerrors.New(CodeInvalidArgument, fmt.Sprintf("%s 无权调用工具 %q，可用工具: %s", caller, call.Name, joinNames(allowed)))
	return failed(call, err)
}

// Skipped is the result for a call that was not started because the run was
// cancelled first.
func Skipped(call conversation.ToolCall, cause error) Result {
	return failed(call, xerrors.Wrap(CodeFailed, cause, fmt.Sprintf("运行已取消，工具 %s 未执行", call.Name)))
}

func failed(call conversation.ToolCall, err error) Result {
	return Result{CallID: call.ID, Name: call.Name, Content: "error: " + errorText(err), Err: err}
}

type handler func(ctx context.Context, inv Invocation, args map[string]any) (string, error)

type tool struct {
	def Definition
	run handler
}

// Registry dispatches tool calls. The set of tools is fixed at construction.
type Registry struct {
	tools  map[Name]tool
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for per-call records.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New builds the registry over its collaborators.
func New(deps Deps, opts ...Option) *Registry {
	r := &Registry{tools: make(map[Name]tool), logger: logger.Named("tools"), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	deps.now = r.now
	for _, t := range deps.catalog() {
		r.tools[t.def.Name] = t
	}
	return r
}

// Names returns every registered tool name in sorted order.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Definitions returns the definitions of the named tools, in the given order.
// Unknown names are an error so role configuration cannot drift silently.
func (r *Registry) Definitions(names ...Name) ([]Definition, error) {
	out := make([]Definition, 0, len(names))
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, xerrors.New(CodeInvalidArgument, fmt.Sprintf("未知工具 %s", name))
		}
		out = append(out, t.def)
	}
	return out, nil
}

// Execute validates and runs one call. It never returns a Go error: failures
// are reported through Result.Err and rendered into Result.Content.
func (r *Registry) Execute(ctx context.Context, inv Invocation) Result {
	res := Result{CallID: inv.Call.ID, Name: inv.Call.Name}
	start := r.now()
	content, err := r.execute(ctx, inv)
	if err != nil {
		res.Err = err
		res.Content = "error: " + errorText(err)
	} else {
		res.Content = content
	}

	log := r.logger.With("run_id", inv.RunID, "tool", inv.Call.Name, "call_id", inv.Call.ID, "caller", string(inv.Caller))
	elapsed := r.now().Sub(start)
	if err != nil {
		log.Warn("工具调用失败", "error", err, "code", xerrors.CodeOf(err), "elapsed", elapsed)
	} else {
		log.Info("工具调用完成", "elapsed", elapsed, "bytes", len(res.Content))
	}
	return res
}

func (r *Registry) execute(ctx context.Context, inv Invocation) (string, error) {
	t, ok := r.tools[Name(inv.Call.Name)]
	if !ok {
		return "", xerrors.New(CodeInvalidArgument, fmt.Sprintf("未知工具 %q，可用工具: %s", inv.Call.Name, joinNames(r.Names())))
	}
	args, err := decodeArgs(inv.Call.Arguments)
	if err != nil {
		return "", err
	}
	if err := t.def.Schema.Validate(args); err != nil {
		return "", xerrors.Wrap(CodeInvalidArgument, err, fmt.Sprintf("工具 %s 参数无效", inv.Call.Name))
	}
	out, err := t.run(ctx, inv, args)
	if err != nil {
		if _, coded := xerrors.From(err); coded {
			return "", err
		}
		return "", xerrors.Wrap(CodeFailed, err, fmt.Sprintf("工具 %s 执行失败", inv.Call.Name))
	}
	return out, nil
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return args, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(CodeInvalidArgument, err, "工具参数不是合法的 JSON")
	}
	switch v := decoded.(type) {
	case map[string]any:
		return v, nil
	case nil:
		return args, nil
	}
	return nil, xerrors.New(CodeInvalidArgument, "工具参数必须是 JSON 对象")
}

// errorText keeps the whole cause chain so the model sees why a call failed.
func errorText(err error) string {
	if e, ok := xerrors.From(err); ok {
		return e.Detail()
	}
	return err.Error()
}

func joinNames(names []Name) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ", ")
}
