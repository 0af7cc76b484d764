package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"ChainProbe/internal/agent"
	"ChainProbe/internal/checkpoint"
	"ChainProbe/internal/conversation"
	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/knowledge"
	"ChainProbe/internal/report"
	"ChainProbe/internal/telemetry"
	"ChainProbe/internal/tools"
	"ChainProbe/pkg/logger"
)

// DefaultMaxSteps 是单次运行允许执行的节点数上限。
const DefaultMaxSteps = 100

// Agent 产出一条智能体消息。
type Agent interface {
	Step(ctx context.Context, state *conversation.State) (conversation.Message, error)
}

// ToolExecutor 执行单个工具调用，失败写入结果内容而不是返回错误。
type ToolExecutor interface {
	Execute(ctx context.Context, inv tools.Invocation) tools.Result
}

// Observer 接收运行、节点与工具调用的统计回调。
type Observer interface {
	ObserveRun(status string)
	ObserveStep(node string, duration time.Duration, err error)
	ObserveToolCall(tool string, err error)
}

// Config 控制引擎行为。
type Config struct {
	MaxSteps int
	// SequentialTools 为 true 时按请求顺序逐个执行工具调用。
	SequentialTools bool
	// MaxParallelTools 限制并行执行的工具数量，0 表示不限制。
	MaxParallelTools int
}

// Request 描述一次审计运行。
type Request struct {
	RunID     string
	Target    string
	Objective string
}

// Outcome 是运行结束（或中止）时的结果。
type Outcome struct {
	RunID  string            `json:"run_id"`
	Target string            `json:"target"`
	Status checkpoint.Status `json:"status"`
	Report string            `json:"report,omitempty"`
	Steps  int               `json:"steps"`
	Next   Node              `json:"next"`
	Error  string            `json:"error,omitempty"`
}

// Engine 驱动审计状态机。
type Engine struct {
	agents      map[conversation.AgentName]Agent
	tools       ToolExecutor
	checkpoints checkpoint.Store
	reports     report.Sink
	observer    Observer
	knowledge   knowledge.Provider
	toolsFor    func(conversation.AgentName) []tools.Name
	cfg         Config
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option 自定义 Engine。
type Option func(*Engine)

// WithConfig 设置引擎配置。
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithReportSink 设置报告落地位置。
func WithReportSink(sink report.Sink) Option {
	return func(e *Engine) { e.reports = sink }
}

// WithObserver 注册指标观察者。
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithKnowledge 在新运行的初始指令后追加匹配的漏洞模式。
func WithKnowledge(p knowledge.Provider) Option {
	return func(e *Engine) { e.knowledge = p }
}

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// FromTeam 把 agent.Team 转换为引擎所需的映射。
func FromTeam(team agent.Team) map[conversation.AgentName]Agent {
	out := make(map[conversation.AgentName]Agent, len(team))
	for name, a := range team {
		out[name] = a
	}
	return out
}

// New 构造引擎。四个角色必须齐全。
func New(agents map[conversation.AgentName]Agent, executor ToolExecutor, store checkpoint.Store, opts ...Option) (*Engine, error) {
	for _, name := range agent.Roles {
		if agents[name] == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, fmt.Sprintf("缺少智能体 %s", name))
		}
	}
	if executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工具执行器不能为空")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "检查点存储不能为空")
	}
	e := &Engine{
		agents:      agents,
		tools:       executor,
		checkpoints: store,
		toolsFor:    agent.ToolsFor,
		logger:      logger.Named("orchestrator"),
		tracer:      telemetry.Tracer(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxSteps <= 0 {
		e.cfg.MaxSteps = DefaultMaxSteps
	}
	return e, nil
}

// Run 执行一次审计。已有未结束的检查点时从检查点继续，已结束时直接返回存档结果。
func (e *Engine) Run(ctx context.Context, req Request) (Outcome, error) {
	req.RunID = strings.TrimSpace(req.RunID)
	req.Target = strings.TrimSpace(req.Target)
	if req.RunID == "" {
		return Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 不能为空")
	}
	if req.Target == "" {
		return Outcome{}, xerrors.New(xerrors.CodeInvalidArgument, "目标合约地址不能为空")
	}

	cp, err := e.checkpoints.Load(ctx, req.RunID)
	switch {
	case err == nil:
		if !cp.Status.Resumable() {
			return outcomeOf(cp), nil
		}
		e.logger.InfoContext(ctx, "从检查点继续运行",
			slog.String("run_id", cp.RunID), slog.String("node", cp.Next), slog.Int("steps", cp.Steps))
	case xerrors.HasCode(err, xerrors.CodeNotFound):
		cp = checkpoint.Checkpoint{
			RunID:  req.RunID,
			Target: req.Target,
			State:  conversation.NewState(req.RunID, e.seed(req)),
			Next:   string(NodePlanner),
			Status: checkpoint.StatusRunning,
		}
		if err := e.save(ctx, &cp); err != nil {
			return Outcome{}, err
		}
	default:
		return Outcome{}, err
	}
	return e.drive(ctx, cp)
}

func (e *Engine) seed(req Request) string {
	seed := conversation.SeedMessage(req.Target, req.Objective)
	if e.knowledge == nil {
		return seed
	}
	if brief := knowledge.Brief(e.knowledge.Query(req.Objective)); brief != "" {
		seed += "\n\n" + brief
	}
	return seed
}

// Resume 从检查点继续运行。
func (e *Engine) Resume(ctx context.Context, runID string) (Outcome, error) {
	cp, err := e.checkpoints.Load(ctx, strings.TrimSpace(runID))
	if err != nil {
		return Outcome{}, err
	}
	if !cp.Status.Resumable() {
		return outcomeOf(cp), nil
	}
	return e.drive(ctx, cp)
}

func (e *Engine) drive(ctx context.Context, cp checkpoint.Checkpoint) (Outcome, error) {
	if cp.State == nil {
		return Outcome{}, xerrors.New(xerrors.CodeInvariantViolation, "检查点缺少会话状态")
	}
	log := logger.ForRun(e.logger, cp.RunID)
	ctx, span := e.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run_id", cp.RunID),
		attribute.String("target", cp.Target),
	))
	defer span.End()

	cp.Status = checkpoint.StatusRunning
	cp.Error = ""
	for {
		node := Node(cp.Next)
		if node == NodeDone {
			return e.finish(ctx, cp, checkpoint.StatusCompleted)
		}
		if cp.Steps >= e.cfg.MaxSteps {
			log.WarnContext(ctx, "达到步数上限，运行未完成", slog.Int("max_steps", e.cfg.MaxSteps))
			return e.finish(ctx, cp, checkpoint.StatusIncomplete)
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, cp, xerrors.Wrap(xerrors.CodeTimeout, err, "运行被取消或超时"))
		}

		started := e.now()
		state, next, err := e.step(ctx, cp, node)
		if e.observer != nil {
			e.observer.ObserveStep(string(node), e.now().Sub(started), err)
		}
		if err != nil {
			log.ErrorContext(ctx, "节点执行失败",
				slog.String("node", string(node)), slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
			// 工具已经执行过，先提交结果，续跑时从发起者继续。
			if state != nil {
				cp.State = state
				cp.Next = string(next)
				cp.Steps++
			}
			return e.fail(ctx, cp, err)
		}

		cp.State = state
		cp.Next = string(next)
		cp.Steps++
		if err := e.save(ctx, &cp); err != nil {
			return e.fail(ctx, cp, err)
		}
		log.DebugContext(ctx, "节点完成",
			slog.String("node", string(node)), slog.String("next", string(next)), slog.Int("steps", cp.Steps))
	}
}

// step 在会话副本上执行一个节点，成功后才替换检查点中的会话。
// 唯一的例外是工具执行期间被取消：结果已写入副本，副本随错误一起返回。
func (e *Engine) step(ctx context.Context, cp checkpoint.Checkpoint, node Node) (*conversation.State, Node, error) {
	ctx, span := e.tracer.Start(ctx, "orchestrator.node."+strings.ToLower(string(node)), trace.WithAttributes(
		attribute.String("run_id", cp.RunID),
		attribute.Int("step", cp.Steps+1),
	))
	defer span.End()

	work := cp.State.Clone()
	var next Node
	var err error
	if node == NodeToolExec {
		next, err = e.execTools(ctx, cp, work)
	} else {
		next, err = e.agentStep(ctx, node, work)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if node == NodeToolExec && next != "" {
			return work, next, err
		}
		return nil, "", err
	}
	span.SetAttributes(attribute.String("next", string(next)))
	return work, next, nil
}

func (e *Engine) agentStep(ctx context.Context, node Node, state *conversation.State) (Node, error) {
	name, ok := AgentFor(node)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvariantViolation, fmt.Sprintf("未知节点 %s", node))
	}
	msg, err := e.agents[name].Step(ctx, state)
	if err != nil {
		return "", err
	}
	msg.Role = conversation.RoleAgent
	msg.Author = name
	for i := range msg.ToolCalls {
		if strings.TrimSpace(msg.ToolCalls[i].ID) == "" {
			msg.ToolCalls[i].ID = "call_" + uuid.NewString()
		}
	}
	if err := state.Append(msg); err != nil {
		return "", err
	}
	return Route(node, msg), nil
}

// execTools 执行最近一条智能体消息中的全部待处理调用，按请求顺序追加结果，
// 然后把控制权交还给发起调用的智能体。
func (e *Engine) execTools(ctx context.Context, cp checkpoint.Checkpoint, state *conversation.State) (Node, error) {
	calls := state.PendingCalls()
	if len(calls) == 0 {
		return "", xerrors.New(xerrors.CodeInvariantViolation, "工具执行节点没有待处理的调用")
	}
	back, ok := NodeFor(state.Sender)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvariantViolation, fmt.Sprintf("无法确定工具调用的发起者 %q", state.Sender))
	}

	allowed := e.toolsFor(state.Sender)
	results := make([]tools.Result, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	switch {
	case e.cfg.SequentialTools:
		g.SetLimit(1)
	case e.cfg.MaxParallelTools > 0:
		g.SetLimit(e.cfg.MaxParallelTools)
	}
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.invoke(gctx, cp, state.Sender, allowed, call)
			return nil
		})
	}
	// 已开始的调用都会执行完，每个调用恰好对应一条结果。
	_ = g.Wait()

	for i, call := range calls {
		msg := conversation.Message{
			Role:       conversation.RoleTool,
			ToolCallID: call.ID,
			Content:    results[i].Content,
			CreatedAt:  e.now().UTC(),
		}
		if err := state.Append(msg); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return back, xerrors.Wrap(xerrors.CodeTimeout, err, "工具执行期间运行被取消")
	}
	return back, nil
}

func (e *Engine) invoke(ctx context.Context, cp checkpoint.Checkpoint, caller conversation.AgentName, allowed []tools.Name, call conversation.ToolCall) tools.Result {
	ctx, span := e.tracer.Start(ctx, "orchestrator.tool", trace.WithAttributes(
		attribute.String("run_id", cp.RunID),
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.ID),
		attribute.String("caller", string(caller)),
	))
	defer span.End()

	var res tools.Result
	switch {
	case !slices.Contains(allowed, tools.Name(call.Name)):
		res = tools.Denied(call, caller, allowed)
	case ctx.Err() != nil:
		res = tools.Skipped(call, ctx.Err())
	default:
		res = e.tools.Execute(ctx, tools.Invocation{RunID: cp.RunID, Target: cp.Target, Caller: caller, Call: call})
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	if e.observer != nil {
		e.observer.ObserveToolCall(call.Name, res.Err)
	}
	return res
}

func (e *Engine) finish(ctx context.Context, cp checkpoint.Checkpoint, status checkpoint.Status) (Outcome, error) {
	cp.Status = status
	if err := e.save(ctx, &cp); err != nil {
		return outcomeOf(cp), err
	}
	out := outcomeOf(cp)
	if status == checkpoint.StatusCompleted && e.reports != nil {
		err := e.reports.Save(ctx, report.Report{
			RunID:     cp.RunID,
			Target:    cp.Target,
			Status:    string(status),
			Content:   out.Report,
			CreatedAt: e.now().UTC(),
		})
		if err != nil {
			return out, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存审计报告失败")
		}
	}
	if e.observer != nil {
		e.observer.ObserveRun(string(status))
	}
	logger.ForRun(e.logger, cp.RunID).InfoContext(ctx, "运行结束",
		slog.String("status", string(status)), slog.Int("steps", cp.Steps))
	return out, nil
}

// fail 记录失败状态但保留最后一个有效的会话与节点，便于重试。
func (e *Engine) fail(ctx context.Context, cp checkpoint.Checkpoint, cause error) (Outcome, error) {
	cp.Status = checkpoint.StatusFailed
	if xe, ok := xerrors.From(cause); ok {
		cp.Error = xe.Detail()
	} else {
		cp.Error = cause.Error()
	}
	saveCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	if err := e.save(saveCtx, &cp); err != nil {
		e.logger.WarnContext(ctx, "保存失败状态的检查点失败", slog.String("run_id", cp.RunID), slog.Any("error", err))
	}
	if e.observer != nil {
		e.observer.ObserveRun(string(checkpoint.StatusFailed))
	}
	return outcomeOf(cp), cause
}

func (e *Engine) save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	cp.UpdatedAt = e.now().UTC()
	if err := e.checkpoints.Save(ctx, *cp); err != nil {
		if _, ok := xerrors.From(err); ok {
			return err
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存检查点失败")
	}
	return nil
}

func outcomeOf(cp checkpoint.Checkpoint) Outcome {
	out := Outcome{
		RunID:  cp.RunID,
		Target: cp.Target,
		Status: cp.Status,
		Steps:  cp.Steps,
		Next:   Node(cp.Next),
		Error:  cp.Error,
	}
	if cp.Status == checkpoint.StatusCompleted {
		out.Report = FinalReport(cp.State)
	}
	return out
}

// FinalReport 返回最近一条智能体消息的正文（去掉最终答案标记）。
func FinalReport(state *conversation.State) string {
	if state == nil {
		return ""
	}
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if msg := state.Messages[i]; msg.Role == conversation.RoleAgent {
			return conversation.StripMarker(msg.Content)
		}
	}
	return ""
}
