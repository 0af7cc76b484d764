package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ChainProbe/internal/checkpoint"
	"ChainProbe/internal/conversation"
	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/observability/alerting"
	"ChainProbe/internal/orchestrator"
	"ChainProbe/internal/report"
	"ChainProbe/pkg/logger"
)

const testTarget = "0x00000000000000000000000000000000000000aa"

type fakeRunner struct {
	processed atomic.Int32
	latency   time.Duration
	// failures 按调用次数返回的错误，超出后成功。
	failures []error
	calls    atomic.Int32
}

func (f *fakeRunner) Run(ctx context.Context, req orchestrator.Request) (orchestrator.Outcome, error) {
	n := int(f.calls.Add(1))
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return orchestrator.Outcome{}, ctx.Err()
		}
	}
	if n <= len(f.failures) && f.failures[n-1] != nil {
		return orchestrator.Outcome{}, f.failures[n-1]
	}
	f.processed.Add(1)
	return orchestrator.Outcome{
		RunID:  req.RunID,
		Target: req.Target,
		Status: checkpoint.StatusCompleted,
		Report: "no findings",
		Steps:  4,
	}, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Metadata["stage"])
	}
	return out
}

func startProcessor(t *testing.T, ctx context.Context, p *Processor) {
	t.Helper()
	go func() {
		if err := p.Start(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("processor exited: %v", err)
		}
	}()
}

func TestProcessorHandlesConcurrentRuns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	runner := &fakeRunner{latency: 10 * time.Millisecond}

	service := NewService(store, queue, 3, "local")
	processor := NewProcessor(runner, store, queue, queue, WithWorkerCount(8), WithProcessorLogger(logger.Discard()))
	startProcessor(t, ctx, processor)

	total := 100
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, SubmitRequest{ID: fmt.Sprintf("run-%d", i), Target: testTarget}); err != nil {
			t.Fatalf("提交运行失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(runner.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("运行未能及时处理，已完成 %d", runner.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}

	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Succeeded != total {
		t.Fatalf("expected %d succeeded runs, got %+v", total, stats)
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	runner := &fakeRunner{failures: []error{
		xerrors.New(xerrors.CodeUnavailable, "rpc down", xerrors.WithRetryable(true)),
	}}
	alerts := &recordingDispatcher{}

	service := NewService(store, queue, 3, "local")
	processor := NewProcessor(runner, store, queue, queue,
		WithProcessorLogger(logger.Discard()),
		WithAlertDispatcher(alerts),
	)
	startProcessor(t, ctx, processor)

	if _, err := service.Submit(ctx, SubmitRequest{ID: "retry-run", Target: testTarget}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, err := service.WaitUntilCompleted(ctx, "retry-run", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != StatusSucceeded || task.Attempts != 2 {
		t.Fatalf("expected success on second attempt, got %+v", task)
	}
	if task.Result == nil || task.Result.Report != "no findings" || task.Result.Partial {
		t.Fatalf("unexpected result %+v", task.Result)
	}
}

func TestProcessorRecoversPartialReportOnTerminalFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	checkpoints := checkpoint.NewMemoryStore()
	state := conversation.NewState("partial-run", conversation.SeedMessage(testTarget, ""))
	if err := state.Append(conversation.Message{
		Role:    conversation.RoleAgent,
		Author:  conversation.Planner,
		Content: "withdraw() may be reentrant",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := checkpoints.Save(ctx, checkpoint.Checkpoint{
		RunID:  "partial-run",
		Target: testTarget,
		State:  state,
		Next:   string(orchestrator.NodeExecutor),
		Steps:  1,
		Status: checkpoint.StatusFailed,
		Error:  "tool crashed",
	}); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	reports := report.NewMemoryStore()
	alerts := &recordingDispatcher{}
	runner := &fakeRunner{failures: []error{
		xerrors.New(xerrors.CodeInvariantViolation, "tool crashed"),
	}}

	service := NewService(store, queue, 3, "local")
	processor := NewProcessor(runner, store, queue, queue,
		WithProcessorLogger(logger.Discard()),
		WithRecoveryHandler(&CheckpointRecovery{Checkpoints: checkpoints, Reports: reports}),
		WithAlertDispatcher(alerts),
	)
	startProcessor(t, ctx, processor)

	if _, err := service.Submit(ctx, SubmitRequest{ID: "partial-run", Target: testTarget}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, err := service.WaitUntilCompleted(ctx, "partial-run", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != StatusSucceeded || task.Result == nil || !task.Result.Partial {
		t.Fatalf("expected degraded result, got %+v", task)
	}
	if runner.calls.Load() != 1 {
		t.Fatalf("non-retryable failure should not be retried, got %d calls", runner.calls.Load())
	}

	saved, err := reports.Get(ctx, "partial-run")
	if err != nil {
		t.Fatalf("partial report missing: %v", err)
	}
	if saved.Status != "partial" || saved.Content != task.Result.Report {
		t.Fatalf("unexpected partial report %+v", saved)
	}
	if stages := alerts.stages(); len(stages) != 1 || stages[0] != "degraded" {
		t.Fatalf("unexpected alert stages %v", stages)
	}
}

func TestProcessorMarksTerminalFailureWithoutRecovery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	alerts := &recordingDispatcher{}
	runner := &fakeRunner{failures: []error{xerrors.New(xerrors.CodeInvalidArgument, "bad target")}}

	service := NewService(store, queue, 3, "local")
	processor := NewProcessor(runner, store, queue, queue,
		WithProcessorLogger(logger.Discard()),
		WithAlertDispatcher(alerts),
	)
	startProcessor(t, ctx, processor)

	if _, err := service.Submit(ctx, SubmitRequest{ID: "dead-run", Target: testTarget}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, err := service.WaitUntilCompleted(ctx, "dead-run", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != StatusFailed || task.ErrorCode != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("expected terminal failure, got %+v", task)
	}
	if task.Attempts != task.MaxRetries {
		t.Fatalf("terminal failure should exhaust attempts, got %d/%d", task.Attempts, task.MaxRetries)
	}
	if stages := alerts.stages(); len(stages) != 1 || stages[0] != "terminal" {
		t.Fatalf("unexpected alert stages %v", stages)
	}
}

func TestProcessorRoutesRunsByChainAndCapsConcurrency(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	fallback := &fakeRunner{}
	mainnet := &fakeRunner{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3, "local")
	processor := NewProcessor(fallback, store, queue, queue,
		WithProcessorLogger(logger.Discard()),
		WithWorkerCount(4),
		WithMaxConcurrentRuns(1),
		WithChainRunners(map[string]Runner{"mainnet": mainnet}),
	)
	startProcessor(t, ctx, processor)

	for i := 0; i < 4; i++ {
		chain := "mainnet"
		if i%2 == 0 {
			chain = ""
		}
		if _, err := service.Submit(ctx, SubmitRequest{ID: fmt.Sprintf("chain-%d", i), Target: testTarget, Chain: chain}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for i := 0; i < 4; i++ {
		if _, err := service.WaitUntilCompleted(ctx, fmt.Sprintf("chain-%d", i), 10*time.Millisecond); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if mainnet.calls.Load() != 2 || fallback.calls.Load() != 2 {
		t.Fatalf("unexpected routing: mainnet=%d default=%d", mainnet.calls.Load(), fallback.calls.Load())
	}
}
