package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ChainProbe/internal/conversation"
	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/llm"
	"ChainProbe/internal/tools"
	"ChainProbe/pkg/logger"
)

type stubCatalog struct{ asked []tools.Name }

func (c *stubCatalog) Definitions(names ...tools.Name) ([]tools.Definition, error) {
	c.asked = append(c.asked, names...)
	out := make([]tools.Definition, len(names))
	for i, n := range names {
		out[i] = tools.Definition{Name: n, Description: string(n)}
	}
	return out, nil
}

func instantRetry(attempts int) *RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = attempts
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func newTestAgent(t *testing.T, name conversation.AgentName, client llm.Client, opts ...Option) *Agent {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	a, err := New(name, client, &stubCatalog{}, opts...)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a
}

func TestStepRetriesRetryableFailures(t *testing.T) {
	var calls int32
	client := llm.ClientFunc(func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, xerrors.New(xerrors.CodeUnavailable, "429", xerrors.WithRetryable(true))
		}
		return &llm.Response{Content: "1. fetch source"}, nil
	})
	a := newTestAgent(t, conversation.Planner, client, WithRetryPolicy(instantRetry(3)))

	msg, err := a.Step(context.Background(), conversation.NewState("run-1", "audit 0x01"))
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if msg.Role != conversation.RoleAgent || msg.Author != conversation.Planner || msg.Final {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestStepExhaustionIsCompletionUnavailable(t *testing.T) {
	var calls int32
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, xerrors.New(xerrors.CodeTimeout, "slow", xerrors.WithRetryable(true))
	})
	a := newTestAgent(t, conversation.Executor, client, WithRetryPolicy(instantRetry(2)))

	_, err := a.Step(context.Background(), conversation.NewState("run-1", "seed"))
	if !xerrors.HasCode(err, llm.CodeCompletionUnavailable) {
		t.Fatalf("expected completion unavailable, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestStepDoesNotRetryPermanentErrors(t *testing.T) {
	var calls int32
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		atomic.AddInt32(&calls, 1)
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "bad request", xerrors.WithRetryable(false))
	})
	a := newTestAgent(t, conversation.Reflector, client, WithRetryPolicy(instantRetry(5)))

	_, err := a.Step(context.Background(), conversation.NewState("run-1", "seed"))
	if !xerrors.HasCode(err, xerrors.CodeInvalidArgument) || calls != 1 {
		t.Fatalf("expected single invalid argument failure, got %v after %d calls", err, calls)
	}
}

func TestStepTimeoutIsRetried(t *testing.T) {
	var calls int32
	client := llm.ClientFunc(func(ctx context.Context, _ llm.Request) (*llm.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &llm.Response{Content: "ok"}, nil
	})
	a := newTestAgent(t, conversation.Planner, client, WithRetryPolicy(instantRetry(2)), WithStepTimeout(20*time.Millisecond))

	if _, err := a.Step(context.Background(), conversation.NewState("run-1", "seed")); err != nil {
		t.Fatalf("step: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected retry after timeout, got %d calls", calls)
	}
}

func TestStepMarksFinalAndFillsCallIDs(t *testing.T) {
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{
			Content: "FINAL ANSWER: done",
			ToolCalls: []llm.ToolCall{
				{Name: string(tools.FetchABI), Arguments: `{"address":"0x01"}`},
				{ID: "call-2", Name: string(tools.GetBalance), Arguments: ""},
				{ID: "call-3", Name: string(tools.GetBalance), Arguments: "not json"},
			},
		}, nil
	})
	a := newTestAgent(t, conversation.Executor, client)

	msg, err := a.Step(context.Background(), conversation.NewState("run-1", "seed"))
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !msg.Final {
		t.Fatalf("expected final flag")
	}
	if !strings.HasPrefix(msg.ToolCalls[0].ID, "call_") {
		t.Fatalf("expected generated id, got %q", msg.ToolCalls[0].ID)
	}
	if string(msg.ToolCalls[1].Arguments) != "{}" {
		t.Fatalf("empty arguments should become {}, got %s", msg.ToolCalls[1].Arguments)
	}
	var s string
	if err := json.Unmarshal(msg.ToolCalls[2].Arguments, &s); err != nil || s != "not json" {
		t.Fatalf("invalid arguments should be kept as a JSON string, got %s", msg.ToolCalls[2].Arguments)
	}
}

func TestStepFinalNeedsLeadingMarker(t *testing.T) {
	reply := "Not done yet; do not write FINAL ANSWER until the attack is confirmed."
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return &llm.Response{Content: reply}, nil
	})
	a := newTestAgent(t, conversation.Reflector, client)

	msg, err := a.Step(context.Background(), conversation.NewState("run-1", "seed"))
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if msg.Final || msg.IsFinal() {
		t.Fatalf("a passing mention of the marker must not end the run: %+v", msg)
	}

	reply = "**FINAL ANSWER**\nwithdraw() is reentrant"
	msg, err = a.Step(context.Background(), conversation.NewState("run-1", "seed"))
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !msg.Final || !msg.IsFinal() {
		t.Fatalf("a reply opening with the marker is final: %+v", msg)
	}
}

func TestStepSendsHistoryInOrder(t *testing.T) {
	state := conversation.NewState("run-1", "audit 0x01")
	call := conversation.ToolCall{ID: "c1", Name: string(tools.FetchSourceCode), Arguments: json.RawMessage(`{"address":"0x01"}`)}
	for _, m := range []conversation.Message{
		{Role: conversation.RoleAgent, Author: conversation.Planner, Content: "plan"},
		{Role: conversation.RoleAgent, Author: conversation.Executor, ToolCalls: []conversation.ToolCall{call}},
		{Role: conversation.RoleTool, ToolCallID: "c1", Content: "contract Vault {}"},
	} {
		if err := state.Append(m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var got llm.Request
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		got = req
		return &llm.Response{Content: "next"}, nil
	})
	a := newTestAgent(t, conversation.Executor, client)
	if _, err := a.Step(context.Background(), state); err != nil {
		t.Fatalf("step: %v", err)
	}

	roles := []llm.Role{llm.RoleUser, llm.RoleAssistant, llm.RoleAssistant, llm.RoleTool}
	if len(got.Messages) != len(roles) {
		t.Fatalf("expected %d messages, got %d", len(roles), len(got.Messages))
	}
	for i, r := range roles {
		if got.Messages[i].Role != r {
			t.Fatalf("message %d role %s, want %s", i, got.Messages[i].Role, r)
		}
	}
	if got.Messages[1].Name != "planner" || got.Messages[2].ToolCalls[0].ID != "c1" || got.Messages[3].ToolCallID != "c1" {
		t.Fatalf("history lost attribution: %+v", got.Messages)
	}
	if got.Instructions != Instructions(conversation.Executor) {
		t.Fatalf("executor instructions not sent")
	}
	if len(got.Tools) != len(ToolsFor(conversation.Executor)) {
		t.Fatalf("expected executor tool subset, got %d tools", len(got.Tools))
	}
}

func TestToolSubsets(t *testing.T) {
	exec := ToolsFor(conversation.Executor)
	plan := ToolsFor(conversation.Planner)
	if len(exec) != 12 || len(plan) != 8 {
		t.Fatalf("unexpected subset sizes executor=%d planner=%d", len(exec), len(plan))
	}
	for _, n := range plan {
		if n == tools.GenerateContractSource || n == tools.TriggerPreparedAttack {
			t.Fatalf("planner must not receive %s", n)
		}
	}
}

func TestNewTeamAndValidation(t *testing.T) {
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) { return &llm.Response{}, nil })
	team, err := NewTeam(client, &stubCatalog{}, WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("new team: %v", err)
	}
	if len(team) != 4 || team[conversation.Reporter].Name() != conversation.Reporter {
		t.Fatalf("unexpected team %+v", team)
	}
	if _, err := New("auditor", client, nil); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid role error, got %v", err)
	}
	if _, err := New(conversation.Planner, nil, nil); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestRetryPolicyDelays(t *testing.T) {
	p := DefaultRetryPolicy()
	if p.NextDelay(1) != time.Second || p.NextDelay(2) != 2*time.Second || p.NextDelay(10) != 20*time.Second {
		t.Fatalf("unexpected delays %v %v %v", p.NextDelay(1), p.NextDelay(2), p.NextDelay(10))
	}
	retryable := xerrors.New(xerrors.CodeUnavailable, "x", xerrors.WithRetryable(true))
	if !p.ShouldRetry(retryable, 1) || p.ShouldRetry(retryable, 3) || p.ShouldRetry(errors.New("plain"), 1) {
		t.Fatalf("unexpected ShouldRetry decisions")
	}

	var calls int
	zero := &RetryPolicy{}
	err := zero.Execute(context.Background(), func(context.Context) error {
		calls++
		return retryable
	})
	if calls != 1 || !xerrors.HasCode(err, llm.CodeCompletionUnavailable) {
		t.Fatalf("zero-attempt policy should try once and give up, got %d calls, %v", calls, err)
	}
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	p := DefaultRetryPolicy()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Execute(ctx, func(context.Context) error {
		return xerrors.New(xerrors.CodeUnavailable, "x", xerrors.WithRetryable(true))
	})
	if !xerrors.HasCode(err, xerrors.CodeTimeout) {
		t.Fatalf("expected timeout after cancellation, got %v", err)
	}
}
