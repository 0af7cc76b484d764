package conversation

import (
	"encoding/json"
	"testing"

	xerrors "ChainProbe/internal/errors"
)

func agentWithCalls(author AgentName, ids ...string) Message {
	msg := Message{Role: RoleAgent, Author: author}
	for _, id := range ids {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: id, Name: "fetch_abi", Arguments: json.RawMessage(`{"contract_address":"0x1"}`)})
	}
	return msg
}

func TestAppendTracksSenderAndPendingCalls(t *testing.T) {
	state := NewState("run-1", SeedMessage("0xabc", ""))
	if err := state.Append(agentWithCalls(Executor, "c1", "c2")); err != nil {
		t.Fatalf("append agent: %v", err)
	}
	if state.Sender != Executor {
		t.Fatalf("unexpected sender %s", state.Sender)
	}
	if pending := state.PendingCalls(); len(pending) != 2 || pending[0].ID != "c1" {
		t.Fatalf("unexpected pending %+v", pending)
	}

	if err := state.Append(Message{Role: RoleTool, ToolCallID: "c2", Content: "ok"}); err != nil {
		t.Fatalf("append result: %v", err)
	}
	if pending := state.PendingCalls(); len(pending) != 1 || pending[0].ID != "c1" {
		t.Fatalf("unexpected pending after one result %+v", pending)
	}
}

func TestAppendRejectsOrphanAndDuplicateResults(t *testing.T) {
	state := NewState("run-2", "seed")
	if err := state.Append(Message{Role: RoleTool, ToolCallID: "ghost"}); !xerrors.HasCode(err, xerrors.CodeInvariantViolation) {
		t.Fatalf("expected invariant violation for orphan result, got %v", err)
	}

	if err := state.Append(agentWithCalls(Planner, "c1")); err != nil {
		t.Fatalf("append agent: %v", err)
	}
	if err := state.Append(Message{Role: RoleTool, ToolCallID: "c1"}); err != nil {
		t.Fatalf("append result: %v", err)
	}
	if err := state.Append(Message{Role: RoleTool, ToolCallID: "c1"}); !xerrors.HasCode(err, xerrors.CodeInvariantViolation) {
		t.Fatalf("expected invariant violation for duplicate result, got %v", err)
	}
	if len(state.Messages) != 3 {
		t.Fatalf("rejected messages must not be appended, got %d", len(state.Messages))
	}
}

func TestAppendRejectsAgentTurnWithOpenCalls(t *testing.T) {
	state := NewState("run-3", "seed")
	if err := state.Append(agentWithCalls(Planner, "c1")); err != nil {
		t.Fatalf("append agent: %v", err)
	}
	if err := state.Append(Message{Role: RoleAgent, Author: Executor, Content: "next"}); err == nil {
		t.Fatalf("expected error while calls are unresolved")
	}
	if err := state.Append(agentWithCalls(Executor, "x", "x")); err == nil {
		t.Fatalf("expected error for duplicate call ids")
	}
}

func TestFinalDetection(t *testing.T) {
	if !(Message{Final: true}).IsFinal() {
		t.Fatalf("structured flag should mark final")
	}
	if !(Message{Content: "done. FINAL ANSWER: drained"}).IsFinal() {
		t.Fatalf("marker fallback should mark final")
	}
	decided := Message{Content: "Not done yet; do not write FINAL ANSWER until the attack is confirmed.", Decided: true}
	if decided.IsFinal() {
		t.Fatalf("a decided message should not fall back to text matching")
	}
	for _, content := range []string{"FINAL ANSWER: drained", "  **FINAL ANSWER**\n| problem |", "## FINAL ANSWER"} {
		if !LeadsWithMarker(content) {
			t.Fatalf("expected %q to lead with the marker", content)
		}
	}
	for _, content := range []string{"still working, FINAL ANSWER later", "", "final answer: lower case"} {
		if LeadsWithMarker(content) {
			t.Fatalf("%q should not lead with the marker", content)
		}
	}
	if got := StripMarker("FINAL ANSWER: vault is reentrant"); got != "vault is reentrant" {
		t.Fatalf("unexpected strip result %q", got)
	}
	if got := StripMarker("**FINAL ANSWER**\n| problem |"); got != "| problem |" {
		t.Fatalf("decorations around the marker should be dropped, got %q", got)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	state := NewState("run-4", "seed")
	if err := state.Append(agentWithCalls(Reflector, "c1")); err != nil {
		t.Fatalf("append agent: %v", err)
	}
	clone := state.Clone()
	clone.Messages[1].ToolCalls[0].Arguments[2] = 'X'
	clone.Messages = append(clone.Messages, Message{Role: RoleUser})

	if string(state.Messages[1].ToolCalls[0].Arguments) != `{"contract_address":"0x1"}` {
		t.Fatalf("clone shares argument buffer")
	}
	if len(state.Messages) != 2 {
		t.Fatalf("clone shares message slice")
	}
}
