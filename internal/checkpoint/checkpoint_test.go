package checkpoint

import (
	"context"
	"testing"

	"ChainProbe/internal/conversation"
	xerrors "ChainProbe/internal/errors"
)

func TestMemoryStoreSnapshotsAreIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := conversation.NewState("r1", "seed")
	if err := store.Save(ctx, Checkpoint{RunID: "r1", State: state, Next: "planner", Status: StatusRunning}); err != nil {
		t.Fatalf("save: %v", err)
	}
	state.Messages = append(state.Messages, conversation.Message{Role: conversation.RoleUser, Content: "later"})

	cp, err := store.Load(ctx, "r1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cp.State.Messages) != 1 || cp.Next != "planner" || cp.UpdatedAt.IsZero() {
		t.Fatalf("unexpected checkpoint %+v", cp)
	}
	if _, err := store.Load(ctx, "missing"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusRunning.Terminal() {
		t.Fatalf("running is not terminal")
	}
	for _, s := range []Status{StatusCompleted, StatusIncomplete, StatusFailed} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
}
