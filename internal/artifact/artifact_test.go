package artifact

import (
	"context"
	"testing"

	xerrors "ChainProbe/internal/errors"
)

func TestMemoryStoreScopesByRun(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, Artifact{RunID: "r1", Address: "0xAbC", Name: "Malicious"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Get(ctx, "r1", "0xabc")
	if err != nil || got.Name != "Malicious" {
		t.Fatalf("expected case-insensitive lookup, got %+v %v", got, err)
	}
	if _, err := store.Get(ctx, "r2", "0xabc"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("artifacts must not leak across runs, got %v", err)
	}

	if err := store.Save(ctx, Artifact{RunID: "r1", Address: "0xabc", Name: "Malicious2"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	list, err := store.List(ctx, "r1")
	if err != nil || len(list) != 1 || list[0].Name != "Malicious2" {
		t.Fatalf("unexpected list %+v %v", list, err)
	}
	if err := store.Save(ctx, Artifact{Address: "0x1"}); err == nil {
		t.Fatalf("expected validation error")
	}
}
