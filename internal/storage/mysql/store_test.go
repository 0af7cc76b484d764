package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
	"time"

	"ChainProbe/deploy/migrations"
	"ChainProbe/internal/artifact"
	"ChainProbe/internal/checkpoint"
	"ChainProbe/internal/conversation"
	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/report"
	"ChainProbe/internal/storage/sqlscript"
)

func TestCheckpointStoreRoundTrip(t *testing.T) {
	t.Parallel()

	state := conversation.NewState("run-1", conversation.SeedMessage("0x00000000000000000000000000000000000000aa", "drain the vault"))
	cp := checkpoint.Checkpoint{
		RunID:     "run-1",
		Target:    "0x00000000000000000000000000000000000000aa",
		State:     state,
		Next:      "planner",
		Steps:     1,
		Status:    checkpoint.StatusRunning,
		UpdatedAt: time.Unix(100, 0).UTC(),
	}
	payload, err := checkpoint.Encode(cp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	db, _ := sqlscript.Open(t,
		sqlscript.Exec(upsertCheckpointSQL, 1),
		sqlscript.Query(selectCheckpointSQL, []string{"state"}, []driver.Value{string(payload)}).WithArgs("run-1"),
		sqlscript.Query(selectCheckpointSQL, []string{"state"}),
	)

	store := New(db).Checkpoints()
	if err := store.Save(context.Background(), cp); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	loaded, err := store.Load(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Next != "planner" || loaded.State == nil || len(loaded.State.Messages) != 1 {
		t.Fatalf("unexpected checkpoint: %+v", loaded)
	}
	if _, err := store.Load(context.Background(), "missing"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReportStoreSaveAndGet(t *testing.T) {
	t.Parallel()

	db, _ := sqlscript.Open(t,
		sqlscript.Exec(upsertReportSQL, 1),
		sqlscript.Query(selectReportSQL,
			[]string{"run_id", "target", "status", "content", "created_at"},
			[]driver.Value{"run-2", "0xabc", "completed", "FINAL ANSWER: safe", int64(50)}),
	)

	store := New(db).Reports()
	if err := store.Save(context.Background(), report.Report{RunID: "run-2", Target: "0xabc", Status: "completed", Content: "FINAL ANSWER: safe"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := store.Get(context.Background(), "run-2")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Content != "FINAL ANSWER: safe" || got.CreatedAt.Unix() != 50 {
		t.Fatalf("unexpected report: %+v", got)
	}
	if err := store.Save(context.Background(), report.Report{}); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestArtifactStoreListAndGet(t *testing.T) {
	t.Parallel()

	columns := []string{"run_id", "address", "name", "abi", "bytecode", "source_code", "target", "tx_hash", "created_at"}
	record := []driver.Value{"run-3", "0x00000000000000000000000000000000000000bb", "Attacker", "[]", "0x6000", "contract Attacker {}", "0xabc", "0x01", int64(10)}
	db, _ := sqlscript.Open(t,
		sqlscript.Exec(upsertArtifactSQL, 1),
		sqlscript.Query(listArtifactsSQL, columns, record),
		sqlscript.Query(selectArtifactSQL, columns),
	)

	store := New(db).Artifacts()
	err := store.Save(context.Background(), artifact.Artifact{RunID: "run-3", Address: "0x00000000000000000000000000000000000000BB", Name: "Attacker"})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	list, err := store.List(context.Background(), "run-3")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 || list[0].Name != "Attacker" || list[0].SourceCode == "" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if _, err := store.Get(context.Background(), "run-3", "0xdead"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	all, err := migrations.Load()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	steps := []sqlscript.Step{
		sqlscript.Exec(migrationsTable, 0),
		sqlscript.Query(`SELECT version FROM schema_migrations`, []string{"version"}, []driver.Value{all[0].Version}),
	}
	for _, m := range all[1:] {
		steps = append(steps, sqlscript.Begin())
		for _, stmt := range m.Statements {
			steps = append(steps, sqlscript.Exec(stmt, 0))
		}
		steps = append(steps,
			sqlscript.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, 1),
			sqlscript.Commit(),
		)
	}
	db, _ := sqlscript.Open(t, steps...)

	if err := migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestMigrateRollsBackFailedVersion(t *testing.T) {
	t.Parallel()

	all, err := migrations.Load()
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	db, _ := sqlscript.Open(t,
		sqlscript.Exec(migrationsTable, 0),
		sqlscript.Query(`SELECT version FROM schema_migrations`, []string{"version"}),
		sqlscript.Begin(),
		sqlscript.Exec(all[0].Statements[0], 0).Fail(errors.New("syntax error")),
		sqlscript.Rollback(),
	)

	err = migrate(context.Background(), db)
	if err == nil || !strings.Contains(err.Error(), all[0].Name) || !strings.Contains(err.Error(), "syntax error") {
		t.Fatalf("expected migration failure naming %s, got %v", all[0].Name, err)
	}
}

func TestOpenRequiresDSN(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}


func TestConnectorDefaults(t *testing.T) {
	if _, err := connector("not a dsn"); err == nil {
		t.Fatalf("expected parse error")
	}
	conn, err := connector("user:pw@tcp(127.0.0.1:3306)/chainprobe?multiStatements=true")
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	if conn == nil {
		t.Fatalf("expected connector")
	}
	cfg := Config{MaxIdleConns: 3}.withDefaults()
	if cfg.MaxOpenConns != 20 || cfg.MaxIdleConns != 3 || cfg.ConnMaxLifetime != 30*time.Minute {
		t.Fatalf("unexpected pool config %+v", cfg)
	}
}
