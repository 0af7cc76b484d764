// Package sqlite is the single-node persistence backend: checkpoints, reports
// and deployed contracts live in one SQLite file in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ChainProbe/internal/artifact"
	"ChainProbe/internal/checkpoint"
	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/report"
)

// Store is the SQLite implementation of checkpoint.Store, report.Store and
// artifact.Store.
type Store struct {
	db *sql.DB
}

var (
	_ checkpoint.Store = (*checkpointStore)(nil)
	_ report.Store     = (*reportStore)(nil)
	_ artifact.Store   = (*artifactStore)(nil)
)

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && !strings.HasPrefix(dbPath, "file:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 SQLite 目录失败")
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开 SQLite 失败")
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "启用 WAL 模式失败")
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 SQLite 表结构失败")
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS run_checkpoints (
			run_id TEXT PRIMARY KEY,
			target TEXT NOT NULL DEFAULT '',
			next_node TEXT NOT NULL DEFAULT '',
			steps INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT,
			state TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_reports (
			run_id TEXT PRIMARY KEY,
			target TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS run_artifacts (
			run_id TEXT NOT NULL,
			address TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			abi TEXT NOT NULL,
			bytecode TEXT NOT NULL,
			source_code TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			tx_hash TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, address)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_checkpoints_status ON run_checkpoints(status)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Checkpoints returns the checkpoint view of the store.
func (s *Store) Checkpoints() checkpoint.Store { return &checkpointStore{db: s.db} }

// Reports returns the report view of the store.
func (s *Store) Reports() report.Store { return &reportStore{db: s.db} }

// Artifacts returns the deployed-contract view of the store.
func (s *Store) Artifacts() artifact.Store { return &artifactStore{db: s.db} }

type checkpointStore struct {
	db *sql.DB
}

func (s *checkpointStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	payload, err := checkpoint.Encode(cp)
	if err != nil {
		return err
	}
	query := `INSERT INTO run_checkpoints (run_id, target, next_node, steps, status, error, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET target = excluded.target, next_node = excluded.next_node,
		steps = excluded.steps, status = excluded.status, error = excluded.error,
		state = excluded.state, updated_at = excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query, cp.RunID, cp.Target, cp.Next, cp.Steps, string(cp.Status), cp.Error, string(payload), cp.UpdatedAt.UnixNano())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入检查点失败")
	}
	return nil
}

func (s *checkpointStore) Load(ctx context.Context, runID string) (checkpoint.Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM run_checkpoints WHERE run_id = ?`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, checkpoint.NotFound(runID)
	}
	if err != nil {
		return checkpoint.Checkpoint{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取检查点失败")
	}
	return checkpoint.Decode([]byte(payload))
}

type reportStore struct {
	db *sql.DB
}

func (s *reportStore) Save(ctx context.Context, r report.Report) error {
	if strings.TrimSpace(r.RunID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "报告缺少运行 ID")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO run_reports (run_id, target, status, content, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET target = excluded.target, status = excluded.status,
		content = excluded.content, created_at = excluded.created_at`
	if _, err := s.db.ExecContext(ctx, query, r.RunID, r.Target, r.Status, r.Content, r.CreatedAt.UnixNano()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入报告失败")
	}
	return nil
}

func (s *reportStore) Get(ctx context.Context, runID string) (report.Report, error) {
	var (
		r       report.Report
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT run_id, target, status, content, created_at FROM run_reports WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.Target, &r.Status, &r.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Report{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("运行 %s 尚无报告", runID))
	}
	if err != nil {
		return report.Report{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取报告失败")
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	return r, nil
}

type artifactStore struct {
	db *sql.DB
}

const artifactColumns = `run_id, address, name, abi, bytecode, source_code, target, tx_hash, created_at`

func (s *artifactStore) Save(ctx context.Context, a artifact.Artifact) error {
	if strings.TrimSpace(a.RunID) == "" || strings.TrimSpace(a.Address) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "部署记录缺少运行 ID 或地址")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	query := `INSERT INTO run_artifacts (` + artifactColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, address) DO UPDATE SET name = excluded.name, abi = excluded.abi,
		bytecode = excluded.bytecode, source_code = excluded.source_code, target = excluded.target,
		tx_hash = excluded.tx_hash, created_at = excluded.created_at`
	_, err := s.db.ExecContext(ctx, query, a.RunID, artifact.NormalizeAddress(a.Address), a.Name, a.ABI, a.Bytecode,
		a.SourceCode, a.Target, a.TxHash, a.CreatedAt.UnixNano())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入部署记录失败")
	}
	return nil
}

func (s *artifactStore) Get(ctx context.Context, runID, address string) (artifact.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM run_artifacts WHERE run_id = ? AND address = ?`,
		runID, artifact.NormalizeAddress(address))
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return artifact.Artifact{}, artifact.NotFound(runID, address)
	}
	if err != nil {
		return artifact.Artifact{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取部署记录失败")
	}
	return a, nil
}

func (s *artifactStore) List(ctx context.Context, runID string) ([]artifact.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+artifactColumns+` FROM run_artifacts WHERE run_id = ? ORDER BY created_at ASC, address ASC`, runID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询部署记录失败")
	}
	defer rows.Close()

	var out []artifact.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析部署记录失败")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(row interface{ Scan(...any) error }) (artifact.Artifact, error) {
	var (
		a       artifact.Artifact
		created int64
	)
	if err := row.Scan(&a.RunID, &a.Address, &a.Name, &a.ABI, &a.Bytecode, &a.SourceCode, &a.Target, &a.TxHash, &created); err != nil {
		return artifact.Artifact{}, err
	}
	a.CreatedAt = time.Unix(0, created).UTC()
	return a, nil
}
