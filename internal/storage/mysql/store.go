package mysql

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"ChainProbe/internal/artifact"
	"ChainProbe/internal/checkpoint"
	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/report"
)

const (
	upsertCheckpointSQL = `INSERT INTO run_checkpoints
    (run_id, target, next_node, steps, status, error, state, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE target = VALUES(target), next_node = VALUES(next_node), steps = VALUES(steps),
    status = VALUES(status), error = VALUES(error), state = VALUES(state), updated_at = VALUES(updated_at)`
	selectCheckpointSQL = `SELECT state FROM run_checkpoints WHERE run_id = ?`

	upsertReportSQL = `INSERT INTO run_reports (run_id, target, status, content, created_at)
    VALUES (?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE target = VALUES(target), status = VALUES(status), content = VALUES(content), created_at = VALUES(created_at)`
	selectReportSQL = `SELECT run_id, target, status, content, created_at FROM run_reports WHERE run_id = ?`

	upsertArtifactSQL = `INSERT INTO run_artifacts
    (run_id, address, name, abi, bytecode, source_code, target, tx_hash, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE name = VALUES(name), abi = VALUES(abi), bytecode = VALUES(bytecode),
    source_code = VALUES(source_code), target = VALUES(target), tx_hash = VALUES(tx_hash), created_at = VALUES(created_at)`
	selectArtifactSQL = `SELECT run_id, address, name, abi, bytecode, source_code, target, tx_hash, created_at
    FROM run_artifacts WHERE run_id = ? AND address = ?`
	listArtifactsSQL = `SELECT run_id, address, name, abi, bytecode, source_code, target, tx_hash, created_at
    FROM run_artifacts WHERE run_id = ? ORDER BY created_at ASC, address ASC`
)

// Store 聚合三类运行数据的 MySQL 实现，共享同一个连接池。
type Store struct {
	db *sql.DB
}

// Open 建立连接池并执行内嵌的迁移脚本。
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化 MySQL 存储失败")
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行数据库迁移失败")
	}
	return &Store{db: db}, nil
}

// New 包装一个已经迁移好的连接。
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close 释放连接池。
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB 暴露连接池，供运行队列等同库组件共用。
func (s *Store) DB() *sql.DB { return s.db }

// Checkpoints 返回检查点存储。
func (s *Store) Checkpoints() *CheckpointStore { return &CheckpointStore{db: s.db} }

// Reports 返回报告存储。
func (s *Store) Reports() *ReportStore { return &ReportStore{db: s.db} }

// Artifacts 返回部署产物存储。
func (s *Store) Artifacts() *ArtifactStore { return &ArtifactStore{db: s.db} }

// CheckpointStore 将完整检查点 JSON 存入 state 列，其余列便于运维查询。
type CheckpointStore struct {
	db *sql.DB
}

var _ checkpoint.Store = (*CheckpointStore)(nil)

// Save 以 run_id 为主键覆盖写入。
func (s *CheckpointStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	payload, err := checkpoint.Encode(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertCheckpointSQL,
		cp.RunID, cp.Target, cp.Next, cp.Steps, string(cp.Status), cp.Error, string(payload), cp.UpdatedAt.Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入检查点失败")
	}
	return nil
}

// Load 读取最近一次检查点。
func (s *CheckpointStore) Load(ctx context.Context, runID string) (checkpoint.Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, selectCheckpointSQL, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, checkpoint.NotFound(runID)
	}
	if err != nil {
		return checkpoint.Checkpoint{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取检查点失败")
	}
	return checkpoint.Decode([]byte(payload))
}

// ReportStore 保存每个运行的最终报告。
type ReportStore struct {
	db *sql.DB
}

var _ report.Store = (*ReportStore)(nil)

func (s *ReportStore) Save(ctx context.Context, r report.Report) error {
	if strings.TrimSpace(r.RunID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "报告缺少运行 ID")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, upsertReportSQL, r.RunID, r.Target, r.Status, r.Content, r.CreatedAt.Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入报告失败")
	}
	return nil
}

func (s *ReportStore) Get(ctx context.Context, runID string) (report.Report, error) {
	var (
		r       report.Report
		created int64
	)
	err := s.db.QueryRowContext(ctx, selectReportSQL, runID).Scan(&r.RunID, &r.Target, &r.Status, &r.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return report.Report{}, xerrors.New(xerrors.CodeNotFound, "运行 "+runID+" 尚无报告")
	}
	if err != nil {
		return report.Report{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取报告失败")
	}
	r.CreatedAt = time.Unix(created, 0).UTC()
	return r, nil
}

// ArtifactStore 按 (run_id, address) 保存部署的合约。
type ArtifactStore struct {
	db *sql.DB
}

var _ artifact.Store = (*ArtifactStore)(nil)

func (s *ArtifactStore) Save(ctx context.Context, a artifact.Artifact) error {
	if strings.TrimSpace(a.RunID) == "" || strings.TrimSpace(a.Address) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "部署记录缺少运行 ID 或地址")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, upsertArtifactSQL,
		a.RunID, artifact.NormalizeAddress(a.Address), a.Name, a.ABI, a.Bytecode, a.SourceCode, a.Target, a.TxHash, a.CreatedAt.Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入部署记录失败")
	}
	return nil
}

func (s *ArtifactStore) Get(ctx context.Context, runID, address string) (artifact.Artifact, error) {
	row := s.db.QueryRowContext(ctx, selectArtifactSQL, runID, artifact.NormalizeAddress(address))
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return artifact.Artifact{}, artifact.NotFound(runID, address)
	}
	if err != nil {
		return artifact.Artifact{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取部署记录失败")
	}
	return a, nil
}

func (s *ArtifactStore) List(ctx context.Context, runID string) ([]artifact.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, listArtifactsSQL, runID)
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
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历部署记录失败")
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (artifact.Artifact, error) {
	var (
		a       artifact.Artifact
		created int64
	)
	if err := row.Scan(&a.RunID, &a.Address, &a.Name, &a.ABI, &a.Bytecode, &a.SourceCode, &a.Target, &a.TxHash, &created); err != nil {
		return artifact.Artifact{}, err
	}
	a.CreatedAt = time.Unix(created, 0).UTC()
	return a, nil
}
