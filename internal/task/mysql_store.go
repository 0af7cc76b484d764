package task

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ChainProbe/internal/errors"
)

const runColumns = `id, target, chain, objective, status, attempts, max_retries, last_error, error_code,
        result_status, result_report, result_steps, result_partial, created_at, updated_at`

// MySQLStore 使用 MySQL 的 audit_runs 表记录运行状态，表结构由 deploy/migrations 维护。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 在已迁移的连接上创建运行存储。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "MySQL 连接不能为空")
	}
	return &MySQLStore{db: db, now: time.Now}, nil
}

// Create 插入新的运行记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if err := validateNewTask(task); err != nil {
		return err
	}
	now := s.now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now

	const stmt = `INSERT INTO audit_runs
        (id, target, chain, objective, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		task.ID, task.Target, task.Chain, task.Objective, task.Status, task.Attempts, task.MaxRetries, now, now)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入运行记录失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task      Task
		objective sql.NullString
		lastError sql.NullString
		report    sql.NullString
		result    Result
	)
	if err := row.Scan(
		&task.ID, &task.Target, &task.Chain, &objective, &task.Status, &task.Attempts, &task.MaxRetries,
		&lastError, &task.ErrorCode, &result.Status, &report, &result.Steps, &result.Partial,
		&task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Objective = objective.String
	task.LastError = lastError.String
	result.Report = report.String
	if result.Status != "" {
		task.Result = &result
	}
	return &task, nil
}

// Get 查询指定运行。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM audit_runs WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行失败")
	}
	return task, nil
}

// Claim 将运行标记为执行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	const stmt = `UPDATE audit_runs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`
	res, err := s.db.ExecContext(ctx, stmt, StatusRunning, s.now().Unix(), id, StatusPending, StatusFailed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新运行状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return task, nil
	}
	// 条件更新未命中：按当前状态给出原因，状态已被并发改回可领取时视为冲突。
	if err := claimable(task); err != nil {
		return task, err
	}
	return task, ErrTaskConflict
}

// MarkSucceeded 写入运行结果。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result Result) error {
	const stmt = `UPDATE audit_runs SET status = ?, result_status = ?, result_report = ?, result_steps = ?, result_partial = ?,
        updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		StatusSucceeded, result.Status, result.Report, result.Steps, result.Partial, s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记运行成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 将运行标记为失败；terminal 为 true 时耗尽剩余重试次数。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	stmt := `UPDATE audit_runs SET status = ?, last_error = ?, error_code = ?, updated_at = ?`
	if terminal {
		stmt += `, attempts = GREATEST(attempts, max_retries)`
	}
	stmt += ` WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, StatusFailed, lastError, string(code), s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记运行失败状态出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合条件的运行。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()
	query := `SELECT ` + runColumns + ` FROM audit_runs`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行记录失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的运行聚合信息，按链的分布单独查询。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()
	clause, filterArgs := buildFilterClause(opts)
	where := ""
	if clause != "" {
		where = " WHERE " + clause
	}

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(status = ?), 0),
        COALESCE(SUM(status = ?), 0),
        COALESCE(SUM(status = ?), 0),
        COALESCE(SUM(status = ?), 0),
        COALESCE(SUM(result_partial), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM audit_runs` + where
	args := append([]any{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total, &stats.Pending, &stats.Running, &stats.Succeeded, &stats.Failed, &stats.Partial,
		&stats.OldestUpdatedAt, &stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行统计失败")
	}
	if stats.Total == 0 {
		return stats, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT chain, COUNT(*) FROM audit_runs`+where+` GROUP BY chain`, filterArgs...)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询链分布失败")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			chain string
			count int
		)
		if err := rows.Scan(&chain, &count); err != nil {
			return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析链分布失败")
		}
		if chain == "" {
			continue
		}
		if stats.ByChain == nil {
			stats.ByChain = make(map[string]int)
		}
		stats.ByChain[chain] = count
	}
	if err := rows.Err(); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历链分布失败")
	}
	return stats, nil
}

// Close 连接池由 storage/mysql 持有，这里不关闭。
func (s *MySQLStore) Close() error { return nil }

// buildFilterClause 与 ListOptions.predicates 保持同样的过滤语义。
func buildFilterClause(opts ListOptions) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, values ...any) {
		conds = append(conds, cond)
		args = append(args, values...)
	}
	if n := len(opts.Statuses); n > 0 {
		values := make([]any, n)
		for i, status := range opts.Statuses {
			values[i] = status
		}
		add(fmt.Sprintf("status IN (%s)", strings.TrimSuffix(strings.Repeat("?,", n), ",")), values...)
	}
	if opts.UpdatedGTE > 0 {
		add("updated_at >= ?", opts.UpdatedGTE)
	}
	if opts.HasReport != nil {
		if *opts.HasReport {
			add("COALESCE(result_report, '') <> ''")
		} else {
			add("COALESCE(result_report, '') = ''")
		}
	}
	if opts.Chain != "" {
		add("chain = ?", opts.Chain)
	}
	if opts.Target != "" {
		add("LOWER(target) = ?", opts.Target)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		add("(id LIKE ? OR target LIKE ? OR objective LIKE ? OR last_error LIKE ? OR result_report LIKE ?)",
			pattern, pattern, pattern, pattern, pattern)
	}
	return strings.Join(conds, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
