package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/jobs"
)

// JobStore 使用 MySQL 记录作业状态，供多实例共享同一个队列。
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewJobStore 基于已迁移的连接池创建作业存储。
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

const jobColumns = `id, request, status, attempts, max_attempts, last_error, error_code, outcome, created_at, updated_at`

// Create 插入新的作业记录。
func (s *JobStore) Create(ctx context.Context, job *jobs.Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业 ID 不能为空")
	}
	request, err := json.Marshal(job.Request)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业请求失败")
	}
	now := s.now().Unix()
	job.CreatedAt = now
	job.UpdatedAt = now

	const stmt = `INSERT INTO workflow_jobs
        (id, request, status, attempts, max_attempts, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, '', '', ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		job.ID,
		string(request),
		string(job.Status),
		job.Attempts,
		job.MaxAttempts,
		job.CreatedAt,
		job.UpdatedAt,
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == duplicateEntry {
			return jobs.ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入作业失败")
	}
	return nil
}

// Get 查询指定作业。
func (s *JobStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM workflow_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业失败")
	}
	return job, nil
}

// Claim 以条件更新的方式领取作业，保证同一作业只被一个实例执行。
func (s *JobStore) Claim(ctx context.Context, id string) (*jobs.Job, error) {
	const stmt = `UPDATE workflow_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts < max_attempts`

	res, err := s.db.ExecContext(ctx, stmt, string(jobs.StatusRunning), s.now().Unix(), id, string(jobs.StatusPending))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新作业状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return job, nil
	}
	switch job.Status {
	case jobs.StatusSucceeded, jobs.StatusFailed:
		return job, jobs.ErrJobCompleted
	case jobs.StatusRunning:
		return job, jobs.ErrJobConflict
	}
	if job.Attempts >= job.MaxAttempts {
		return job, jobs.ErrJobExhausted
	}
	return job, jobs.ErrJobConflict
}

// MarkSucceeded 记录工作流结果摘要。
func (s *JobStore) MarkSucceeded(ctx context.Context, id string, outcome jobs.Outcome) error {
	encoded, err := json.Marshal(outcome)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码作业结果失败")
	}
	const stmt = `UPDATE workflow_jobs SET status = ?, outcome = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(jobs.StatusSucceeded), string(encoded), s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记作业完成失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

// MarkFailed 记录失败原因，非终止失败回到待执行状态。
func (s *JobStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := jobs.StatusPending
	if terminal {
		status = jobs.StatusFailed
	}
	const stmt = `UPDATE workflow_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(status), lastError, string(code), s.now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记作业失败状态出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return jobs.ErrJobNotFound
	}
	return nil
}

// List 按更新时间倒序返回作业。
func (s *JobStore) List(ctx context.Context, opts jobs.ListOptions) ([]*jobs.Job, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	query := `SELECT ` + jobColumns + ` FROM workflow_jobs`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	query += " ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业列表失败")
	}
	defer rows.Close()

	list := make([]*jobs.Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析作业记录失败")
		}
		list = append(list, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历作业失败")
	}
	return list, nil
}

// Stats 返回符合过滤条件的作业聚合信息。
func (s *JobStore) Stats(ctx context.Context, opts jobs.ListOptions) (jobs.Stats, error) {
	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed
        FROM workflow_jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(jobs.StatusPending), string(jobs.StatusRunning), string(jobs.StatusSucceeded), string(jobs.StatusFailed)}
	args = append(args, filterArgs...)

	var stats jobs.Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
	); err != nil {
		return jobs.Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询作业统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *JobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		job       jobs.Job
		request   string
		status    string
		lastError sql.NullString
		outcome   sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&request,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&lastError,
		&job.ErrorCode,
		&outcome,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = jobs.Status(status)
	job.LastError = lastError.String
	if err := json.Unmarshal([]byte(request), &job.Request); err != nil {
		return nil, fmt.Errorf("解析作业请求失败: %w", err)
	}
	if outcome.Valid && strings.TrimSpace(outcome.String) != "" {
		var decoded jobs.Outcome
		if err := json.Unmarshal([]byte(outcome.String), &decoded); err != nil {
			return nil, fmt.Errorf("解析作业结果失败: %w", err)
		}
		job.Outcome = &decoded
	}
	return &job, nil
}

func buildFilterClause(opts jobs.ListOptions) (string, []any) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, len(opts.Statuses)+1)
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ jobs.Store = (*JobStore)(nil)
