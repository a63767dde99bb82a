package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"

	"github.com/go-sql-driver/mysql"

	"ChainForge/internal/contextstore"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
)

const duplicateEntry = 1062

// ContextRepository 将工作流上下文与诊断包保存到 MySQL。上下文以 JSON 整体存储，
// 状态与网络冗余为列以便筛选。
type ContextRepository struct {
	db *sql.DB
}

// NewContextRepository 基于已迁移的连接池创建仓库。
func NewContextRepository(db *sql.DB) *ContextRepository {
	return &ContextRepository{db: db}
}

const upsertContextSQL = `INSERT INTO workflow_contexts
    (workflow_id, status, network, payload, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE status = VALUES(status), network = VALUES(network), payload = VALUES(payload), updated_at = VALUES(updated_at)`

// SaveContext 实现 contextstore.Storage，每次保存覆盖整行。
func (r *ContextRepository) SaveContext(ctx context.Context, wf *pipeline.WorkflowContext) error {
	if err := validateID(wf.WorkflowID); err != nil {
		return err
	}
	payload, err := json.Marshal(wf)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化工作流上下文失败")
	}
	if _, err := r.db.ExecContext(ctx, upsertContextSQL,
		wf.WorkflowID,
		string(wf.Status),
		wf.Network,
		string(payload),
		wf.CreatedAt.Unix(),
		wf.UpdatedAt.Unix(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入工作流上下文失败")
	}
	return nil
}

// LoadContext 实现 contextstore.Storage。
func (r *ContextRepository) LoadContext(ctx context.Context, workflowID string) (*pipeline.WorkflowContext, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM workflow_contexts WHERE workflow_id = ?`, workflowID).Scan(&payload)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "工作流记录不存在")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询工作流上下文失败")
	}
	var wf pipeline.WorkflowContext
	if err := json.Unmarshal([]byte(payload), &wf); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析工作流上下文失败")
	}
	return &wf, nil
}

// SaveBundle 实现 contextstore.Storage。诊断包只写一次。
func (r *ContextRepository) SaveBundle(ctx context.Context, bundle *contextstore.DiagnosticBundle) (string, error) {
	if err := validateID(bundle.WorkflowID); err != nil {
		return "", err
	}
	payload, err := json.Marshal(bundle)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化诊断包失败")
	}
	if _, err := r.db.ExecContext(ctx, `INSERT INTO diagnostic_bundles (workflow_id, payload, created_at) VALUES (?, ?, ?)`,
		bundle.WorkflowID, string(payload), bundle.CreatedAt.Unix()); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == duplicateEntry {
			return "", xerrors.New(xerrors.CodeConflict, "诊断包已存在")
		}
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入诊断包失败")
	}
	return "mysql://diagnostic_bundles/" + bundle.WorkflowID, nil
}

// LoadBundle 实现 contextstore.Storage。
func (r *ContextRepository) LoadBundle(ctx context.Context, workflowID string) (*contextstore.DiagnosticBundle, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, `SELECT payload FROM diagnostic_bundles WHERE workflow_id = ?`, workflowID).Scan(&payload)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.New(xerrors.CodeNotFound, "诊断包不存在")
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询诊断包失败")
	}
	var bundle contextstore.DiagnosticBundle
	if err := json.Unmarshal([]byte(payload), &bundle); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析诊断包失败")
	}
	return &bundle, nil
}

// Close 关闭底层数据库连接。
func (r *ContextRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func validateID(workflowID string) error {
	return pipeline.ValidateWorkflowID(workflowID)
}

var _ contextstore.Storage = (*ContextRepository)(nil)
