package contextstore

import (
	"context"

	"ChainForge/internal/pipeline"
)

// Storage 抽象上下文与诊断包的持久化后端。
// 返回的位置字符串用于展示，文件后端返回路径，其它后端返回各自的定位标识。
type Storage interface {
	SaveContext(ctx context.Context, wf *pipeline.WorkflowContext) error
	LoadContext(ctx context.Context, workflowID string) (*pipeline.WorkflowContext, error)
	SaveBundle(ctx context.Context, bundle *DiagnosticBundle) (string, error)
	LoadBundle(ctx context.Context, workflowID string) (*DiagnosticBundle, error)
}
