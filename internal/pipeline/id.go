package pipeline

import (
	"strings"

	xerrors "ChainForge/internal/errors"
)

// MaxWorkflowIDLength 与上下文表 workflow_id 列的长度一致。
const MaxWorkflowIDLength = 64

// ValidateWorkflowID 检查工作流 ID 能否安全地用作文件名和存储键。
// ID 会拼入隔离环境目录与上下文文件名，路径分隔符和 ".." 一律拒绝。
func ValidateWorkflowID(workflowID string) error {
	if strings.TrimSpace(workflowID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow id 不能为空")
	}
	if len(workflowID) > MaxWorkflowIDLength {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow id 过长")
	}
	if strings.ContainsAny(workflowID, `/\`) || strings.Contains(workflowID, "..") {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow id 含有非法字符",
			xerrors.WithMetadata("workflow_id", workflowID))
	}
	return nil
}
