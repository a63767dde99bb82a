package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
)

// DirName 是上下文文件所在目录。
const DirName = ".workflow_contexts"

// FileStorage 把上下文写入 <workspace>/.workflow_contexts/{id}.json。
// 所有写入先落到临时文件再重命名，读者不会看到写了一半的内容。
type FileStorage struct {
	dir string
}

// NewFileStorage 创建文件存储并确保目录存在。
func NewFileStorage(workspace string) (*FileStorage, error) {
	dir := filepath.Join(workspace, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "创建上下文目录失败")
	}
	return &FileStorage{dir: dir}, nil
}

// Dir 返回存储目录。
func (s *FileStorage) Dir() string {
	return s.dir
}

// ContextPath 返回上下文文件路径。
func (s *FileStorage) ContextPath(workflowID string) string {
	return filepath.Join(s.dir, workflowID+".json")
}

// BundlePath 返回诊断包文件路径。
func (s *FileStorage) BundlePath(workflowID string) string {
	return filepath.Join(s.dir, workflowID+"_diagnostics.json")
}

// SaveContext 实现 Storage。
func (s *FileStorage) SaveContext(_ context.Context, wf *pipeline.WorkflowContext) error {
	if err := validateID(wf.WorkflowID); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化工作流上下文失败: %w", err)
	}
	return writeAtomic(s.ContextPath(wf.WorkflowID), payload)
}

// LoadContext 实现 Storage。
func (s *FileStorage) LoadContext(_ context.Context, workflowID string) (*pipeline.WorkflowContext, error) {
	if err := validateID(workflowID); err != nil {
		return nil, err
	}
	var wf pipeline.WorkflowContext
	if err := readJSON(s.ContextPath(workflowID), &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// SaveBundle 实现 Storage。诊断包只允许写入一次。
func (s *FileStorage) SaveBundle(_ context.Context, bundle *DiagnosticBundle) (string, error) {
	if err := validateID(bundle.WorkflowID); err != nil {
		return "", err
	}
	path := s.BundlePath(bundle.WorkflowID)
	if _, err := os.Stat(path); err == nil {
		return "", xerrors.New(xerrors.CodeConflict, "诊断包已存在", xerrors.WithMetadata("path", path))
	}
	payload, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return "", fmt.Errorf("序列化诊断包失败: %w", err)
	}
	if err := writeAtomic(path, payload); err != nil {
		return "", err
	}
	return path, nil
}

// LoadBundle 实现 Storage。
func (s *FileStorage) LoadBundle(_ context.Context, workflowID string) (*DiagnosticBundle, error) {
	if err := validateID(workflowID); err != nil {
		return nil, err
	}
	var bundle DiagnosticBundle
	if err := readJSON(s.BundlePath(workflowID), &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func writeAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("创建临时文件失败: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("写入临时文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("同步临时文件失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("关闭临时文件失败: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("替换目标文件失败: %w", err)
	}
	return nil
}

func readJSON(path string, target any) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return xerrors.New(xerrors.CodeNotFound, "工作流记录不存在", xerrors.WithMetadata("path", path))
		}
		return fmt.Errorf("读取 %s 失败: %w", path, err)
	}
	if err := json.Unmarshal(payload, target); err != nil {
		return fmt.Errorf("解析 %s 失败: %w", path, err)
	}
	return nil
}

func validateID(workflowID string) error {
	return pipeline.ValidateWorkflowID(workflowID)
}
