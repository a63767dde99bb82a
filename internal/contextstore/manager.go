package contextstore

import (
	"context"
	"log/slog"
	"time"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
	"ChainForge/pkg/logger"
)

// Manager 记录阶段结果并通过 Storage 持久化上下文。
type Manager struct {
	storage Storage
	now     func() time.Time
	logger  *slog.Logger
}

// Option 定义可选配置。
type Option func(*Manager)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager 构造上下文管理器。
func NewManager(storage Storage, opts ...Option) *Manager {
	m := &Manager{
		storage: storage,
		now:     time.Now,
		logger:  logger.Named("contextstore"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Storage 返回底层存储。
func (m *Manager) Storage() Storage {
	return m.storage
}

// Create 创建新的工作流上下文。
func (m *Manager) Create(workflowID string) *pipeline.WorkflowContext {
	wf := pipeline.NewWorkflowContext(workflowID)
	now := m.now().UTC()
	wf.CreatedAt = now
	wf.UpdatedAt = now
	return wf
}

// AddStageResult 追加一条阶段记录。若该阶段上一条记录是失败，则视为重试并累加计数。
func (m *Manager) AddStageResult(
	wf *pipeline.WorkflowContext,
	stage pipeline.Stage,
	status pipeline.StageStatus,
	output map[string]any,
	stageErr error,
	category pipeline.ErrorCategory,
	duration time.Duration,
) pipeline.StageResult {
	if previous, ok := wf.LastResult(stage); ok && previous.Status == pipeline.StageError {
		if wf.RetryAttempts == nil {
			wf.RetryAttempts = make(map[pipeline.Stage]int)
		}
		wf.RetryAttempts[stage]++
	}

	result := pipeline.StageResult{
		Stage:     stage,
		Status:    status,
		Output:    output,
		ErrorType: category,
		Timestamp: m.now().UTC(),
		Duration:  duration,
	}
	if stageErr != nil {
		result.Error = stageErr.Error()
	}
	wf.StageResults = append(wf.StageResults, result)
	wf.UpdatedAt = result.Timestamp
	return result
}

// RecordError 追加一条错误记录。
func (m *Manager) RecordError(wf *pipeline.WorkflowContext, record pipeline.ErrorRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = m.now().UTC()
	}
	wf.Errors = append(wf.Errors, record)
	wf.UpdatedAt = record.Timestamp
}

// Save 持久化上下文。任何存储失败都视为致命的基础设施错误。
func (m *Manager) Save(ctx context.Context, wf *pipeline.WorkflowContext) error {
	if err := m.storage.SaveContext(ctx, wf); err != nil {
		m.logger.Error("持久化工作流上下文失败",
			slog.String("workflow_id", wf.WorkflowID),
			slog.Any("error", err))
		return xerrors.Wrap(xerrors.CodePersistenceFailure, err, "持久化工作流上下文失败",
			xerrors.WithMetadata("workflow_id", wf.WorkflowID))
	}
	return nil
}

// Load 读取已持久化的上下文。
func (m *Manager) Load(ctx context.Context, workflowID string) (*pipeline.WorkflowContext, error) {
	wf, err := m.storage.LoadContext(ctx, workflowID)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound || xerrors.CodeOf(err) == xerrors.CodeInvalidArgument {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取工作流上下文失败")
	}
	return wf, nil
}

// SaveDiagnosticBundle 生成并持久化诊断包，返回其位置。
func (m *Manager) SaveDiagnosticBundle(ctx context.Context, wf *pipeline.WorkflowContext, input BundleInput) (string, *DiagnosticBundle, error) {
	snapshot, err := wf.Clone()
	if err != nil {
		return "", nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "复制工作流上下文失败")
	}
	artifacts, err := ListArtifacts(input.EnvironmentPath, input.ArtifactPatterns)
	if err != nil {
		m.logger.Warn("收集工作区文件失败", slog.String("workflow_id", wf.WorkflowID), slog.Any("error", err))
	}

	versions := make(map[string]string, len(input.ToolVersions))
	for tool, version := range input.ToolVersions {
		versions[tool] = version
	}
	suggestions := append([]string{}, input.Suggestions...)

	bundle := &DiagnosticBundle{
		WorkflowID:      wf.WorkflowID,
		CreatedAt:       m.now().UTC(),
		System:          CollectSystemInfo(),
		ToolVersions:    versions,
		EnvironmentPath: input.EnvironmentPath,
		Preserved:       input.Preserved,
		Suggestions:     suggestions,
		Artifacts:       artifacts,
		Context:         snapshot,
	}
	location, err := m.storage.SaveBundle(ctx, bundle)
	if err != nil {
		return "", nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "写入诊断包失败",
			xerrors.WithMetadata("workflow_id", wf.WorkflowID))
	}
	return location, bundle, nil
}

// LoadDiagnosticBundle 读取诊断包。
func (m *Manager) LoadDiagnosticBundle(ctx context.Context, workflowID string) (*DiagnosticBundle, error) {
	bundle, err := m.storage.LoadBundle(ctx, workflowID)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeNotFound || xerrors.CodeOf(err) == xerrors.CodeInvalidArgument {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取诊断包失败")
	}
	return bundle, nil
}
