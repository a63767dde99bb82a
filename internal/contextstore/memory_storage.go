package contextstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
)

// MemoryStorage 在内存中保存序列化后的记录，主要用于测试与单机演示。
type MemoryStorage struct {
	mu       sync.RWMutex
	contexts map[string][]byte
	bundles  map[string][]byte
}

// NewMemoryStorage 创建内存存储。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		contexts: make(map[string][]byte),
		bundles:  make(map[string][]byte),
	}
}

// SaveContext 实现 Storage。
func (s *MemoryStorage) SaveContext(_ context.Context, wf *pipeline.WorkflowContext) error {
	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("序列化工作流上下文失败: %w", err)
	}
	s.mu.Lock()
	s.contexts[wf.WorkflowID] = payload
	s.mu.Unlock()
	return nil
}

// LoadContext 实现 Storage。
func (s *MemoryStorage) LoadContext(_ context.Context, workflowID string) (*pipeline.WorkflowContext, error) {
	s.mu.RLock()
	payload, ok := s.contexts[workflowID]
	s.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "工作流记录不存在")
	}
	var wf pipeline.WorkflowContext
	if err := json.Unmarshal(payload, &wf); err != nil {
		return nil, fmt.Errorf("解析工作流上下文失败: %w", err)
	}
	return &wf, nil
}

// SaveBundle 实现 Storage。
func (s *MemoryStorage) SaveBundle(_ context.Context, bundle *DiagnosticBundle) (string, error) {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("序列化诊断包失败: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bundles[bundle.WorkflowID]; exists {
		return "", xerrors.New(xerrors.CodeConflict, "诊断包已存在")
	}
	s.bundles[bundle.WorkflowID] = payload
	return "memory://" + bundle.WorkflowID + "_diagnostics", nil
}

// LoadBundle 实现 Storage。
func (s *MemoryStorage) LoadBundle(_ context.Context, workflowID string) (*DiagnosticBundle, error) {
	s.mu.RLock()
	payload, ok := s.bundles[workflowID]
	s.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "诊断包不存在")
	}
	var bundle DiagnosticBundle
	if err := json.Unmarshal(payload, &bundle); err != nil {
		return nil, fmt.Errorf("解析诊断包失败: %w", err)
	}
	return &bundle, nil
}
