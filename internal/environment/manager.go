// Package environment 管理每次工作流运行独占的隔离工作目录。
package environment

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
	"ChainForge/pkg/logger"
)

const (
	// RootDirName 是隔离环境所在的目录名。
	RootDirName = ".temp_envs"
	// MarkerFile 是保留现场时写入的标记文件。
	MarkerFile = ".debug_preserved"
)

// Subdirectories 是每个隔离环境预先创建的子目录。
var Subdirectories = []string{"contracts", "build", "node_modules"}

// IsolatedEnvironment 描述一次运行的文件系统工作区。
type IsolatedEnvironment struct {
	WorkflowID        string    `json:"workflow_id"`
	Path              string    `json:"path"`
	CreatedAt         time.Time `json:"created_at"`
	PreservedForDebug bool      `json:"preserved_for_debug"`
	PreserveReason    string    `json:"preserve_reason,omitempty"`
}

// ContractsDir 返回合约源码目录。
func (e *IsolatedEnvironment) ContractsDir() string {
	return filepath.Join(e.Path, "contracts")
}

// BuildDir 返回编译产物目录。
func (e *IsolatedEnvironment) BuildDir() string {
	return filepath.Join(e.Path, "build")
}

// Manager 负责隔离环境的创建、保留与清理。
type Manager struct {
	root   string
	now    func() time.Time
	logger *slog.Logger

	mu   sync.Mutex
	envs map[string]*IsolatedEnvironment
}

// Option 定义可选配置。
type Option func(*Manager)

// WithClock 替换时间来源，便于测试。
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

// NewManager 在 workspace 下构造环境管理器。
func NewManager(workspace string, opts ...Option) *Manager {
	m := &Manager{
		root:   filepath.Join(workspace, RootDirName),
		now:    time.Now,
		logger: logger.Named("environment"),
		envs:   make(map[string]*IsolatedEnvironment),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Root 返回隔离环境根目录。
func (m *Manager) Root() string {
	return m.root
}

// Create 为工作流分配 workflow_{id}_{timestamp} 目录。叶子目录使用 os.Mkdir，
// 已存在时直接失败，保证不同运行不会共享路径。ID 在触碰文件系统之前校验。
func (m *Manager) Create(workflowID string) (*IsolatedEnvironment, error) {
	if err := pipeline.ValidateWorkflowID(workflowID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.envs[workflowID]; ok {
		return nil, xerrors.New(xerrors.CodeEnvironmentFailure,
			fmt.Sprintf("工作流 %s 已存在隔离环境", workflowID),
			xerrors.WithMetadata("path", existing.Path))
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEnvironmentFailure, err, "创建隔离环境根目录失败")
	}

	created := m.now().UTC()
	path := filepath.Join(m.root, fmt.Sprintf("workflow_%s_%d", workflowID, created.UnixNano()))
	if filepath.Dir(path) != filepath.Clean(m.root) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "隔离环境路径越出根目录",
			xerrors.WithMetadata("path", path))
	}
	if err := os.Mkdir(path, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEnvironmentFailure, err, "创建隔离环境失败",
			xerrors.WithMetadata("path", path))
	}
	for _, sub := range Subdirectories {
		if err := os.Mkdir(filepath.Join(path, sub), 0o755); err != nil {
			_ = os.RemoveAll(path)
			return nil, xerrors.Wrap(xerrors.CodeEnvironmentFailure, err, "创建隔离环境子目录失败",
				xerrors.WithMetadata("path", path))
		}
	}

	env := &IsolatedEnvironment{WorkflowID: workflowID, Path: path, CreatedAt: created}
	m.envs[workflowID] = env
	m.logger.Debug("隔离环境已创建", slog.String("workflow_id", workflowID), slog.String("path", path))
	return cloneEnv(env), nil
}

// Get 返回工作流对应的隔离环境。
func (m *Manager) Get(workflowID string) (*IsolatedEnvironment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envs[workflowID]
	if !ok {
		return nil, false
	}
	return cloneEnv(env), true
}

// List 返回当前登记的全部隔离环境，按创建时间排序。
func (m *Manager) List() []*IsolatedEnvironment {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*IsolatedEnvironment, 0, len(m.envs))
	for _, env := range m.envs {
		list = append(list, cloneEnv(env))
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// PreserveForDebugging 写入标记文件并阻止后续清理。
func (m *Manager) PreserveForDebugging(workflowID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	env, ok := m.envs[workflowID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("工作流 %s 没有隔离环境", workflowID))
	}
	marker := struct {
		WorkflowID  string    `json:"workflow_id"`
		Reason      string    `json:"reason"`
		PreservedAt time.Time `json:"preserved_at"`
	}{WorkflowID: workflowID, Reason: reason, PreservedAt: m.now().UTC()}
	payload, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeEnvironmentFailure, err, "编码保留标记失败")
	}
	if err := os.WriteFile(filepath.Join(env.Path, MarkerFile), payload, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeEnvironmentFailure, err, "写入保留标记失败",
			xerrors.WithMetadata("path", env.Path))
	}
	env.PreservedForDebug = true
	env.PreserveReason = reason
	m.logger.Info("隔离环境已保留用于排查",
		slog.String("workflow_id", workflowID),
		slog.String("path", env.Path),
		slog.String("reason", reason))
	return nil
}

// Cleanup 删除隔离环境。已保留的环境只会从登记表中移除，目录保持不变。
func (m *Manager) Cleanup(workflowID string) error {
	m.mu.Lock()
	env, ok := m.envs[workflowID]
	if ok {
		delete(m.envs, workflowID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if env.PreservedForDebug {
		m.logger.Debug("隔离环境已保留，跳过清理", slog.String("workflow_id", workflowID))
		return nil
	}
	if err := os.RemoveAll(env.Path); err != nil {
		return xerrors.Wrap(xerrors.CodeEnvironmentFailure, err, "清理隔离环境失败",
			xerrors.WithMetadata("path", env.Path))
	}
	return nil
}

// Release 在运行结束后注销环境，目录原样保留在磁盘上。
// 成功运行由 Cleanup 删除目录，其余终态通过 Release 避免登记表无限增长。
func (m *Manager) Release(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.envs[workflowID]; ok {
		delete(m.envs, workflowID)
		m.logger.Debug("隔离环境已注销", slog.String("workflow_id", workflowID))
	}
}

func cloneEnv(env *IsolatedEnvironment) *IsolatedEnvironment {
	clone := *env
	return &clone
}
