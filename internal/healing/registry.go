package healing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"ChainForge/internal/dependency"
	"ChainForge/internal/pipeline"
)

// FixContext 是修复动作可访问的运行信息。
type FixContext struct {
	Stage   pipeline.Stage
	Attempt int
	Err     error
	State   *pipeline.RunState
}

// FixResult 描述一次修复尝试的结果。
type FixResult struct {
	Applied bool
	Detail  string
	Diff    string
}

// Remediation 是注册到某个错误分类的修复动作。
type Remediation interface {
	Name() string
	Apply(ctx context.Context, fc FixContext) (FixResult, error)
}

// Registry 维护分类到修复动作的映射。
type Registry struct {
	mu           sync.RWMutex
	remediations map[pipeline.ErrorCategory]Remediation
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{remediations: make(map[pipeline.ErrorCategory]Remediation)}
}

// DefaultRegistry 注册内置修复动作。TOOL_NOT_FOUND 与 UNKNOWN 没有修复动作。
func DefaultRegistry(resolver *dependency.Resolver) *Registry {
	r := NewRegistry()
	if resolver != nil {
		r.Register(pipeline.CategoryMissingDependency, &InstallMissingDependencies{Resolver: resolver})
	}
	r.Register(pipeline.CategoryCompilationSyntax, SanitizeSource{})
	r.Register(pipeline.CategoryConstructorMismatch, InjectConstructorArgs{})
	r.Register(pipeline.CategoryNetworkTimeout, RetryTransient{})
	return r
}

// Register 为分类注册修复动作，重复注册会覆盖。
func (r *Registry) Register(category pipeline.ErrorCategory, remediation Remediation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remediations[category] = remediation
}

// Lookup 返回分类对应的修复动作。
func (r *Registry) Lookup(category pipeline.ErrorCategory) (Remediation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	remediation, ok := r.remediations[category]
	return remediation, ok
}

// Categories 返回已注册修复动作的分类。
func (r *Registry) Categories() []pipeline.ErrorCategory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	categories := make([]pipeline.ErrorCategory, 0, len(r.remediations))
	for category := range r.remediations {
		categories = append(categories, category)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })
	return categories
}

// AttemptAutofix 执行分类对应的修复动作，返回修复名称与结果。
// 没有注册修复动作时 Applied 为 false。
func (r *Registry) AttemptAutofix(ctx context.Context, category pipeline.ErrorCategory, fc FixContext) (string, FixResult, error) {
	remediation, ok := r.Lookup(category)
	if !ok {
		return "none", FixResult{Detail: fmt.Sprintf("%s 没有可用的自动修复", category)}, nil
	}
	result, err := remediation.Apply(ctx, fc)
	if err != nil {
		return remediation.Name(), FixResult{Detail: err.Error()}, err
	}
	return remediation.Name(), result, nil
}

// InstallMissingDependencies 安装编译错误中缺失的依赖并更新路径映射。
type InstallMissingDependencies struct {
	Resolver *dependency.Resolver
}

// Name 实现 Remediation。
func (InstallMissingDependencies) Name() string { return "install_missing_dependencies" }

// Apply 实现 Remediation。
func (f *InstallMissingDependencies) Apply(ctx context.Context, fc FixContext) (FixResult, error) {
	state := fc.State
	if state == nil || state.Workspace == "" {
		return FixResult{Detail: "缺少工作区信息"}, nil
	}
	wanted := make(map[string]struct{})
	if fc.Err != nil {
		for _, missing := range MissingImports(fc.Err.Error()) {
			if pkg := dependency.PackageOf(missing); pkg != "" {
				wanted[pkg] = struct{}{}
			}
		}
	}
	for _, pkg := range f.Resolver.Detect(state.Source) {
		wanted[pkg] = struct{}{}
	}
	if len(wanted) == 0 {
		return FixResult{Detail: "未识别出缺失的依赖"}, nil
	}
	packages := make([]string, 0, len(wanted))
	for pkg := range wanted {
		packages = append(packages, pkg)
	}
	sort.Strings(packages)

	result := f.Resolver.InstallAll(ctx, packages, state.Workspace)
	if len(result.Succeeded) == 0 {
		return FixResult{Detail: fmt.Sprintf("依赖安装失败: %v", result.Err())}, nil
	}
	if err := f.Resolver.UpdatePathMappings(state.Workspace, result.Succeeded); err != nil {
		return FixResult{}, err
	}
	state.Installed = mergeSorted(state.Installed, result.Succeeded)
	detail := "已安装 " + strings.Join(result.Succeeded, ", ")
	if !result.OK() {
		detail += fmt.Sprintf("；失败 %d 个", len(result.Failed))
	}
	return FixResult{Applied: true, Detail: detail}, nil
}

// SanitizeSource 清理源码格式残留并补齐基类构造参数。
type SanitizeSource struct{}

// Name 实现 Remediation。
func (SanitizeSource) Name() string { return "sanitize_source" }

// Apply 实现 Remediation。
func (SanitizeSource) Apply(_ context.Context, fc FixContext) (FixResult, error) {
	if fc.State == nil || fc.State.Source == "" {
		return FixResult{Detail: "没有可修复的源码"}, nil
	}
	cleaned, changes := Sanitize(fc.State.Source)
	injected, more := InjectBaseConstructors(cleaned, baseArgs(fc.State))
	return rewriteSource(fc.State, injected, append(changes, more...))
}

// InjectConstructorArgs 为缺少参数的基类构造函数补充调用。
type InjectConstructorArgs struct{}

// Name 实现 Remediation。
func (InjectConstructorArgs) Name() string { return "inject_constructor_args" }

// Apply 实现 Remediation。
func (InjectConstructorArgs) Apply(_ context.Context, fc FixContext) (FixResult, error) {
	if fc.State == nil || fc.State.Source == "" {
		return FixResult{Detail: "没有可修复的源码"}, nil
	}
	injected, changes := InjectBaseConstructors(fc.State.Source, baseArgs(fc.State))
	return rewriteSource(fc.State, injected, changes)
}

// RetryTransient 处理瞬时的网络超时，不做改动，仅允许退避后重试。
type RetryTransient struct{}

// Name 实现 Remediation。
func (RetryTransient) Name() string { return "retry_transient" }

// Apply 实现 Remediation。
func (RetryTransient) Apply(context.Context, FixContext) (FixResult, error) {
	return FixResult{Applied: true, Detail: "瞬时故障，退避后重试"}, nil
}

func baseArgs(state *pipeline.RunState) BaseArgs {
	return BaseArgs{Name: state.Intent.Name, Symbol: state.Intent.Symbol}
}

func rewriteSource(state *pipeline.RunState, updated string, changes []string) (FixResult, error) {
	if updated == state.Source || len(changes) == 0 {
		return FixResult{Detail: "源码无需修改"}, nil
	}
	name := "Contract.sol"
	if state.SourcePath != "" {
		name = filepath.Base(state.SourcePath)
		if err := os.WriteFile(state.SourcePath, []byte(updated), 0o644); err != nil {
			return FixResult{}, fmt.Errorf("写回修复后的源码失败: %w", err)
		}
	}
	diff := UnifiedDiff(name, state.Source, updated)
	state.Source = updated
	return FixResult{Applied: true, Detail: strings.Join(changes, ","), Diff: diff}, nil
}

func mergeSorted(existing, added []string) []string {
	set := make(map[string]struct{}, len(existing)+len(added))
	for _, item := range existing {
		set[item] = struct{}{}
	}
	for _, item := range added {
		set[item] = struct{}{}
	}
	merged := make([]string, 0, len(set))
	for item := range set {
		merged = append(merged, item)
	}
	sort.Strings(merged)
	return merged
}
