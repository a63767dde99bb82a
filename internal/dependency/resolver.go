package dependency

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	xerrors "ChainForge/internal/errors"
	"ChainForge/pkg/logger"
)

// RemappingsFile 是 solc 读取的路径映射文件名。
const RemappingsFile = "remappings.txt"

// InstallFailure 记录一个安装失败的包。
type InstallFailure struct {
	Package string `json:"package"`
	Error   string `json:"error"`
}

// InstallResult 汇总一批安装的结果，部分成功也会如实返回。
type InstallResult struct {
	Succeeded []string         `json:"succeeded"`
	Failed    []InstallFailure `json:"failed"`
}

// OK 判断是否全部成功。
func (r InstallResult) OK() bool {
	return len(r.Failed) == 0
}

// Err 把失败列表转换为统一错误，全部成功时返回 nil。
func (r InstallResult) Err() error {
	if r.OK() {
		return nil
	}
	parts := make([]string, 0, len(r.Failed))
	for _, failure := range r.Failed {
		parts = append(parts, fmt.Sprintf("%s: %s", failure.Package, failure.Error))
	}
	return xerrors.New(xerrors.CodeDependencyInstall, "依赖安装失败: "+strings.Join(parts, "; "))
}

// Resolver 负责依赖的识别、安装与路径映射。
type Resolver struct {
	installer Installer
	cache     *Cache
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Resolver)

// WithCache 使用共享缓存安装依赖。
func WithCache(cache *Cache) Option {
	return func(r *Resolver) {
		r.cache = cache
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver 构造依赖解析器。
func NewResolver(installer Installer, opts ...Option) *Resolver {
	r := &Resolver{installer: installer, logger: logger.Named("dependency")}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Detect 识别源码中的依赖。
func (r *Resolver) Detect(source string) []string {
	return Detect(source)
}

// InstallAll 逐个安装依赖，单个失败不会中断其余安装。
func (r *Resolver) InstallAll(ctx context.Context, deps []string, workspace string) InstallResult {
	result := InstallResult{Succeeded: []string{}, Failed: []InstallFailure{}}
	for _, pkg := range deps {
		if err := ctx.Err(); err != nil {
			result.Failed = append(result.Failed, InstallFailure{Package: pkg, Error: err.Error()})
			continue
		}
		if err := r.install(ctx, pkg, workspace); err != nil {
			r.logger.Warn("依赖安装失败", slog.String("package", pkg), slog.Any("error", err))
			result.Failed = append(result.Failed, InstallFailure{Package: pkg, Error: err.Error()})
			continue
		}
		result.Succeeded = append(result.Succeeded, pkg)
	}
	return result
}

func (r *Resolver) install(ctx context.Context, pkg, workspace string) error {
	if installedIn(workspace, pkg) {
		return nil
	}
	if r.installer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置依赖安装器")
	}
	if r.cache == nil {
		return r.installer.Install(ctx, pkg, workspace)
	}
	hit, err := r.cache.Ensure(ctx, pkg, r.installer)
	if err != nil {
		return err
	}
	r.logger.Debug("依赖缓存", slog.String("package", pkg), slog.Bool("hit", hit))
	return r.cache.CopyInto(pkg, workspace)
}

// UpdatePathMappings 重写工作区的 remappings.txt，使编译器能找到已安装的包。
func (r *Resolver) UpdatePathMappings(workspace string, installed []string) error {
	return WriteRemappings(workspace, installed)
}

// Resolve 完成识别、安装与路径映射，返回安装结果。
func (r *Resolver) Resolve(ctx context.Context, source, workspace string) ([]string, InstallResult, error) {
	deps := r.Detect(source)
	result := r.InstallAll(ctx, deps, workspace)
	if err := r.UpdatePathMappings(workspace, result.Succeeded); err != nil {
		return deps, result, err
	}
	return deps, result, nil
}

// WriteRemappings 合并已有映射并写入 remappings.txt。
func WriteRemappings(workspace string, installed []string) error {
	path := filepath.Join(workspace, RemappingsFile)
	mappings := make(map[string]string)
	if existing, err := os.ReadFile(path); err == nil {
		for _, line := range strings.Split(string(existing), "\n") {
			prefix, target, ok := strings.Cut(strings.TrimSpace(line), "=")
			if ok && prefix != "" {
				mappings[prefix] = target
			}
		}
	}
	for _, pkg := range installed {
		mappings[pkg+"/"] = "node_modules/" + pkg + "/"
	}
	if len(mappings) == 0 {
		return nil
	}

	prefixes := make([]string, 0, len(mappings))
	for prefix := range mappings {
		prefixes = append(prefixes, prefix)
	}
	sort.Strings(prefixes)
	var builder strings.Builder
	for _, prefix := range prefixes {
		builder.WriteString(prefix)
		builder.WriteString("=")
		builder.WriteString(mappings[prefix])
		builder.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(builder.String()), 0o644); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", RemappingsFile, err)
	}
	return nil
}

// ReadRemappings 读取工作区中的映射列表。
func ReadRemappings(workspace string) []string {
	content, err := os.ReadFile(filepath.Join(workspace, RemappingsFile))
	if err != nil {
		return nil
	}
	var remappings []string
	for _, line := range strings.Split(string(content), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			remappings = append(remappings, line)
		}
	}
	return remappings
}

func installedIn(workspace, pkg string) bool {
	info, err := os.Stat(filepath.Join(workspace, "node_modules", filepath.FromSlash(pkg), "package.json"))
	return err == nil && !info.IsDir()
}
