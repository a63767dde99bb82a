// Package toolchain 封装外部命令行工具的查找、执行与版本探测。
package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ChainForge/internal/errors"
)

// 内置工具名称。
const (
	ToolSolc    = "solc"
	ToolSlither = "slither"
	ToolNpm     = "npm"
)

var hints = map[string]string{
	ToolSolc:    "安装 solc：npm install -g solc，或从 https://github.com/ethereum/solidity/releases 下载二进制并加入 PATH",
	ToolSlither: "安装 slither：pip install slither-analyzer",
	ToolNpm:     "安装 Node.js（包含 npm）：https://nodejs.org/",
}

// Hint 返回工具的安装指引。
func Hint(name string) string {
	if hint, ok := hints[name]; ok {
		return hint
	}
	return fmt.Sprintf("请确认 %s 已安装并位于 PATH 中", name)
}

// Locate 查找工具的可执行文件。configured 非空时优先使用。
func Locate(name, configured string) (string, error) {
	candidate := strings.TrimSpace(configured)
	if candidate == "" {
		candidate = name
	}
	path, err := exec.LookPath(candidate)
	if err != nil {
		return "", NotFound(name, err)
	}
	return path, nil
}

// NotFound 构造带工具名与安装指引的错误。
func NotFound(name string, cause error) error {
	return xerrors.Wrap(xerrors.CodeToolNotFound, cause, fmt.Sprintf("%s: command not found", name),
		xerrors.WithMetadata(xerrors.MetaTool, name),
		xerrors.WithMetadata(xerrors.MetaHint, Hint(name)))
}

// Command 描述一次外部进程调用。
type Command struct {
	Name  string
	Path  string
	Args  []string
	Dir   string
	Stdin []byte
}

// Result 保存进程输出。非零退出码不视为错误，由调用方解释。
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// Runner 执行外部命令。
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner 基于 os/exec 的 Runner 实现。
type ExecRunner struct{}

// Run 实现 Runner。找不到可执行文件返回 TOOL_NOT_FOUND，超时返回 TOOL_TIMEOUT。
func (ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	path := cmd.Path
	if path == "" {
		located, err := Locate(cmd.Name, "")
		if err != nil {
			return Result{}, err
		}
		path = located
	}

	process := exec.CommandContext(ctx, path, cmd.Args...)
	process.Dir = cmd.Dir
	if len(cmd.Stdin) > 0 {
		process.Stdin = bytes.NewReader(cmd.Stdin)
	}
	var stdout, stderr bytes.Buffer
	process.Stdout = &stdout
	process.Stderr = &stderr

	started := time.Now()
	err := process.Run()
	result := Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(started)}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return result, xerrors.Wrap(xerrors.CodeToolTimeout, ctxErr, fmt.Sprintf("%s 执行超时", cmd.Name),
				xerrors.WithMetadata(xerrors.MetaTool, cmd.Name))
		}
		return result, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return result, NotFound(cmd.Name, err)
		}
		return result, fmt.Errorf("启动 %s 失败: %w", cmd.Name, err)
	}
	return result, nil
}

// Probe 负责探测工具版本，结果写入诊断包。
type Probe struct {
	tools   map[string]string
	runner  Runner
	timeout time.Duration

	mu     sync.Mutex
	cached map[string]string
}

// NewProbe 构造版本探测器，tools 为工具名到配置路径的映射。
func NewProbe(tools map[string]string, runner Runner) *Probe {
	if runner == nil {
		runner = ExecRunner{}
	}
	copied := make(map[string]string, len(tools))
	for name, path := range tools {
		copied[name] = path
	}
	return &Probe{tools: copied, runner: runner, timeout: 5 * time.Second}
}

// Versions 返回每个工具的版本字符串，缺失的工具标记为 "not found"。
// 结果在进程生命周期内缓存。
func (p *Probe) Versions(ctx context.Context) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return cloneVersions(p.cached)
	}

	names := make([]string, 0, len(p.tools))
	for name := range p.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	versions := make(map[string]string, len(names))
	for _, name := range names {
		versions[name] = p.version(ctx, name)
	}
	p.cached = versions
	return cloneVersions(versions)
}

// Missing 返回当前不可用的工具列表。
func (p *Probe) Missing(ctx context.Context) []string {
	var missing []string
	for name, version := range p.Versions(ctx) {
		if version == "not found" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func (p *Probe) version(ctx context.Context, name string) string {
	path, err := Locate(name, p.tools[name])
	if err != nil {
		return "not found"
	}
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	result, err := p.runner.Run(probeCtx, Command{Name: name, Path: path, Args: []string{"--version"}})
	if err != nil || result.ExitCode != 0 {
		return "unknown"
	}
	return firstVersionLine(string(result.Stdout) + string(result.Stderr))
}

func firstVersionLine(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(strings.ToLower(line), "version:") {
			return strings.TrimSpace(line[len("version:"):])
		}
		if !strings.Contains(strings.ToLower(line), "solidity compiler") {
			return line
		}
	}
	return "unknown"
}

func cloneVersions(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
