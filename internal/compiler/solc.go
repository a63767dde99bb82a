// Package compiler 封装 solc 命令行编译器，将工作区中的合约编译为 ABI 与字节码。
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"ChainForge/internal/dependency"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
	"ChainForge/internal/toolchain"
)

// Request 描述一次编译。
type Request struct {
	Workspace    string
	SourcePath   string
	ContractName string
}

// Option 配置 Solc。
type Option func(*Solc)

// WithOptimizer 开启优化器。
func WithOptimizer(runs int) Option {
	return func(s *Solc) {
		s.optimize = true
		if runs > 0 {
			s.runs = runs
		}
	}
}

// WithEVMVersion 指定目标 EVM 版本。
func WithEVMVersion(version string) Option {
	return func(s *Solc) {
		s.evmVersion = strings.TrimSpace(version)
	}
}

// Solc 调用 solc 完成编译。
type Solc struct {
	path       string
	runner     toolchain.Runner
	optimize   bool
	runs       int
	evmVersion string
}

// New 创建编译器。path 为空时从 PATH 查找 solc。
func New(path string, runner toolchain.Runner, opts ...Option) *Solc {
	if runner == nil {
		runner = toolchain.ExecRunner{}
	}
	s := &Solc{path: path, runner: runner, runs: 200}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Compile 编译 SourcePath 并返回 ContractName 对应的产物，同时写入 build/ 目录。
func (s *Solc) Compile(ctx context.Context, req Request) (*pipeline.Artifact, error) {
	binary, err := toolchain.Locate(toolchain.ToolSolc, s.path)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(req.Workspace, req.SourcePath)
	if err != nil {
		rel = req.SourcePath
	}

	result, err := s.runner.Run(ctx, toolchain.Command{
		Name: toolchain.ToolSolc,
		Path: binary,
		Args: s.args(req.Workspace, filepath.ToSlash(rel)),
		Dir:  req.Workspace,
	})
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 {
		message := strings.TrimSpace(string(result.Stderr))
		if message == "" {
			message = strings.TrimSpace(string(result.Stdout))
		}
		return nil, xerrors.New(xerrors.CodeCompilationFailed, message,
			xerrors.WithMetadata(xerrors.MetaTool, toolchain.ToolSolc),
			xerrors.WithMetadata(xerrors.MetaOutput, message))
	}

	artifact, err := ParseCombinedJSON(result.Stdout, req.ContractName)
	if err != nil {
		return nil, err
	}
	if err := writeArtifact(req.Workspace, artifact); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入编译产物失败")
	}
	return artifact, nil
}

func (s *Solc) args(workspace, source string) []string {
	args := dependency.ReadRemappings(workspace)
	args = append(args,
		"--base-path", ".",
		"--include-path", "node_modules",
		"--allow-paths", ".,node_modules",
		"--combined-json", "abi,bin",
	)
	if s.optimize {
		args = append(args, "--optimize", "--optimize-runs", strconv.Itoa(s.runs))
	}
	if s.evmVersion != "" {
		args = append(args, "--evm-version", s.evmVersion)
	}
	return append(args, source)
}

type combinedOutput struct {
	Contracts map[string]struct {
		ABI json.RawMessage `json:"abi"`
		Bin string          `json:"bin"`
	} `json:"contracts"`
	Version string `json:"version"`
}

// ParseCombinedJSON 解析 solc --combined-json 输出。contractName 为空时选择第一个有字节码的合约。
func ParseCombinedJSON(payload []byte, contractName string) (*pipeline.Artifact, error) {
	var out combinedOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCompilationFailed, err, "解析 solc 输出失败")
	}

	keys := make([]string, 0, len(out.Contracts))
	for key := range out.Contracts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entry := out.Contracts[key]
		name := key
		if idx := strings.LastIndex(key, ":"); idx >= 0 {
			name = key[idx+1:]
		}
		if contractName != "" && name != contractName {
			continue
		}
		if contractName == "" && entry.Bin == "" {
			continue
		}
		abi, err := normalizeABI(entry.ABI)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeCompilationFailed, err, fmt.Sprintf("解析 %s 的 ABI 失败", name))
		}
		return &pipeline.Artifact{
			ContractName: name,
			ABI:          abi,
			Bytecode:     entry.Bin,
			Compiler:     out.Version,
		}, nil
	}
	return nil, xerrors.New(xerrors.CodeCompilationFailed, fmt.Sprintf("solc 输出中未找到合约 %s", contractName))
}

// 旧版本 solc 将 ABI 编码为字符串。
func normalizeABI(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return nil, err
		}
		return json.RawMessage(inner), nil
	}
	if trimmed == "" {
		return json.RawMessage("[]"), nil
	}
	return raw, nil
}

func writeArtifact(workspace string, artifact *pipeline.Artifact) error {
	dir := filepath.Join(workspace, "build")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, artifact.ContractName+".json"), payload, 0o644)
}
