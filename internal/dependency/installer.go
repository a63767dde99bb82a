package dependency

import (
	"context"
	"fmt"
	"strings"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/toolchain"
)

// Installer 把单个包安装到 prefix 目录下的 node_modules 中。
type Installer interface {
	Install(ctx context.Context, pkg, prefix string) error
}

// NpmInstaller 通过 npm 安装包。
type NpmInstaller struct {
	Path   string
	Runner toolchain.Runner
}

// Install 实现 Installer。
func (n NpmInstaller) Install(ctx context.Context, pkg, prefix string) error {
	runner := n.Runner
	if runner == nil {
		runner = toolchain.ExecRunner{}
	}
	path, err := toolchain.Locate(toolchain.ToolNpm, n.Path)
	if err != nil {
		return err
	}
	result, err := runner.Run(ctx, toolchain.Command{
		Name: toolchain.ToolNpm,
		Path: path,
		Args: []string{"install", "--no-save", "--no-audit", "--no-fund", "--prefix", prefix, pkg},
		Dir:  prefix,
	})
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		detail := strings.TrimSpace(string(result.Stderr))
		if detail == "" {
			detail = strings.TrimSpace(string(result.Stdout))
		}
		return xerrors.New(xerrors.CodeDependencyInstall,
			fmt.Sprintf("npm install %s 失败 (exit %d): %s", pkg, result.ExitCode, detail))
	}
	return nil
}
