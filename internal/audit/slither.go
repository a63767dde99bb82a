// Package audit 封装 slither 静态分析，将检测结果汇总为按严重度统计的报告。
package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"ChainForge/internal/dependency"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
	"ChainForge/internal/toolchain"
)

// Slither 调用 slither 命令行。
type Slither struct {
	path   string
	runner toolchain.Runner
}

// New 创建分析器。path 为空时从 PATH 查找 slither。
func New(path string, runner toolchain.Runner) *Slither {
	if runner == nil {
		runner = toolchain.ExecRunner{}
	}
	return &Slither{path: path, runner: runner}
}

type slitherOutput struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
	Results struct {
		Detectors []struct {
			Check       string `json:"check"`
			Impact      string `json:"impact"`
			Description string `json:"description"`
		} `json:"detectors"`
	} `json:"results"`
}

// Analyze 分析工作区内的源码文件。发现问题时 slither 以非零码退出，此时仍解析 JSON。
func (s *Slither) Analyze(ctx context.Context, workspace, sourcePath string) (*pipeline.AuditReport, error) {
	binary, err := toolchain.Locate(toolchain.ToolSlither, s.path)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(workspace, sourcePath)
	if err != nil {
		rel = sourcePath
	}
	args := []string{filepath.ToSlash(rel), "--json", "-"}
	if remaps := dependency.ReadRemappings(workspace); len(remaps) > 0 {
		args = append(args, "--solc-remaps", strings.Join(remaps, " "))
	}

	result, err := s.runner.Run(ctx, toolchain.Command{
		Name: toolchain.ToolSlither,
		Path: binary,
		Args: args,
		Dir:  workspace,
	})
	if err != nil {
		return nil, err
	}
	report, parseErr := ParseReport(result.Stdout)
	if parseErr != nil {
		message := strings.TrimSpace(string(result.Stderr))
		if message == "" {
			message = parseErr.Error()
		}
		return nil, xerrors.Wrap(xerrors.CodeAuditFailed, parseErr, message,
			xerrors.WithMetadata(xerrors.MetaTool, toolchain.ToolSlither))
	}
	return report, nil
}

// ParseReport 解析 slither --json 输出。
func ParseReport(payload []byte) (*pipeline.AuditReport, error) {
	var out slitherOutput
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	if !out.Success && out.Error != nil && *out.Error != "" {
		return nil, xerrors.New(xerrors.CodeAuditFailed, *out.Error)
	}
	report := &pipeline.AuditReport{Tool: toolchain.ToolSlither}
	for _, detector := range out.Results.Detectors {
		report.Findings = append(report.Findings, pipeline.Finding{
			Check:       detector.Check,
			Severity:    severityOf(detector.Impact),
			Description: strings.TrimSpace(detector.Description),
		})
	}
	return report, nil
}

func severityOf(impact string) pipeline.Severity {
	switch strings.ToLower(strings.TrimSpace(impact)) {
	case "high":
		return pipeline.SeverityHigh
	case "medium":
		return pipeline.SeverityMedium
	case "low":
		return pipeline.SeverityLow
	default:
		return pipeline.SeverityInformational
	}
}
