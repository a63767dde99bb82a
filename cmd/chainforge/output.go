package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"ChainForge/internal/pipeline"
	"ChainForge/internal/workflow"
)

var (
	headerStyle  = color.New(color.FgCyan, color.Bold)
	successStyle = color.New(color.FgGreen, color.Bold)
	warningStyle = color.New(color.FgYellow, color.Bold)
	errorStyle   = color.New(color.FgRed, color.Bold)
	mutedStyle   = color.New(color.FgHiBlack)
)

const (
	checkmark = "✓"
	xmark     = "✗"
	skipmark  = "-"
	bullet    = "•"
)

// statusStyle 按工作流终态选择颜色。
func statusStyle(status pipeline.WorkflowStatus) *color.Color {
	switch status {
	case pipeline.StatusSuccess:
		return successStyle
	case pipeline.StatusCompletedWithErrors, pipeline.StatusCancelled:
		return warningStyle
	default:
		return errorStyle
	}
}

func stageMark(status pipeline.StageStatus) string {
	switch status {
	case pipeline.StageSuccess:
		return successStyle.Sprint(checkmark)
	case pipeline.StageError:
		return errorStyle.Sprint(xmark)
	default:
		return mutedStyle.Sprint(skipmark)
	}
}

// printResult 以人类可读的形式输出一次运行的结果。
func printResult(w io.Writer, result *workflow.Result) {
	headerStyle.Fprintf(w, "workflow %s\n", result.WorkflowID)
	if result.Intent.Name != "" {
		fmt.Fprintf(w, "  intent: %s %s", result.Intent.Kind, result.Intent.Name)
		if result.Intent.Symbol != "" {
			fmt.Fprintf(w, " (%s)", result.Intent.Symbol)
		}
		fmt.Fprintln(w)
	}
	printStages(w, result.Stages)

	if result.Audit != nil {
		fmt.Fprintf(w, "  audit: %d high, %d medium, %d low\n",
			result.Audit.Count(pipeline.SeverityHigh),
			result.Audit.Count(pipeline.SeverityMedium),
			result.Audit.Count(pipeline.SeverityLow))
	}
	if d := result.Deployment; d != nil {
		fmt.Fprintf(w, "  contract: %s on %s (tx %s)\n", d.ContractAddress, d.Network, d.TxHash)
	}
	if v := result.Verification; v != nil {
		fmt.Fprintf(w, "  verification: %s %s\n", v.Status, v.Message)
	}

	fmt.Fprintf(w, "  status: %s  %s\n",
		statusStyle(result.Status).Sprint(result.Status),
		mutedStyle.Sprint(result.Duration.Round(time.Millisecond)))
	if result.Preserved {
		fmt.Fprintf(w, "  workspace: %s\n", result.EnvironmentPath)
	}
	if result.DiagnosticsPath != "" {
		fmt.Fprintf(w, "  diagnostics: %s\n", result.DiagnosticsPath)
	}
	printSuggestions(w, result.Suggestions)
}

func printStages(w io.Writer, stages []workflow.StageSummary) {
	for _, stage := range stages {
		line := fmt.Sprintf("  %s %-14s", stageMark(stage.Status), stage.Stage)
		if stage.Attempts > 1 {
			line += warningStyle.Sprintf(" attempts=%d", stage.Attempts)
		}
		if stage.Duration > 0 {
			line += mutedStyle.Sprintf(" %s", stage.Duration.Round(time.Millisecond))
		}
		fmt.Fprintln(w, line)
		if stage.Error != "" {
			fmt.Fprintf(w, "      %s %s\n", errorStyle.Sprint(stage.ErrorType), firstLine(stage.Error))
		}
	}
}

func printSuggestions(w io.Writer, suggestions []string) {
	if len(suggestions) == 0 {
		return
	}
	warningStyle.Fprintln(w, "  suggestions:")
	for _, s := range suggestions {
		fmt.Fprintf(w, "    %s %s\n", bullet, s)
	}
}

// printVersions 输出工具链探测结果，缺失的工具附带安装提示。
func printVersions(w io.Writer, versions map[string]string, missing []string, hint func(string) string) {
	names := make([]string, 0, len(versions))
	for name := range versions {
		names = append(names, name)
	}
	sort.Strings(names)
	absent := make(map[string]bool, len(missing))
	for _, name := range missing {
		absent[name] = true
	}
	headerStyle.Fprintln(w, "toolchain")
	for _, name := range names {
		if absent[name] {
			fmt.Fprintf(w, "  %s %-8s %s\n", errorStyle.Sprint(xmark), name, mutedStyle.Sprint(hint(name)))
			continue
		}
		fmt.Fprintf(w, "  %s %-8s %s\n", successStyle.Sprint(checkmark), name, versions[name])
	}
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx] + " ..."
	}
	return text
}
