package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	xerrors "ChainForge/internal/errors"
)

// WorkflowStatus 表示一次工作流运行的整体状态。
type WorkflowStatus string

const (
	StatusPending             WorkflowStatus = "pending"
	StatusRunning             WorkflowStatus = "running"
	StatusSuccess             WorkflowStatus = "success"
	StatusCompletedWithErrors WorkflowStatus = "completed_with_errors"
	StatusError               WorkflowStatus = "error"
	StatusCancelled           WorkflowStatus = "cancelled"
)

// Terminal 判断状态是否为终态。
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusCompletedWithErrors, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s WorkflowStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	default:
		if s.Terminal() {
			return 2
		}
		return -1
	}
}

// ExitCode 把终态映射为命令行退出码。
func (s WorkflowStatus) ExitCode() int {
	switch s {
	case StatusSuccess, StatusCompletedWithErrors:
		return 0
	default:
		return 1
	}
}

// StageResult 记录某个阶段的一次执行。重试会追加新的记录。
type StageResult struct {
	Stage     Stage          `json:"stage"`
	Status    StageStatus    `json:"status"`
	Output    map[string]any `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorType ErrorCategory  `json:"error_type,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Duration  time.Duration  `json:"duration"`
}

// Remediation 描述一次自动修复尝试。
type Remediation struct {
	Name    string `json:"name"`
	Applied bool   `json:"applied"`
	Detail  string `json:"detail,omitempty"`
	Diff    string `json:"diff,omitempty"`
}

// ErrorRecord 是写入上下文的错误记录。
type ErrorRecord struct {
	Stage       Stage         `json:"stage"`
	Attempt     int           `json:"attempt"`
	Category    ErrorCategory `json:"category"`
	Code        string        `json:"code,omitempty"`
	Message     string        `json:"message"`
	Timestamp   time.Time     `json:"timestamp"`
	Remediation *Remediation  `json:"remediation,omitempty"`
}

// WorkflowContext 保存一次运行的身份与完整历史。
type WorkflowContext struct {
	WorkflowID    string            `json:"workflow_id"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	Status        WorkflowStatus    `json:"status"`
	Prompt        string            `json:"prompt,omitempty"`
	Network       string            `json:"network,omitempty"`
	StageResults  []StageResult     `json:"stage_results"`
	Errors        []ErrorRecord     `json:"errors"`
	RetryAttempts map[Stage]int     `json:"retry_attempts"`
	Metadata      map[string]string `json:"metadata"`
}

// NewWorkflowContext 创建处于 pending 状态的上下文。
func NewWorkflowContext(workflowID string) *WorkflowContext {
	now := time.Now().UTC()
	return &WorkflowContext{
		WorkflowID:    workflowID,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        StatusPending,
		StageResults:  []StageResult{},
		Errors:        []ErrorRecord{},
		RetryAttempts: map[Stage]int{},
		Metadata:      map[string]string{},
	}
}

// Transition 推进工作流状态。状态只能前进，终态不可重新打开。
func (wf *WorkflowContext) Transition(to WorkflowStatus) error {
	if to.rank() < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的工作流状态: %s", to))
	}
	if wf.Status.Terminal() {
		if wf.Status == to {
			return nil
		}
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("工作流已处于终态 %s，无法切换为 %s", wf.Status, to))
	}
	if to.rank() < wf.Status.rank() {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("工作流状态不能从 %s 回退到 %s", wf.Status, to))
	}
	wf.Status = to
	wf.Touch()
	return nil
}

// Touch 刷新更新时间。
func (wf *WorkflowContext) Touch() {
	wf.UpdatedAt = time.Now().UTC()
}

// ResultsFor 按执行顺序返回某阶段的全部记录。
func (wf *WorkflowContext) ResultsFor(stage Stage) []StageResult {
	var results []StageResult
	for _, result := range wf.StageResults {
		if result.Stage == stage {
			results = append(results, result)
		}
	}
	return results
}

// LastResult 返回某阶段的最近一次记录。
func (wf *WorkflowContext) LastResult(stage Stage) (StageResult, bool) {
	for i := len(wf.StageResults) - 1; i >= 0; i-- {
		if wf.StageResults[i].Stage == stage {
			return wf.StageResults[i], true
		}
	}
	return StageResult{}, false
}

// Clone 通过 JSON 往返生成深拷贝，结果与持久化后再加载的内容一致。
func (wf *WorkflowContext) Clone() (*WorkflowContext, error) {
	payload, err := json.Marshal(wf)
	if err != nil {
		return nil, fmt.Errorf("encode workflow context: %w", err)
	}
	var clone WorkflowContext
	if err := json.Unmarshal(payload, &clone); err != nil {
		return nil, fmt.Errorf("decode workflow context: %w", err)
	}
	return &clone, nil
}
