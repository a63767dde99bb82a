package jobs

import (
	stdErrors "errors"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
	"ChainForge/internal/workflow"
)

// Status 表示作业在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Outcome 是作业执行完成后保留的工作流摘要。
type Outcome struct {
	WorkflowStatus  pipeline.WorkflowStatus `json:"workflow_status"`
	ExitCode        int                     `json:"exit_code"`
	DiagnosticsPath string                  `json:"diagnostics_path,omitempty"`
	ContractAddress string                  `json:"contract_address,omitempty"`
	Suggestions     []string                `json:"suggestions,omitempty"`
}

// Job 描述一次排队执行的工作流。作业 ID 与工作流 ID 相同。
type Job struct {
	ID          string              `json:"id"`
	Request     workflow.RunRequest `json:"request"`
	Status      Status              `json:"status"`
	Attempts    int                 `json:"attempts"`
	MaxAttempts int                 `json:"max_attempts"`
	LastError   string              `json:"last_error,omitempty"`
	ErrorCode   string              `json:"error_code,omitempty"`
	Outcome     *Outcome            `json:"outcome,omitempty"`
	CreatedAt   int64               `json:"created_at"`
	UpdatedAt   int64               `json:"updated_at"`
}

var (
	// ErrJobNotFound 表示指定的作业不存在。
	ErrJobNotFound = xerrors.New(CodeJobNotFound, "job not found")
	// ErrJobConflict 表示作业在当前状态下无法进行所请求的操作。
	ErrJobConflict = xerrors.New(CodeJobConflict, "job conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrJobCompleted 表示作业已经结束。
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrJobExhausted 表示作业的执行次数已经耗尽。
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job attempts exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted  xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted  xerrors.Code = "JOB_ATTEMPTS_EXHAUSTED"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobPublish    xerrors.Code = "JOB_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job attempts exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:  "job validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsJobError 判断错误是否为指定的作业错误。
func IsJobError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrJobNotFound):
		return target == CodeJobNotFound
	case stdErrors.Is(err, ErrJobConflict):
		return target == CodeJobConflict
	case stdErrors.Is(err, ErrJobCompleted):
		return target == CodeJobCompleted
	case stdErrors.Is(err, ErrJobExhausted):
		return target == CodeJobExhausted
	}
	return xerrors.CodeOf(err) == target
}

// IsValidStatus 检查给定的作业状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneJob(job *Job) *Job {
	clone := *job
	if job.Outcome != nil {
		outcome := *job.Outcome
		outcome.Suggestions = append([]string(nil), job.Outcome.Suggestions...)
		clone.Outcome = &outcome
	}
	if job.Request.Options.Metadata != nil {
		metadata := make(map[string]string, len(job.Request.Options.Metadata))
		for key, value := range job.Request.Options.Metadata {
			metadata[key] = value
		}
		clone.Request.Options.Metadata = metadata
	}
	return &clone
}

// OutcomeOf 从工作流结果中提取作业摘要。
func OutcomeOf(result *workflow.Result) Outcome {
	if result == nil {
		return Outcome{}
	}
	outcome := Outcome{
		WorkflowStatus:  result.Status,
		ExitCode:        result.ExitCode,
		DiagnosticsPath: result.DiagnosticsPath,
		Suggestions:     append([]string(nil), result.Suggestions...),
	}
	if result.Deployment != nil {
		outcome.ContractAddress = result.Deployment.ContractAddress
	}
	return outcome
}
