package pipeline

// Stage 表示流水线中的一个命名阶段。
type Stage string

const (
	StageInputParsing         Stage = "input_parsing"
	StageGeneration           Stage = "generation"
	StageDependencyResolution Stage = "dependency_resolution"
	StageCompilation          Stage = "compilation"
	StageAudit                Stage = "audit"
	StageDeployment           Stage = "deployment"
	StageVerification         Stage = "verification"
	StageOutput               Stage = "output"
)

// Stages 按固定执行顺序列出全部阶段，Output 总在最后。
var Stages = []Stage{
	StageInputParsing,
	StageGeneration,
	StageDependencyResolution,
	StageCompilation,
	StageAudit,
	StageDeployment,
	StageVerification,
	StageOutput,
}

// IsValid 判断阶段名称是否受支持。
func (s Stage) IsValid() bool {
	for _, candidate := range Stages {
		if candidate == s {
			return true
		}
	}
	return false
}

// Network 标记需要访问远端服务的阶段，超时按网络超时归类。
func (s Stage) Network() bool {
	switch s {
	case StageGeneration, StageDeployment, StageVerification:
		return true
	default:
		return false
	}
}

// StageStatus 描述单次阶段执行的结果。
type StageStatus string

const (
	StageSuccess StageStatus = "success"
	StageError   StageStatus = "error"
	StageSkipped StageStatus = "skipped"
)

// ErrorCategory 是错误分类器输出的标签。
type ErrorCategory string

const (
	CategoryMissingDependency   ErrorCategory = "MISSING_DEPENDENCY"
	CategoryCompilationSyntax   ErrorCategory = "COMPILATION_SYNTAX"
	CategoryConstructorMismatch ErrorCategory = "CONSTRUCTOR_MISMATCH"
	CategoryNetworkTimeout      ErrorCategory = "NETWORK_TIMEOUT"
	CategoryToolNotFound        ErrorCategory = "TOOL_NOT_FOUND"
	CategoryUnknown             ErrorCategory = "UNKNOWN"
)

// Categories 返回全部错误分类。
func Categories() []ErrorCategory {
	return []ErrorCategory{
		CategoryMissingDependency,
		CategoryCompilationSyntax,
		CategoryConstructorMismatch,
		CategoryNetworkTimeout,
		CategoryToolNotFound,
		CategoryUnknown,
	}
}
