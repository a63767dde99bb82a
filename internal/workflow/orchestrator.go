package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ChainForge/internal/compiler"
	"ChainForge/internal/contextstore"
	"ChainForge/internal/dependency"
	"ChainForge/internal/environment"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/healing"
	"ChainForge/internal/knowledge"
	"ChainForge/internal/llm"
	"ChainForge/internal/observability/alerting"
	"ChainForge/internal/observability/metrics"
	"ChainForge/internal/pipeline"
	"ChainForge/internal/toolchain"
	"ChainForge/internal/verify"
	"ChainForge/internal/web3/provider"
	"ChainForge/pkg/logger"
)

// Generator 根据需求生成合约源码。
type Generator interface {
	Generate(ctx context.Context, req llm.GenerationRequest) (*llm.GeneratedContract, error)
}

// Analyzer 对源码做静态分析。
type Analyzer interface {
	Analyze(ctx context.Context, workspace, sourcePath string) (*pipeline.AuditReport, error)
}

// Compiler 把源码编译为部署产物。
type Compiler interface {
	Compile(ctx context.Context, req compiler.Request) (*pipeline.Artifact, error)
}

// Deployer 把字节码部署到目标网络。
type Deployer interface {
	Deploy(ctx context.Context, req provider.DeployRequest) (*pipeline.DeploymentReceipt, error)
}

// Verifier 在区块浏览器上验证源码。
type Verifier interface {
	Verify(ctx context.Context, req verify.Request) (*pipeline.VerificationResult, error)
}

// RunOptions 是单次运行的可选开关。
type RunOptions struct {
	AllowHighSeverity bool              `json:"allow_high_severity,omitempty"`
	SkipDeployment    bool              `json:"skip_deployment,omitempty"`
	SkipVerification  bool              `json:"skip_verification,omitempty"`
	ConstructorArgs   []any             `json:"constructor_args,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// RunRequest 描述一次工作流运行。
type RunRequest struct {
	WorkflowID string     `json:"workflow_id,omitempty"`
	Prompt     string     `json:"prompt"`
	Network    string     `json:"network,omitempty"`
	Options    RunOptions `json:"options,omitempty"`
}

// Result 汇总一次运行的终态。
type Result struct {
	WorkflowID      string                       `json:"workflow_id"`
	Status          pipeline.WorkflowStatus      `json:"status"`
	ExitCode        int                          `json:"exit_code"`
	Intent          pipeline.Intent              `json:"intent"`
	Stages          []StageSummary               `json:"stages"`
	DiagnosticsPath string                       `json:"diagnostics_path,omitempty"`
	EnvironmentPath string                       `json:"environment_path"`
	Preserved       bool                         `json:"preserved"`
	Suggestions     []string                     `json:"suggestions,omitempty"`
	Audit           *pipeline.AuditReport        `json:"audit,omitempty"`
	Deployment      *pipeline.DeploymentReceipt  `json:"deployment,omitempty"`
	Verification    *pipeline.VerificationResult `json:"verification,omitempty"`
	Duration        time.Duration                `json:"duration"`
}

// Orchestrator 串联各个阶段，是系统的业务核心。
type Orchestrator struct {
	envs      *environment.Manager
	contexts  *contextstore.Manager
	handler   *healing.Handler
	generator Generator
	compiler  Compiler

	resolver  Resolver
	analyzer  Analyzer
	deployer  Deployer
	verifier  Verifier
	knowledge knowledge.Provider
	probe     *toolchain.Probe
	metrics   *metrics.Collector
	alerts    alerting.Dispatcher
	settings  Settings
	newID     func() string
	logger    *slog.Logger
}

// Resolver 识别并安装源码依赖，由 dependency.Resolver 实现。
type Resolver interface {
	Resolve(ctx context.Context, source, workspace string) ([]string, dependency.InstallResult, error)
}

// Option 定义可选的编排配置。
type Option func(*Orchestrator)

// WithResolver 配置依赖解析器，未配置时依赖阶段记为 skipped。
func WithResolver(resolver Resolver) Option {
	return func(o *Orchestrator) {
		o.resolver = resolver
	}
}

// WithAnalyzer 配置静态分析器，未配置时审计阶段记为 skipped。
func WithAnalyzer(analyzer Analyzer) Option {
	return func(o *Orchestrator) {
		o.analyzer = analyzer
	}
}

// WithDeployer 配置部署器。
func WithDeployer(deployer Deployer) Option {
	return func(o *Orchestrator) {
		o.deployer = deployer
	}
}

// WithVerifier 配置源码验证器。
func WithVerifier(verifier Verifier) Option {
	return func(o *Orchestrator) {
		o.verifier = verifier
	}
}

// WithKnowledgeProvider 配置知识库，在生成前补充编写规范。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(o *Orchestrator) {
		o.knowledge = provider
	}
}

// WithProbe 配置工具版本探测，结果写入诊断包。
func WithProbe(probe *toolchain.Probe) Option {
	return func(o *Orchestrator) {
		o.probe = probe
	}
}

// WithMetrics 指定指标收集器。
func WithMetrics(collector *metrics.Collector) Option {
	return func(o *Orchestrator) {
		if collector != nil {
			o.metrics = collector
		}
	}
}

// WithAlerts 配置告警分发。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = dispatcher
	}
}

// WithSettings 覆盖编排设置。
func WithSettings(settings Settings) Option {
	return func(o *Orchestrator) {
		o.settings = settings
	}
}

// WithIDGenerator 替换工作流 ID 生成方式，便于测试。
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// New 创建编排器。环境、上下文、错误处理、生成与编译是必需的协作者。
func New(
	envs *environment.Manager,
	contexts *contextstore.Manager,
	handler *healing.Handler,
	generator Generator,
	comp Compiler,
	opts ...Option,
) (*Orchestrator, error) {
	switch {
	case envs == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置隔离环境管理器")
	case contexts == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置上下文管理器")
	case generator == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置合约生成器")
	case comp == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置编译器")
	}
	if handler == nil {
		handler = healing.NewHandler(nil, nil)
	}
	o := &Orchestrator{
		envs:      envs,
		contexts:  contexts,
		handler:   handler,
		generator: generator,
		compiler:  comp,
		metrics:   metrics.Default(),
		newID:     uuid.NewString,
		logger:    logger.Named("workflow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Contexts 返回上下文管理器，供查询接口读取持久化记录。
func (o *Orchestrator) Contexts() *contextstore.Manager {
	return o.contexts
}

// Run 执行一次完整的工作流。阶段失败体现在 Result 中；返回的 error 只可能是
// 非法的工作流 ID、隔离环境创建失败或上下文持久化失败。
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*Result, error) {
	id := req.WorkflowID
	if id == "" {
		id = o.newID()
	}
	if err := pipeline.ValidateWorkflowID(id); err != nil {
		return nil, err
	}
	network := req.Network
	if network == "" {
		network = o.settings.DefaultNetwork
	}
	log := logger.ForWorkflow("workflow", id)
	persistCtx := context.WithoutCancel(ctx)

	wf := o.contexts.Create(id)
	wf.Prompt = req.Prompt
	wf.Network = network
	wf.Metadata["network"] = network
	wf.Metadata["allow_high_severity"] = strconv.FormatBool(req.Options.AllowHighSeverity)
	wf.Metadata["skip_deployment"] = strconv.FormatBool(req.Options.SkipDeployment)
	wf.Metadata["skip_verification"] = strconv.FormatBool(req.Options.SkipVerification)
	for key, value := range req.Options.Metadata {
		wf.Metadata[key] = value
	}

	env, err := o.envs.Create(id)
	if err != nil {
		o.fatal(persistCtx, id, "", err)
		return nil, err
	}
	defer o.envs.Release(id)
	wf.Metadata["environment_path"] = env.Path
	if err := wf.Transition(pipeline.StatusRunning); err != nil {
		return nil, err
	}
	if err := o.contexts.Save(persistCtx, wf); err != nil {
		o.fatal(persistCtx, id, "", err)
		_ = o.envs.PreserveForDebugging(id, "context persistence failed")
		return nil, err
	}

	logger.Audit().Info("workflow started",
		slog.String("workflow_id", id),
		slog.String("network", network))
	log.Info("工作流开始执行", slog.String("environment", env.Path))

	r := &run{
		o:       o,
		ctx:     ctx,
		persist: persistCtx,
		wf:      wf,
		env:     env,
		req:     req,
		log:     log,
		started: time.Now(),
		state: &pipeline.RunState{
			Prompt:    req.Prompt,
			Network:   network,
			Workspace: env.Path,
		},
	}
	if err := r.execute(); err != nil {
		o.fatal(persistCtx, id, string(r.current), err)
		_ = o.envs.PreserveForDebugging(id, "context persistence failed")
		return nil, err
	}
	return r.finish()
}

// critical 判断阶段终态失败是否会中止整个工作流。
func (o *Orchestrator) critical(stage pipeline.Stage, opts RunOptions) bool {
	switch stage {
	case pipeline.StageInputParsing, pipeline.StageGeneration, pipeline.StageCompilation:
		return true
	case pipeline.StageDependencyResolution:
		return o.settings.BlockOnDependencyFailure
	case pipeline.StageAudit:
		return o.auditGate(opts)
	default:
		return false
	}
}

func (o *Orchestrator) auditGate(opts RunOptions) bool {
	return o.settings.BlockOnHighSeverity && !opts.AllowHighSeverity
}

func (o *Orchestrator) fatal(ctx context.Context, workflowID, stage string, err error) {
	o.logger.Error("工作流因基础设施故障中止",
		slog.String("workflow_id", workflowID),
		slog.Any("error", err))
	logger.Audit().Error("workflow aborted",
		slog.String("workflow_id", workflowID),
		slog.String("code", string(xerrors.CodeOf(err))))
	o.alert(ctx, alerting.Event{
		Code:       xerrors.CodeOf(err),
		Message:    err.Error(),
		Severity:   xerrors.SeverityOf(err),
		WorkflowID: workflowID,
		Stage:      stage,
		OccurredAt: time.Now().UTC(),
	})
}

func (o *Orchestrator) alert(ctx context.Context, event alerting.Event) {
	if o.alerts == nil {
		return
	}
	if err := o.alerts.Notify(ctx, event); err != nil {
		o.logger.Warn("发送告警失败",
			slog.String("workflow_id", event.WorkflowID),
			slog.Any("error", err))
	}
}

// Summarize 按阶段顺序汇总上下文中每个阶段的最终记录。
func Summarize(wf *pipeline.WorkflowContext) []StageSummary {
	summaries := make([]StageSummary, 0, len(pipeline.Stages))
	for _, stage := range pipeline.Stages {
		results := wf.ResultsFor(stage)
		if len(results) == 0 {
			continue
		}
		last := results[len(results)-1]
		summary := StageSummary{
			Stage:     stage,
			Status:    last.Status,
			Attempts:  len(results),
			Error:     last.Error,
			ErrorType: last.ErrorType,
		}
		for _, result := range results {
			summary.Duration += result.Duration
		}
		if last.Status == pipeline.StageSkipped {
			summary.Attempts = 0
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

// StageSummary 是单个阶段的汇总。
type StageSummary struct {
	Stage     pipeline.Stage         `json:"stage"`
	Status    pipeline.StageStatus   `json:"status"`
	Attempts  int                    `json:"attempts"`
	Error     string                 `json:"error,omitempty"`
	ErrorType pipeline.ErrorCategory `json:"error_type,omitempty"`
	Duration  time.Duration          `json:"duration"`
}

func (s StageSummary) String() string {
	if s.Error == "" {
		return fmt.Sprintf("%s: %s (%d)", s.Stage, s.Status, s.Attempts)
	}
	return fmt.Sprintf("%s: %s (%d) %s", s.Stage, s.Status, s.Attempts, s.Error)
}
