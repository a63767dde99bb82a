package workflow

import (
	"context"
	"encoding/hex"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"ChainForge/internal/compiler"
	"ChainForge/internal/contextstore"
	"ChainForge/internal/environment"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/healing"
	"ChainForge/internal/llm"
	"ChainForge/internal/observability/alerting"
	"ChainForge/internal/pipeline"
	"ChainForge/internal/verify"
	"ChainForge/internal/web3/provider"
	"ChainForge/pkg/logger"
)

type stageFunc func(ctx context.Context) pipeline.StageOutcome

// run 保存单次运行的可变状态，只在一个 goroutine 中使用。
type run struct {
	o       *Orchestrator
	ctx     context.Context
	persist context.Context
	wf      *pipeline.WorkflowContext
	env     *environment.IsolatedEnvironment
	state   *pipeline.RunState
	req     RunRequest
	log     *slog.Logger
	started time.Time
	current pipeline.Stage

	cancelled   bool
	halted      bool
	criticalErr error
	nonCritical bool
	suggestions []string
}

func (r *run) table() []struct {
	stage pipeline.Stage
	fn    stageFunc
} {
	return []struct {
		stage pipeline.Stage
		fn    stageFunc
	}{
		{pipeline.StageInputParsing, r.parseInput},
		{pipeline.StageGeneration, r.generate},
		{pipeline.StageDependencyResolution, r.resolveDependencies},
		{pipeline.StageCompilation, r.compile},
		{pipeline.StageAudit, r.audit},
		{pipeline.StageDeployment, r.deployContract},
		{pipeline.StageVerification, r.verifySource},
	}
}

// execute 依次执行 Output 之前的全部阶段，返回值只会是持久化错误。
func (r *run) execute() error {
	for _, entry := range r.table() {
		r.current = entry.stage
		if !r.cancelled && r.ctx.Err() != nil {
			r.cancelled = true
			r.log.Warn("工作流已取消，跳过剩余阶段", slog.String("stage", string(entry.stage)))
		}
		if reason := r.skipReason(entry.stage); reason != "" {
			if err := r.skip(entry.stage, reason); err != nil {
				return err
			}
			continue
		}

		report, err := r.o.handler.HandleWithRetry(r.ctx, healing.Attempt{
			Stage:  entry.stage,
			Run:    r.timed(entry.stage, entry.fn),
			State:  r.state,
			Record: r.record,
			Seed:   r.wf.WorkflowID,
		})
		if err != nil {
			return err
		}
		if report.Outcome.OK() {
			continue
		}

		r.suggestions = append(r.suggestions, healing.Suggest(entry.stage, report.Category, report.Outcome.Err))
		if r.ctx.Err() != nil {
			r.cancelled = true
			continue
		}
		if r.o.critical(entry.stage, r.req.Options) {
			r.halted = true
			r.criticalErr = report.Outcome.Err
			r.log.Error("关键阶段失败，后续阶段将被跳过",
				slog.String("stage", string(entry.stage)),
				slog.String("category", string(report.Category)),
				slog.Int("attempts", report.Attempts))
			continue
		}
		r.nonCritical = true
		r.log.Warn("非关键阶段失败，继续执行",
			slog.String("stage", string(entry.stage)),
			slog.String("category", string(report.Category)))
	}
	return nil
}

func (r *run) skipReason(stage pipeline.Stage) string {
	switch {
	case r.cancelled:
		return "workflow cancelled"
	case r.halted:
		return "upstream critical failure"
	}
	switch stage {
	case pipeline.StageDependencyResolution:
		if r.o.resolver == nil {
			return "dependency resolver not configured"
		}
	case pipeline.StageAudit:
		if r.o.analyzer == nil {
			return "audit disabled"
		}
	case pipeline.StageDeployment:
		switch {
		case r.req.Options.SkipDeployment:
			return "deployment not requested"
		case r.o.deployer == nil:
			return "deployment disabled"
		case r.state.Artifact == nil:
			return "no compiled artifact"
		}
	case pipeline.StageVerification:
		switch {
		case r.req.Options.SkipVerification:
			return "verification not requested"
		case r.o.verifier == nil:
			return "verification disabled"
		case r.state.Deployment == nil:
			return "no deployment to verify"
		}
	}
	return ""
}

func (r *run) skip(stage pipeline.Stage, reason string) error {
	r.o.contexts.AddStageResult(r.wf, stage, pipeline.StageSkipped,
		map[string]any{"reason": reason}, nil, "", 0)
	r.o.metrics.ObserveStage(string(stage), string(pipeline.StageSkipped), 0)
	return r.o.contexts.Save(r.persist, r.wf)
}

// record 是每次阶段尝试后的持久化回调。
func (r *run) record(report healing.AttemptReport) error {
	status := pipeline.StageSuccess
	if !report.Outcome.OK() {
		status = pipeline.StageError
	}
	r.o.contexts.AddStageResult(r.wf, report.Stage, status, report.Outcome.Output,
		report.Outcome.Err, report.Category, report.Duration)
	if err := report.Outcome.Err; err != nil {
		r.o.contexts.RecordError(r.wf, pipeline.ErrorRecord{
			Stage:       report.Stage,
			Attempt:     report.Attempt,
			Category:    report.Category,
			Code:        string(xerrors.CodeOf(err)),
			Message:     err.Error(),
			Remediation: report.Remediation,
		})
	}
	r.o.metrics.ObserveStage(string(report.Stage), string(status), report.Duration)
	if report.Remediation != nil {
		r.o.metrics.ObserveAutofix(string(report.Category), report.Remediation.Applied)
	}
	if report.Terminal && status == pipeline.StageError {
		logger.Audit().Warn("stage failed",
			slog.String("workflow_id", r.wf.WorkflowID),
			slog.String("stage", string(report.Stage)),
			slog.String("category", string(report.Category)),
			slog.Int("attempt", report.Attempt))
	}
	return r.o.contexts.Save(r.persist, r.wf)
}

// timed 为阶段加上超时。超时按阶段类型归为网络超时或工具超时。
func (r *run) timed(stage pipeline.Stage, fn stageFunc) healing.StageFunc {
	return func(ctx context.Context, _ int) pipeline.StageOutcome {
		limit := r.o.settings.timeout(stage)
		stageCtx := ctx
		if limit > 0 {
			var cancel context.CancelFunc
			stageCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}
		outcome := fn(stageCtx)
		if outcome.Err != nil && ctx.Err() == nil && stdErrors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			outcome.Err = timeoutError(stage, limit, outcome.Err)
		}
		return outcome
	}
}

func timeoutError(stage pipeline.Stage, limit time.Duration, cause error) error {
	message := fmt.Sprintf("%s 阶段超时（%s）", stage, limit)
	if stage.Network() {
		return xerrors.Wrap(xerrors.CodeTimeout, cause, message,
			xerrors.WithMetadata(xerrors.MetaStage, string(stage)))
	}
	opts := []xerrors.Option{xerrors.WithMetadata(xerrors.MetaStage, string(stage))}
	if tool := xerrors.MetadataValue(cause, xerrors.MetaTool); tool != "" {
		opts = append(opts, xerrors.WithMetadata(xerrors.MetaTool, tool))
	}
	return xerrors.Wrap(xerrors.CodeToolTimeout, cause, message, opts...)
}

func (r *run) parseInput(context.Context) pipeline.StageOutcome {
	intent, err := ParseIntent(r.state.Prompt)
	if err != nil {
		return pipeline.Failed(err, nil)
	}
	r.state.Intent = intent
	output := map[string]any{
		"kind": string(intent.Kind),
		"name": intent.Name,
	}
	if intent.Symbol != "" {
		output["symbol"] = intent.Symbol
	}
	if len(intent.Features) > 0 {
		output["features"] = intent.Features
	}
	return pipeline.Succeeded(output)
}

func (r *run) generate(ctx context.Context) pipeline.StageOutcome {
	var guidelines []llm.Guideline
	if r.o.knowledge != nil {
		guidelines = r.o.knowledge.Query(r.state.Prompt, r.state.Intent.Kind)
	}
	contract, err := r.o.generator.Generate(ctx, llm.GenerationRequest{
		WorkflowID: r.wf.WorkflowID,
		Prompt:     r.state.Prompt,
		Intent:     r.state.Intent,
		Guidelines: guidelines,
	})
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeGenerationFailed, err, "合约生成失败")
		}
		return pipeline.Failed(err, nil)
	}
	if contract == nil || strings.TrimSpace(contract.Source) == "" {
		return pipeline.Failed(xerrors.New(xerrors.CodeGenerationFailed, "生成器返回了空源码"), nil)
	}
	if contract.Name != "" {
		r.state.Intent.Name = contract.Name
	}

	path := filepath.Join(r.env.ContractsDir(), r.state.Intent.Name+".sol")
	if err := os.WriteFile(path, []byte(contract.Source), 0o644); err != nil {
		return pipeline.Failed(xerrors.Wrap(xerrors.CodeEnvironmentFailure, err, "写入合约源码失败",
			xerrors.WithMetadata("path", path)), nil)
	}
	r.state.SourcePath = path
	r.state.Source = contract.Source
	digest := blake3.Sum256([]byte(contract.Source))
	return pipeline.Succeeded(map[string]any{
		"contract_name": r.state.Intent.Name,
		"source_path":   path,
		"model":         contract.Model,
		"guidelines":    len(guidelines),
		"source_blake3": hex.EncodeToString(digest[:]),
	})
}

func (r *run) resolveDependencies(ctx context.Context) pipeline.StageOutcome {
	deps, result, err := r.o.resolver.Resolve(ctx, r.state.Source, r.state.Workspace)
	r.state.Dependencies = deps
	r.state.Installed = mergeUnique(r.state.Installed, result.Succeeded)
	output := map[string]any{
		"detected":  deps,
		"installed": result.Succeeded,
	}
	if len(result.Failed) > 0 {
		output["failed"] = result.Failed
	}
	if err != nil {
		return pipeline.Failed(xerrors.Wrap(xerrors.CodeDependencyInstall, err, "更新依赖路径映射失败"), output)
	}
	if !result.OK() {
		return pipeline.Failed(result.Err(), output)
	}
	return pipeline.Succeeded(output)
}

func (r *run) compile(ctx context.Context) pipeline.StageOutcome {
	artifact, err := r.o.compiler.Compile(ctx, compiler.Request{
		Workspace:    r.state.Workspace,
		SourcePath:   r.state.SourcePath,
		ContractName: r.state.Intent.Name,
	})
	if err != nil {
		return pipeline.Failed(err, nil)
	}
	r.state.Artifact = artifact
	return pipeline.Succeeded(map[string]any{
		"contract_name":  artifact.ContractName,
		"bytecode_bytes": len(strings.TrimPrefix(artifact.Bytecode, "0x")) / 2,
		"compiler":       artifact.Compiler,
	})
}

func (r *run) audit(ctx context.Context) pipeline.StageOutcome {
	report, err := r.o.analyzer.Analyze(ctx, r.state.Workspace, r.state.SourcePath)
	if err != nil {
		return pipeline.Failed(err, nil)
	}
	r.state.Audit = report
	output := map[string]any{
		"tool":          report.Tool,
		"high":          report.Count(pipeline.SeverityHigh),
		"medium":        report.Count(pipeline.SeverityMedium),
		"low":           report.Count(pipeline.SeverityLow),
		"informational": report.Count(pipeline.SeverityInformational),
	}
	if high := report.Count(pipeline.SeverityHigh); high > 0 && r.o.auditGate(r.req.Options) {
		return pipeline.Failed(xerrors.New(xerrors.CodeAuditBlocked,
			fmt.Sprintf("审计发现 %d 个高危问题", high)), output)
	}
	return pipeline.Succeeded(output)
}

func (r *run) deployContract(ctx context.Context) pipeline.StageOutcome {
	receipt, err := r.o.deployer.Deploy(ctx, provider.DeployRequest{
		Network:  r.state.Network,
		Artifact: r.state.Artifact,
		Args:     r.req.Options.ConstructorArgs,
	})
	if err != nil {
		return pipeline.Failed(err, nil)
	}
	r.state.Deployment = receipt
	return pipeline.Succeeded(map[string]any{
		"network":          receipt.Network,
		"chain_id":         receipt.ChainID,
		"contract_address": receipt.ContractAddress,
		"tx_hash":          receipt.TxHash,
		"block_number":     receipt.BlockNumber,
		"gas_used":         receipt.GasUsed,
	})
}

func (r *run) verifySource(ctx context.Context) pipeline.StageOutcome {
	settings := r.o.settings
	req := verify.Request{
		ChainID:         r.state.Deployment.ChainID,
		Address:         r.state.Deployment.ContractAddress,
		ContractName:    r.state.Intent.Name,
		Workspace:       r.state.Workspace,
		SourcePath:      r.state.SourcePath,
		CompilerVersion: settings.CompilerVersion,
		Optimize:        settings.Optimize,
		Runs:            settings.OptimizerRuns,
	}
	if req.CompilerVersion == "" && r.state.Artifact != nil {
		req.CompilerVersion = r.state.Artifact.Compiler
	}
	if settings.ExplorerFor != nil {
		req.APIURL = settings.ExplorerFor(r.state.Network)
	}
	result, err := r.o.verifier.Verify(ctx, req)
	if err != nil {
		return pipeline.Failed(err, nil)
	}
	r.state.Verification = result
	return pipeline.Succeeded(map[string]any{
		"status":  result.Status,
		"guid":    result.GUID,
		"message": result.Message,
	})
}

// finish 执行 Output 阶段。取消后的运行使用脱离取消的上下文，保证结果落盘。
func (r *run) finish() (*Result, error) {
	o := r.o
	ctx := r.persist
	r.current = pipeline.StageOutput
	started := time.Now()

	status := r.finalStatus()
	if status == pipeline.StatusCancelled && len(r.suggestions) == 0 {
		r.suggestions = append(r.suggestions, "工作流在执行中被取消，可使用相同需求重新运行")
	}

	preserved := false
	if status != pipeline.StatusSuccess {
		if err := o.envs.PreserveForDebugging(r.wf.WorkflowID, string(status)); err != nil {
			r.log.Warn("保留隔离环境失败", slog.Any("error", err))
		} else {
			preserved = true
		}
	}

	var versions map[string]string
	if o.probe != nil {
		versions = o.probe.Versions(ctx)
	}
	if err := r.wf.Transition(status); err != nil {
		r.log.Error("更新工作流状态失败", slog.Any("error", err))
	}

	location, _, err := o.contexts.SaveDiagnosticBundle(ctx, r.wf, contextstore.BundleInput{
		EnvironmentPath:  r.env.Path,
		Preserved:        preserved,
		ToolVersions:     versions,
		Suggestions:      r.suggestions,
		ArtifactPatterns: o.settings.ArtifactPatterns,
	})
	if err != nil {
		o.fatal(ctx, r.wf.WorkflowID, string(pipeline.StageOutput), err)
		return nil, err
	}

	output := map[string]any{
		"status":           string(status),
		"exit_code":        status.ExitCode(),
		"diagnostics_path": location,
		"environment_path": r.env.Path,
		"preserved":        preserved,
	}
	if r.state.Deployment != nil {
		output["contract_address"] = r.state.Deployment.ContractAddress
	}
	if len(r.suggestions) > 0 {
		output["suggestions"] = r.suggestions
	}
	o.contexts.AddStageResult(r.wf, pipeline.StageOutput, pipeline.StageSuccess, output, nil, "", time.Since(started))
	o.metrics.ObserveStage(string(pipeline.StageOutput), string(pipeline.StageSuccess), time.Since(started))
	if err := o.contexts.Save(ctx, r.wf); err != nil {
		o.fatal(ctx, r.wf.WorkflowID, string(pipeline.StageOutput), err)
		return nil, err
	}

	if status == pipeline.StatusSuccess && !o.settings.KeepSuccessfulWorkspace {
		if err := o.envs.Cleanup(r.wf.WorkflowID); err != nil {
			r.log.Warn("清理隔离环境失败", slog.Any("error", err))
		}
	}

	duration := time.Since(r.started)
	o.metrics.ObserveWorkflow(string(status), duration)
	r.notify(ctx, status)
	logger.Audit().Info("workflow finished",
		slog.String("workflow_id", r.wf.WorkflowID),
		slog.String("status", string(status)),
		slog.Duration("duration", duration))
	r.log.Info("工作流执行结束",
		slog.String("status", string(status)),
		slog.String("diagnostics", location))

	return &Result{
		WorkflowID:      r.wf.WorkflowID,
		Status:          status,
		ExitCode:        status.ExitCode(),
		Intent:          r.state.Intent,
		Stages:          Summarize(r.wf),
		DiagnosticsPath: location,
		EnvironmentPath: r.env.Path,
		Preserved:       preserved,
		Suggestions:     append([]string(nil), r.suggestions...),
		Audit:           r.state.Audit,
		Deployment:      r.state.Deployment,
		Verification:    r.state.Verification,
		Duration:        duration,
	}, nil
}

// finalStatus 的优先级为 cancelled > error > completed_with_errors > success。
func (r *run) finalStatus() pipeline.WorkflowStatus {
	switch {
	case r.cancelled:
		return pipeline.StatusCancelled
	case r.halted:
		return pipeline.StatusError
	case r.nonCritical:
		return pipeline.StatusCompletedWithErrors
	default:
		return pipeline.StatusSuccess
	}
}

func (r *run) notify(ctx context.Context, status pipeline.WorkflowStatus) {
	var event alerting.Event
	switch status {
	case pipeline.StatusCancelled:
		event = alerting.Event{
			Code:     xerrors.CodeWorkflowCancelled,
			Message:  "工作流被取消",
			Severity: xerrors.SeverityWarning,
		}
	case pipeline.StatusError:
		event = alerting.Event{
			Code:     xerrors.CodeOf(r.criticalErr),
			Message:  errorText(r.criticalErr),
			Severity: xerrors.SeverityCritical,
		}
		if last, ok := lastError(r.wf); ok {
			event.Stage = string(last.Stage)
			event.Attempts = last.Attempt
		}
		event.MaxRetries = r.o.handler.MaxRetries()
	default:
		return
	}
	event.WorkflowID = r.wf.WorkflowID
	event.Status = string(status)
	event.OccurredAt = time.Now().UTC()
	event.Metadata = map[string]string{"environment_path": r.env.Path}
	r.o.alert(ctx, event)
}

func lastError(wf *pipeline.WorkflowContext) (pipeline.ErrorRecord, bool) {
	if len(wf.Errors) == 0 {
		return pipeline.ErrorRecord{}, false
	}
	return wf.Errors[len(wf.Errors)-1], true
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func mergeUnique(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	merged := make([]string, 0, len(existing)+len(added))
	for _, list := range [][]string{existing, added} {
		for _, item := range list {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			merged = append(merged, item)
		}
	}
	return merged
}
