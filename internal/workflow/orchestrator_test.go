package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"ChainForge/internal/compiler"
	"ChainForge/internal/contextstore"
	"ChainForge/internal/dependency"
	"ChainForge/internal/environment"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/healing"
	"ChainForge/internal/llm/template"
	"ChainForge/internal/observability/alerting"
	"ChainForge/internal/observability/metrics"
	"ChainForge/internal/pipeline"
	"ChainForge/internal/toolchain"
	"ChainForge/internal/verify"
	"ChainForge/internal/web3/provider"
)

func noSleep(context.Context, time.Duration) error { return nil }

type compileFunc func(ctx context.Context, req compiler.Request) (*pipeline.Artifact, error)

func (f compileFunc) Compile(ctx context.Context, req compiler.Request) (*pipeline.Artifact, error) {
	return f(ctx, req)
}

type analyzeFunc func(ctx context.Context, workspace, sourcePath string) (*pipeline.AuditReport, error)

func (f analyzeFunc) Analyze(ctx context.Context, workspace, sourcePath string) (*pipeline.AuditReport, error) {
	return f(ctx, workspace, sourcePath)
}

type deployFunc func(ctx context.Context, req provider.DeployRequest) (*pipeline.DeploymentReceipt, error)

func (f deployFunc) Deploy(ctx context.Context, req provider.DeployRequest) (*pipeline.DeploymentReceipt, error) {
	return f(ctx, req)
}

type verifyFunc func(ctx context.Context, req verify.Request) (*pipeline.VerificationResult, error)

func (f verifyFunc) Verify(ctx context.Context, req verify.Request) (*pipeline.VerificationResult, error) {
	return f(ctx, req)
}

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

type failingStorage struct {
	*contextstore.MemoryStorage
}

func (failingStorage) SaveContext(context.Context, *pipeline.WorkflowContext) error {
	return errors.New("disk full")
}

// fakeInstaller 模拟 npm，把包写入 node_modules。
type fakeInstaller struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeInstaller) Install(_ context.Context, pkg, prefix string) error {
	f.mu.Lock()
	f.calls = append(f.calls, pkg)
	f.mu.Unlock()
	dir := filepath.Join(prefix, "node_modules", filepath.FromSlash(pkg))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"`+pkg+`"}`), 0o644)
}

func okCompiler() compileFunc {
	return func(_ context.Context, req compiler.Request) (*pipeline.Artifact, error) {
		return &pipeline.Artifact{
			ContractName: req.ContractName,
			ABI:          json.RawMessage(`[]`),
			Bytecode:     "0x6080",
			Compiler:     "0.8.24+commit.e11b9ed9",
		}, nil
	}
}

func cleanAnalyzer() analyzeFunc {
	return func(context.Context, string, string) (*pipeline.AuditReport, error) {
		return &pipeline.AuditReport{Tool: "slither"}, nil
	}
}

func okDeployer() deployFunc {
	return func(_ context.Context, req provider.DeployRequest) (*pipeline.DeploymentReceipt, error) {
		return &pipeline.DeploymentReceipt{
			Network:         req.Network,
			ChainID:         "1337",
			ContractAddress: "0x00000000000000000000000000000000000000aa",
			TxHash:          "0xabc",
			BlockNumber:     1,
		}, nil
	}
}

func okVerifier() verifyFunc {
	return func(context.Context, verify.Request) (*pipeline.VerificationResult, error) {
		return &pipeline.VerificationResult{GUID: "guid", Status: "verified"}, nil
	}
}

type harness struct {
	root     string
	storage  *contextstore.FileStorage
	contexts *contextstore.Manager
	envs     *environment.Manager
	metrics  *metrics.Collector
	alerts   *recordingAlerts
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	storage, err := contextstore.NewFileStorage(root)
	if err != nil {
		t.Fatalf("file storage: %v", err)
	}
	return &harness{
		root:     root,
		storage:  storage,
		contexts: contextstore.NewManager(storage),
		envs:     environment.NewManager(root),
		metrics:  metrics.New(),
		alerts:   &recordingAlerts{},
	}
}

func (h *harness) orchestrator(t *testing.T, comp Compiler, registry *healing.Registry, opts ...Option) *Orchestrator {
	t.Helper()
	handler := healing.NewHandler(nil, registry, healing.WithMaxRetries(3), healing.WithSleeper(noSleep))
	base := []Option{
		WithMetrics(h.metrics),
		WithAlerts(h.alerts),
		WithSettings(Settings{DefaultNetwork: "local"}),
	}
	o, err := New(h.envs, h.contexts, handler, template.New(), comp, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func (h *harness) load(t *testing.T, id string) *pipeline.WorkflowContext {
	t.Helper()
	wf, err := h.contexts.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("load context: %v", err)
	}
	return wf
}

func stageOrder(wf *pipeline.WorkflowContext) []pipeline.Stage {
	var order []pipeline.Stage
	for _, result := range wf.StageResults {
		if len(order) == 0 || order[len(order)-1] != result.Stage {
			order = append(order, result.Stage)
		}
	}
	return order
}

func assertOrder(t *testing.T, wf *pipeline.WorkflowContext) {
	t.Helper()
	order := stageOrder(wf)
	if len(order) != len(pipeline.Stages) {
		t.Fatalf("expected every stage recorded once in order, got %v", order)
	}
	for i, stage := range pipeline.Stages {
		if order[i] != stage {
			t.Fatalf("stage %d: expected %s, got %s", i, stage, order[i])
		}
	}
}

func TestRunSuccessRecordsEveryStage(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, okCompiler(), nil,
		WithAnalyzer(cleanAnalyzer()),
		WithDeployer(okDeployer()),
		WithVerifier(okVerifier()),
		WithIDGenerator(func() string { return "wf-success" }),
	)

	result, err := o.Run(context.Background(), RunRequest{Prompt: "Create ERC20 TestToken"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != pipeline.StatusSuccess || result.ExitCode != 0 {
		t.Fatalf("unexpected status %s exit %d: %+v", result.Status, result.ExitCode, result.Stages)
	}
	if result.Intent.Name != "TestToken" || result.Intent.Symbol != "TT" {
		t.Fatalf("unexpected intent %+v", result.Intent)
	}
	if result.Deployment == nil || result.Deployment.Network != "local" {
		t.Fatalf("expected deployment on default network, got %+v", result.Deployment)
	}

	wf := h.load(t, "wf-success")
	assertOrder(t, wf)
	if wf.Status != pipeline.StatusSuccess {
		t.Fatalf("persisted status %s", wf.Status)
	}
	last := wf.StageResults[len(wf.StageResults)-1]
	if last.Stage != pipeline.StageOutput || last.Output["diagnostics_path"] == "" {
		t.Fatalf("expected output stage last with diagnostics path, got %+v", last)
	}
	if _, err := os.Stat(h.storage.BundlePath("wf-success")); err != nil {
		t.Fatalf("expected diagnostic bundle: %v", err)
	}
	if _, err := os.Stat(result.EnvironmentPath); !os.IsNotExist(err) {
		t.Fatalf("expected environment cleaned up, stat err=%v", err)
	}
	if h.metrics.WorkflowCount("success") != 1 {
		t.Fatalf("expected workflow metric")
	}
	if len(h.alerts.events) != 0 {
		t.Fatalf("expected no alerts, got %+v", h.alerts.events)
	}
}

func TestRunMissingCompilerHaltsPipeline(t *testing.T) {
	h := newHarness(t)
	comp := compileFunc(func(context.Context, compiler.Request) (*pipeline.Artifact, error) {
		return nil, toolchain.NotFound(toolchain.ToolSolc, errors.New("exec: \"solc\": executable file not found in $PATH"))
	})
	o := h.orchestrator(t, comp, healing.DefaultRegistry(nil),
		WithAnalyzer(cleanAnalyzer()),
		WithDeployer(okDeployer()),
		WithIDGenerator(func() string { return "wf-nosolc" }),
	)

	result, err := o.Run(context.Background(), RunRequest{Prompt: "Create ERC20 TestToken"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != pipeline.StatusError || result.ExitCode != 1 {
		t.Fatalf("expected error status, got %s", result.Status)
	}

	wf := h.load(t, "wf-nosolc")
	assertOrder(t, wf)
	compiles := wf.ResultsFor(pipeline.StageCompilation)
	if len(compiles) != 1 || compiles[0].ErrorType != pipeline.CategoryToolNotFound {
		t.Fatalf("expected a single TOOL_NOT_FOUND attempt, got %+v", compiles)
	}
	for _, stage := range []pipeline.Stage{pipeline.StageAudit, pipeline.StageDeployment, pipeline.StageVerification} {
		last, _ := wf.LastResult(stage)
		if last.Status != pipeline.StageSkipped {
			t.Fatalf("expected %s skipped, got %s", stage, last.Status)
		}
	}
	if len(result.Suggestions) == 0 || !strings.Contains(result.Suggestions[0], "solc") {
		t.Fatalf("expected install suggestion for solc, got %v", result.Suggestions)
	}
	if !result.Preserved {
		t.Fatalf("expected environment preserved")
	}
	if _, err := os.Stat(filepath.Join(result.EnvironmentPath, environment.MarkerFile)); err != nil {
		t.Fatalf("expected preserve marker: %v", err)
	}
	bundle, err := h.contexts.LoadDiagnosticBundle(context.Background(), "wf-nosolc")
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	if bundle.Context.Status != pipeline.StatusError || len(bundle.Suggestions) == 0 {
		t.Fatalf("unexpected bundle %+v", bundle)
	}
	if len(h.alerts.events) != 1 || h.alerts.events[0].Stage != string(pipeline.StageCompilation) {
		t.Fatalf("expected one alert for compilation, got %+v", h.alerts.events)
	}
}

func TestRunDeploymentTimeoutCompletesWithErrors(t *testing.T) {
	h := newHarness(t)
	calls := 0
	deployer := deployFunc(func(context.Context, provider.DeployRequest) (*pipeline.DeploymentReceipt, error) {
		calls++
		return nil, xerrors.New(xerrors.CodeTimeout, "rpc request timed out")
	})
	o := h.orchestrator(t, okCompiler(), healing.DefaultRegistry(nil),
		WithAnalyzer(cleanAnalyzer()),
		WithDeployer(deployer),
		WithVerifier(okVerifier()),
		WithIDGenerator(func() string { return "wf-timeout" }),
	)

	result, err := o.Run(context.Background(), RunRequest{Prompt: "Create ERC20 TestToken", Network: "sepolia"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != pipeline.StatusCompletedWithErrors || result.ExitCode != 0 {
		t.Fatalf("expected completed_with_errors, got %s", result.Status)
	}
	if calls != 4 {
		t.Fatalf("expected initial attempt plus three retries, got %d", calls)
	}

	wf := h.load(t, "wf-timeout")
	assertOrder(t, wf)
	if wf.RetryAttempts[pipeline.StageDeployment] != 3 {
		t.Fatalf("expected 3 recorded retries, got %v", wf.RetryAttempts)
	}
	for _, record := range wf.Errors {
		if record.Stage != pipeline.StageDeployment || record.Category != pipeline.CategoryNetworkTimeout {
			t.Fatalf("unexpected error record %+v", record)
		}
	}
	verification, _ := wf.LastResult(pipeline.StageVerification)
	if verification.Status != pipeline.StageSkipped {
		t.Fatalf("expected verification skipped without a deployment")
	}
	bundle, err := h.contexts.LoadDiagnosticBundle(context.Background(), "wf-timeout")
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	if len(bundle.Context.Errors) != 4 {
		t.Fatalf("expected bundle to carry every timeout, got %d", len(bundle.Context.Errors))
	}
}

func TestRunInstallsMissingDependencyAndRetries(t *testing.T) {
	h := newHarness(t)
	installer := &fakeInstaller{}
	resolver := dependency.NewResolver(installer)
	attempts := 0
	comp := compileFunc(func(ctx context.Context, req compiler.Request) (*pipeline.Artifact, error) {
		attempts++
		marker := filepath.Join(req.Workspace, "node_modules", "@openzeppelin", "contracts", "package.json")
		if _, err := os.Stat(marker); err != nil {
			return nil, xerrors.New(xerrors.CodeCompilationFailed,
				`ParserError: Source "@openzeppelin/contracts/token/ERC20/ERC20.sol" not found: File not found.`)
		}
		if len(dependency.ReadRemappings(req.Workspace)) == 0 {
			return nil, errors.New("remappings were not written")
		}
		return okCompiler()(ctx, req)
	})
	o := h.orchestrator(t, comp, healing.DefaultRegistry(resolver),
		WithIDGenerator(func() string { return "wf-deps" }),
	)

	result, err := o.Run(context.Background(), RunRequest{Prompt: "Create ERC20 TestToken"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != pipeline.StatusSuccess {
		t.Fatalf("expected success after remediation, got %s %+v", result.Status, result.Stages)
	}
	if attempts != 2 {
		t.Fatalf("expected compile to run twice, got %d", attempts)
	}
	if len(installer.calls) != 1 || installer.calls[0] != "@openzeppelin/contracts" {
		t.Fatalf("unexpected installs %v", installer.calls)
	}

	wf := h.load(t, "wf-deps")
	compiles := wf.ResultsFor(pipeline.StageCompilation)
	if len(compiles) != 2 || compiles[0].ErrorType != pipeline.CategoryMissingDependency || compiles[1].Status != pipeline.StageSuccess {
		t.Fatalf("unexpected compilation history %+v", compiles)
	}
	if wf.RetryAttempts[pipeline.StageCompilation] != 1 {
		t.Fatalf("expected one retry, got %v", wf.RetryAttempts)
	}
	if len(wf.Errors) != 1 || wf.Errors[0].Remediation == nil || !wf.Errors[0].Remediation.Applied {
		t.Fatalf("expected applied remediation record, got %+v", wf.Errors)
	}
	for _, stage := range []pipeline.Stage{pipeline.StageDependencyResolution, pipeline.StageAudit, pipeline.StageDeployment} {
		last, _ := wf.LastResult(stage)
		if last.Status != pipeline.StageSkipped {
			t.Fatalf("expected unconfigured %s skipped, got %s", stage, last.Status)
		}
	}
}

func TestRunCancelledStillRunsOutput(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	comp := compileFunc(func(ctx context.Context, req compiler.Request) (*pipeline.Artifact, error) {
		cancel()
		return nil, ctx.Err()
	})
	o := h.orchestrator(t, comp, healing.DefaultRegistry(nil),
		WithDeployer(okDeployer()),
		WithIDGenerator(func() string { return "wf-cancel" }),
	)

	result, err := o.Run(ctx, RunRequest{Prompt: "Create ERC20 TestToken"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != pipeline.StatusCancelled || result.ExitCode != 1 {
		t.Fatalf("expected cancelled, got %s", result.Status)
	}
	if !result.Preserved || result.DiagnosticsPath == "" {
		t.Fatalf("expected preserved environment and bundle, got %+v", result)
	}
	wf := h.load(t, "wf-cancel")
	assertOrder(t, wf)
	if wf.Status != pipeline.StatusCancelled {
		t.Fatalf("persisted status %s", wf.Status)
	}
	deploy, _ := wf.LastResult(pipeline.StageDeployment)
	if deploy.Status != pipeline.StageSkipped || deploy.Output["reason"] != "workflow cancelled" {
		t.Fatalf("expected deployment skipped as cancelled, got %+v", deploy)
	}
	if len(h.alerts.events) != 1 || h.alerts.events[0].Code != xerrors.CodeWorkflowCancelled {
		t.Fatalf("expected cancellation alert, got %+v", h.alerts.events)
	}
}

func TestRunAuditGate(t *testing.T) {
	risky := analyzeFunc(func(context.Context, string, string) (*pipeline.AuditReport, error) {
		return &pipeline.AuditReport{Tool: "slither", Findings: []pipeline.Finding{
			{Check: "reentrancy-eth", Severity: pipeline.SeverityHigh},
		}}, nil
	})
	cases := []struct {
		name   string
		allow  bool
		status pipeline.WorkflowStatus
	}{
		{name: "blocked", status: pipeline.StatusError},
		{name: "allowed", allow: true, status: pipeline.StatusSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			o := h.orchestrator(t, okCompiler(), nil,
				WithAnalyzer(risky),
				WithDeployer(okDeployer()),
				WithSettings(Settings{BlockOnHighSeverity: true}),
				WithIDGenerator(func() string { return "wf-audit-" + tc.name }),
			)
			result, err := o.Run(context.Background(), RunRequest{
				Prompt:  "Create ERC20 TestToken",
				Options: RunOptions{AllowHighSeverity: tc.allow},
			})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if result.Status != tc.status {
				t.Fatalf("expected %s, got %s", tc.status, result.Status)
			}
			wf := h.load(t, result.WorkflowID)
			deploy, _ := wf.LastResult(pipeline.StageDeployment)
			if tc.allow && deploy.Status != pipeline.StageSuccess {
				t.Fatalf("expected deployment to run when high severity is allowed")
			}
			if !tc.allow && deploy.Status != pipeline.StageSkipped {
				t.Fatalf("expected deployment skipped behind audit gate")
			}
		})
	}
}

func TestRunRecoversStagePanic(t *testing.T) {
	h := newHarness(t)
	comp := compileFunc(func(context.Context, compiler.Request) (*pipeline.Artifact, error) {
		panic("boom")
	})
	o := h.orchestrator(t, comp, nil, WithIDGenerator(func() string { return "wf-panic" }))

	result, err := o.Run(context.Background(), RunRequest{Prompt: "Create ERC20 TestToken"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != pipeline.StatusError {
		t.Fatalf("expected error status, got %s", result.Status)
	}
	last, _ := h.load(t, "wf-panic").LastResult(pipeline.StageCompilation)
	if !strings.Contains(last.Error, "panicked") {
		t.Fatalf("expected panic recorded as stage error, got %q", last.Error)
	}
}

func TestRunReturnsPersistenceFailure(t *testing.T) {
	root := t.TempDir()
	contexts := contextstore.NewManager(failingStorage{contextstore.NewMemoryStorage()})
	alerts := &recordingAlerts{}
	o, err := New(environment.NewManager(root), contexts, nil, template.New(), okCompiler(),
		WithAlerts(alerts), WithMetrics(metrics.New()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	result, err := o.Run(context.Background(), RunRequest{WorkflowID: "wf-fatal", Prompt: "Create ERC20 TestToken"})
	if err == nil || result != nil {
		t.Fatalf("expected fatal error, got result=%+v err=%v", result, err)
	}
	if xerrors.CodeOf(err) != xerrors.CodePersistenceFailure || !xerrors.IsFatal(err) {
		t.Fatalf("expected fatal persistence failure, got %v", err)
	}
	if len(alerts.events) != 1 || alerts.events[0].Code != xerrors.CodePersistenceFailure {
		t.Fatalf("expected fatal alert, got %+v", alerts.events)
	}
}

func TestRunStageTimeoutClassification(t *testing.T) {
	block := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	h := newHarness(t)
	comp := compileFunc(func(ctx context.Context, _ compiler.Request) (*pipeline.Artifact, error) {
		return nil, block(ctx)
	})
	o := h.orchestrator(t, comp, healing.NewRegistry(),
		WithSettings(Settings{StageTimeouts: map[pipeline.Stage]time.Duration{pipeline.StageCompilation: 10 * time.Millisecond}}),
		WithIDGenerator(func() string { return "wf-slow-compile" }),
	)
	if _, err := o.Run(context.Background(), RunRequest{Prompt: "Create ERC20 TestToken"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	last, _ := h.load(t, "wf-slow-compile").LastResult(pipeline.StageCompilation)
	if last.ErrorType != pipeline.CategoryToolNotFound {
		t.Fatalf("expected process timeout classified as TOOL_NOT_FOUND, got %s", last.ErrorType)
	}

	h = newHarness(t)
	deployer := deployFunc(func(ctx context.Context, _ provider.DeployRequest) (*pipeline.DeploymentReceipt, error) {
		return nil, block(ctx)
	})
	o = h.orchestrator(t, okCompiler(), healing.NewRegistry(),
		WithDeployer(deployer),
		WithSettings(Settings{StageTimeouts: map[pipeline.Stage]time.Duration{pipeline.StageDeployment: 10 * time.Millisecond}}),
		WithIDGenerator(func() string { return "wf-slow-deploy" }),
	)
	result, err := o.Run(context.Background(), RunRequest{Prompt: "Create ERC20 TestToken"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != pipeline.StatusCompletedWithErrors {
		t.Fatalf("expected completed_with_errors, got %s", result.Status)
	}
	deploy, _ := h.load(t, "wf-slow-deploy").LastResult(pipeline.StageDeployment)
	if deploy.ErrorType != pipeline.CategoryNetworkTimeout {
		t.Fatalf("expected NETWORK_TIMEOUT, got %s", deploy.ErrorType)
	}
}

func TestRunRejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, okCompiler(), nil, WithIDGenerator(func() string { return "wf-empty" }))
	result, err := o.Run(context.Background(), RunRequest{Prompt: "   "})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != pipeline.StatusError {
		t.Fatalf("expected error status, got %s", result.Status)
	}
	if result.Stages[0].Stage != pipeline.StageInputParsing || result.Stages[0].Status != pipeline.StageError {
		t.Fatalf("expected input parsing failure, got %+v", result.Stages[0])
	}
	wf := h.load(t, "wf-empty")
	if len(wf.Errors) != 1 || wf.Errors[0].Code != string(xerrors.CodeInvalidPrompt) {
		t.Fatalf("unexpected errors %+v", wf.Errors)
	}
}

func TestRunReleasesEnvironmentOnEveryTerminalStatus(t *testing.T) {
	h := newHarness(t)
	failing := compileFunc(func(context.Context, compiler.Request) (*pipeline.Artifact, error) {
		return nil, toolchain.NotFound(toolchain.ToolSolc, errors.New("exec: \"solc\": executable file not found in $PATH"))
	})
	o := h.orchestrator(t, failing, healing.DefaultRegistry(nil))
	var preserved []string
	for i := 0; i < 5; i++ {
		id := "wf-fail-" + string(rune('a'+i))
		result, err := o.Run(context.Background(), RunRequest{WorkflowID: id, Prompt: "Create ERC20 TestToken"})
		if err != nil {
			t.Fatalf("run %s: %v", id, err)
		}
		if result.Status != pipeline.StatusError {
			t.Fatalf("run %s: expected error status, got %s", id, result.Status)
		}
		preserved = append(preserved, result.EnvironmentPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelling := compileFunc(func(ctx context.Context, _ compiler.Request) (*pipeline.Artifact, error) {
		cancel()
		return nil, ctx.Err()
	})
	o = h.orchestrator(t, cancelling, healing.DefaultRegistry(nil))
	result, err := o.Run(ctx, RunRequest{WorkflowID: "wf-cancelled", Prompt: "Create ERC20 TestToken"})
	if err != nil || result.Status != pipeline.StatusCancelled {
		t.Fatalf("expected cancelled run, got %+v %v", result, err)
	}
	preserved = append(preserved, result.EnvironmentPath)

	if envs := h.envs.List(); len(envs) != 0 {
		t.Fatalf("environment registry still holds %d finished runs", len(envs))
	}
	for _, path := range preserved {
		if _, err := os.Stat(filepath.Join(path, environment.MarkerFile)); err != nil {
			t.Fatalf("preserved environment %s should stay on disk: %v", path, err)
		}
	}
}

func TestRunReleasesEnvironmentAfterPersistenceFailure(t *testing.T) {
	envs := environment.NewManager(t.TempDir())
	contexts := contextstore.NewManager(failingStorage{contextstore.NewMemoryStorage()})
	o, err := New(envs, contexts, nil, template.New(), okCompiler(),
		WithAlerts(&recordingAlerts{}), WithMetrics(metrics.New()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := o.Run(context.Background(), RunRequest{WorkflowID: "wf-fatal", Prompt: "Create ERC20 TestToken"}); err == nil {
		t.Fatalf("expected fatal error")
	}
	if len(envs.List()) != 0 {
		t.Fatalf("aborted run should not stay registered")
	}
}

func TestRunRejectsPathLikeWorkflowID(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(t, okCompiler(), nil)
	result, err := o.Run(context.Background(), RunRequest{WorkflowID: "x/../../../escaped", Prompt: "Create ERC20 TestToken"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument || result != nil {
		t.Fatalf("expected INVALID_ARGUMENT, got result=%+v err=%v", result, err)
	}
	if _, err := os.Stat(filepath.Join(h.root, environment.RootDirName)); !os.IsNotExist(err) {
		t.Fatalf("no environment root should be created, stat err=%v", err)
	}
	if len(h.alerts.events) != 0 {
		t.Fatalf("rejected request should not alert, got %+v", h.alerts.events)
	}
}
