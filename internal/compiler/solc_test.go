package compiler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ChainForge/internal/dependency"
	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/toolchain"
)

type fakeRunner struct {
	result toolchain.Result
	err    error
	calls  []toolchain.Command
}

func (f *fakeRunner) Run(_ context.Context, cmd toolchain.Command) (toolchain.Result, error) {
	f.calls = append(f.calls, cmd)
	return f.result, f.err
}

const combined = `{
  "contracts": {
    "contracts/TestToken.sol:Ownable": {"abi": [], "bin": ""},
    "contracts/TestToken.sol:TestToken": {"abi": [{"type":"constructor","inputs":[]}], "bin": "6080604052"}
  },
  "version": "0.8.24+commit.e11b9ed9.Linux.g++"
}`

func newWorkspace(t *testing.T) string {
	t.Helper()
	workspace := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workspace, "contracts"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return workspace
}

func TestCompileParsesArtifact(t *testing.T) {
	workspace := newWorkspace(t)
	if err := dependency.WriteRemappings(workspace, []string{"@openzeppelin/contracts"}); err != nil {
		t.Fatalf("remappings: %v", err)
	}
	runner := &fakeRunner{result: toolchain.Result{Stdout: []byte(combined)}}
	solc := New("sh", runner, WithOptimizer(500))

	artifact, err := solc.Compile(context.Background(), Request{
		Workspace:    workspace,
		SourcePath:   filepath.Join(workspace, "contracts", "TestToken.sol"),
		ContractName: "TestToken",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if artifact.Bytecode != "6080604052" || !strings.HasPrefix(artifact.Compiler, "0.8.24") {
		t.Fatalf("unexpected artifact %+v", artifact)
	}
	if _, err := os.Stat(filepath.Join(workspace, "build", "TestToken.json")); err != nil {
		t.Fatalf("expected build output: %v", err)
	}

	args := strings.Join(runner.calls[0].Args, " ")
	for _, want := range []string{
		"@openzeppelin/contracts/=node_modules/@openzeppelin/contracts/",
		"--combined-json abi,bin",
		"--optimize-runs 500",
		"contracts/TestToken.sol",
	} {
		if !strings.Contains(args, want) {
			t.Fatalf("expected %q in args %q", want, args)
		}
	}
	if runner.calls[0].Dir != workspace {
		t.Fatalf("solc should run inside the workspace, got %q", runner.calls[0].Dir)
	}
}

func TestCompileFailureCarriesCompilerOutput(t *testing.T) {
	workspace := newWorkspace(t)
	stderr := `ParserError: Source "@openzeppelin/contracts/token/ERC20/ERC20.sol" not found: File not found.`
	runner := &fakeRunner{result: toolchain.Result{Stderr: []byte(stderr), ExitCode: 1}}

	_, err := New("sh", runner).Compile(context.Background(), Request{
		Workspace:  workspace,
		SourcePath: filepath.Join(workspace, "contracts", "A.sol"),
	})
	if xerrors.CodeOf(err) != xerrors.CodeCompilationFailed {
		t.Fatalf("expected compilation failure, got %v", err)
	}
	if !strings.Contains(err.Error(), `Source "@openzeppelin/contracts/token/ERC20/ERC20.sol" not found`) {
		t.Fatalf("compiler output missing from error: %v", err)
	}
}

func TestCompileMissingBinary(t *testing.T) {
	runner := &fakeRunner{}
	_, err := New("chainforge-missing-solc", runner).Compile(context.Background(), Request{Workspace: t.TempDir()})
	if xerrors.CodeOf(err) != xerrors.CodeToolNotFound {
		t.Fatalf("expected tool not found, got %v", err)
	}
	if xerrors.MetadataValue(err, xerrors.MetaTool) != toolchain.ToolSolc {
		t.Fatalf("expected tool metadata, got %v", err)
	}
	if len(runner.calls) != 0 {
		t.Fatalf("runner should not be invoked")
	}
}

func TestParseCombinedJSONLegacyStringABI(t *testing.T) {
	payload := `{"contracts":{"A.sol:A":{"abi":"[{\"type\":\"fallback\"}]","bin":"00"}},"version":"0.7.6"}`
	artifact, err := ParseCombinedJSON([]byte(payload), "")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(artifact.ABI) != `[{"type":"fallback"}]` || artifact.ContractName != "A" {
		t.Fatalf("unexpected artifact %+v", artifact)
	}
	if _, err := ParseCombinedJSON([]byte(payload), "B"); err == nil {
		t.Fatalf("expected error for unknown contract")
	}
}
