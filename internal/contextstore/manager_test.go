package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "ChainForge/internal/errors"
	"ChainForge/internal/pipeline"
)

func newFileManager(t *testing.T) (*Manager, *FileStorage) {
	t.Helper()
	storage, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	return NewManager(storage), storage
}

func TestAddStageResultCountsRetriesAfterErrors(t *testing.T) {
	mgr, _ := newFileManager(t)
	wf := mgr.Create("wf-retry")

	mgr.AddStageResult(wf, pipeline.StageGeneration, pipeline.StageSuccess, nil, nil, "", time.Millisecond)
	mgr.AddStageResult(wf, pipeline.StageCompilation, pipeline.StageError, nil,
		errors.New(`Source "@openzeppelin/contracts/token/ERC20/ERC20.sol" not found`),
		pipeline.CategoryMissingDependency, time.Millisecond)
	mgr.AddStageResult(wf, pipeline.StageCompilation, pipeline.StageSuccess, map[string]any{"contract": "TestToken"}, nil, "", time.Millisecond)

	if got := wf.RetryAttempts[pipeline.StageCompilation]; got != 1 {
		t.Fatalf("expected one compilation retry, got %d", got)
	}
	if _, ok := wf.RetryAttempts[pipeline.StageGeneration]; ok {
		t.Fatalf("generation never failed, retry counter must be absent")
	}
	history := wf.ResultsFor(pipeline.StageCompilation)
	if len(history) != 2 || history[0].Status != pipeline.StageError || history[1].Status != pipeline.StageSuccess {
		t.Fatalf("unexpected compilation history %+v", history)
	}
	if history[0].ErrorType != pipeline.CategoryMissingDependency || history[0].Error == "" {
		t.Fatalf("error details were not recorded: %+v", history[0])
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	mgr, storage := newFileManager(t)
	ctx := context.Background()

	wf := mgr.Create("wf-roundtrip")
	wf.Prompt = "create ERC20 TestToken"
	wf.Network = "sepolia"
	wf.Metadata["network"] = "sepolia"
	wf.Metadata["allow_high_severity"] = "false"
	if err := wf.Transition(pipeline.StatusRunning); err != nil {
		t.Fatalf("transition: %v", err)
	}
	mgr.AddStageResult(wf, pipeline.StageInputParsing, pipeline.StageSuccess,
		map[string]any{"kind": "ERC20", "name": "TestToken"}, nil, "", 3*time.Millisecond)
	mgr.AddStageResult(wf, pipeline.StageCompilation, pipeline.StageError, nil,
		errors.New("ParserError: Expected ';'"), pipeline.CategoryCompilationSyntax, time.Second)
	mgr.RecordError(wf, pipeline.ErrorRecord{
		Stage:    pipeline.StageCompilation,
		Attempt:  1,
		Category: pipeline.CategoryCompilationSyntax,
		Message:  "ParserError: Expected ';'",
		Remediation: &pipeline.Remediation{
			Name:    "sanitize_source",
			Applied: true,
			Diff:    "--- a\n+++ b\n",
		},
	})
	mgr.AddStageResult(wf, pipeline.StageCompilation, pipeline.StageSuccess, map[string]any{"contract": "TestToken"}, nil, "", time.Second)

	if err := mgr.Save(ctx, wf); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(storage.ContextPath("wf-roundtrip")); err != nil {
		t.Fatalf("context file missing: %v", err)
	}

	loaded, err := mgr.Load(ctx, "wf-roundtrip")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(loaded.Metadata, wf.Metadata) {
		t.Fatalf("metadata mismatch: %+v vs %+v", loaded.Metadata, wf.Metadata)
	}
	if !reflect.DeepEqual(loaded.Errors, wf.Errors) {
		t.Fatalf("errors mismatch: %+v vs %+v", loaded.Errors, wf.Errors)
	}
	if !reflect.DeepEqual(loaded.RetryAttempts, wf.RetryAttempts) {
		t.Fatalf("retry attempts mismatch: %+v vs %+v", loaded.RetryAttempts, wf.RetryAttempts)
	}
	want, _ := json.Marshal(wf)
	got, _ := json.Marshal(loaded)
	if string(want) != string(got) {
		t.Fatalf("round trip changed the context:\nwant %s\ngot  %s", want, got)
	}
}

func TestSaveLeavesNoTemporaryFiles(t *testing.T) {
	mgr, storage := newFileManager(t)
	ctx := context.Background()
	wf := mgr.Create("wf-atomic")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clone, _ := wf.Clone()
			if err := mgr.Save(ctx, clone); err != nil {
				t.Errorf("save: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(storage.Dir())
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".tmp") {
			t.Fatalf("temporary file left behind: %s", entry.Name())
		}
	}
	if _, err := mgr.Load(ctx, "wf-atomic"); err != nil {
		t.Fatalf("load after concurrent saves: %v", err)
	}
}

func TestLoadMissingContext(t *testing.T) {
	mgr, _ := newFileManager(t)
	if _, err := mgr.Load(context.Background(), "absent"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := mgr.Load(context.Background(), "../escape"); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for traversal id, got %v", err)
	}
}

func TestSaveFailureIsFatal(t *testing.T) {
	workspace := t.TempDir()
	storage, err := NewFileStorage(workspace)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	if err := os.RemoveAll(storage.Dir()); err != nil {
		t.Fatalf("remove dir: %v", err)
	}
	if err := os.WriteFile(storage.Dir(), []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("block dir: %v", err)
	}

	mgr := NewManager(storage)
	err = mgr.Save(context.Background(), mgr.Create("wf-fatal"))
	if xerrors.CodeOf(err) != xerrors.CodePersistenceFailure || !xerrors.IsFatal(err) {
		t.Fatalf("expected fatal persistence failure, got %v", err)
	}
}

func TestDiagnosticBundleIsWrittenOnce(t *testing.T) {
	mgr, storage := newFileManager(t)
	ctx := context.Background()

	envPath := t.TempDir()
	mustWrite(t, filepath.Join(envPath, "contracts", "TestToken.sol"), "pragma solidity ^0.8.20;")
	mustWrite(t, filepath.Join(envPath, "build", "TestToken.json"), `{"abi":[]}`)
	mustWrite(t, filepath.Join(envPath, "node_modules", "ignored.js"), "module.exports = {}")

	wf := mgr.Create("wf-bundle")
	wf.Metadata["network"] = "sepolia"
	location, bundle, err := mgr.SaveDiagnosticBundle(ctx, wf, BundleInput{
		EnvironmentPath: envPath,
		Preserved:       true,
		ToolVersions:    map[string]string{"solc": "missing"},
		Suggestions:     []string{"install solc"},
	})
	if err != nil {
		t.Fatalf("save bundle: %v", err)
	}
	if location != storage.BundlePath("wf-bundle") {
		t.Fatalf("unexpected bundle location %s", location)
	}
	if len(bundle.Artifacts) != 2 {
		t.Fatalf("expected two artifacts, got %+v", bundle.Artifacts)
	}
	if bundle.Artifacts[0].Path != "build/TestToken.json" || bundle.Artifacts[0].Digest != Digest([]byte(`{"abi":[]}`)) {
		t.Fatalf("unexpected artifact entry %+v", bundle.Artifacts[0])
	}

	wf.Metadata["network"] = "mainnet"
	loaded, err := mgr.LoadDiagnosticBundle(ctx, "wf-bundle")
	if err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	if loaded.Context.Metadata["network"] != "sepolia" {
		t.Fatalf("bundle must hold a snapshot, got %+v", loaded.Context.Metadata)
	}
	if loaded.ToolVersions["solc"] != "missing" || loaded.Suggestions[0] != "install solc" {
		t.Fatalf("unexpected bundle contents %+v", loaded)
	}

	if _, _, err := mgr.SaveDiagnosticBundle(ctx, wf, BundleInput{}); xerrors.CodeOf(err) != xerrors.CodePersistenceFailure {
		t.Fatalf("second bundle must be rejected, got %v", err)
	}
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	mgr := NewManager(NewMemoryStorage())
	ctx := context.Background()
	wf := mgr.Create("wf-mem")
	wf.Metadata["network"] = "local"
	if err := mgr.Save(ctx, wf); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := mgr.Load(ctx, "wf-mem")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Metadata["network"] != "local" {
		t.Fatalf("unexpected metadata %+v", loaded.Metadata)
	}
	if _, err := mgr.LoadDiagnosticBundle(ctx, "wf-mem"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected missing bundle, got %v", err)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
