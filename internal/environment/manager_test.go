package environment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "ChainForge/internal/errors"
)

func TestCreateBuildsLayout(t *testing.T) {
	workspace := t.TempDir()
	mgr := NewManager(workspace)

	env, err := mgr.Create("wf-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if filepath.Dir(env.Path) != filepath.Join(workspace, RootDirName) {
		t.Fatalf("unexpected location %s", env.Path)
	}
	if !strings.HasPrefix(filepath.Base(env.Path), "workflow_wf-1_") {
		t.Fatalf("unexpected directory name %s", env.Path)
	}
	for _, sub := range Subdirectories {
		info, err := os.Stat(filepath.Join(env.Path, sub))
		if err != nil || !info.IsDir() {
			t.Fatalf("expected subdirectory %s: %v", sub, err)
		}
	}
	if _, err := mgr.Create("wf-1"); xerrors.CodeOf(err) != xerrors.CodeEnvironmentFailure {
		t.Fatalf("expected duplicate create to fail, got %v", err)
	}
}

func TestCreateFailsOnPathCollision(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	workspace := t.TempDir()
	first := NewManager(workspace, WithClock(func() time.Time { return fixed }))
	second := NewManager(workspace, WithClock(func() time.Time { return fixed }))

	if _, err := first.Create("same"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := second.Create("same")
	if !xerrors.IsFatal(err) {
		t.Fatalf("expected fatal environment error on collision, got %v", err)
	}
}

func TestConcurrentRunsGetDistinctPaths(t *testing.T) {
	mgr := NewManager(t.TempDir())

	const runs = 16
	paths := make([]string, runs)
	var wg sync.WaitGroup
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := mgr.Create(fmt.Sprintf("wf-%d", i))
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			paths[i] = env.Path
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, runs)
	for _, path := range paths {
		if path == "" {
			continue
		}
		if seen[path] {
			t.Fatalf("path %s reused by two runs", path)
		}
		seen[path] = true
	}
	if len(mgr.List()) != runs {
		t.Fatalf("expected %d registered environments", runs)
	}
}

func TestCleanupRemovesTree(t *testing.T) {
	mgr := NewManager(t.TempDir())
	env, err := mgr.Create("wf-clean")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(env.BuildDir(), "out.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if err := mgr.Cleanup("wf-clean"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(env.Path); !os.IsNotExist(err) {
		t.Fatalf("expected directory removed, got %v", err)
	}
	if _, ok := mgr.Get("wf-clean"); ok {
		t.Fatalf("environment should be unregistered")
	}
}

func TestPreserveSuppressesCleanup(t *testing.T) {
	mgr := NewManager(t.TempDir())
	env, err := mgr.Create("wf-keep")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mgr.PreserveForDebugging("wf-keep", "compilation failed"); err != nil {
		t.Fatalf("preserve: %v", err)
	}
	got, ok := mgr.Get("wf-keep")
	if !ok || !got.PreservedForDebug || got.PreserveReason != "compilation failed" {
		t.Fatalf("unexpected environment state %+v", got)
	}
	if err := mgr.Cleanup("wf-keep"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.Path, MarkerFile)); err != nil {
		t.Fatalf("expected marker file to survive cleanup: %v", err)
	}
}

func TestPreserveUnknownWorkflow(t *testing.T) {
	mgr := NewManager(t.TempDir())
	if err := mgr.PreserveForDebugging("missing", "x"); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateRejectsTraversalIDs(t *testing.T) {
	parent := t.TempDir()
	workspace := filepath.Join(parent, "inner")
	mgr := NewManager(workspace)

	for _, id := range []string{"x/../../../escaped", `..\escaped`, "a/b", "..", strings.Repeat("a", 65)} {
		if _, err := mgr.Create(id); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("%q: expected INVALID_ARGUMENT, got %v", id, err)
		}
	}
	entries, err := os.ReadDir(parent)
	if err != nil {
		t.Fatalf("read parent: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("nothing should be created on disk, found %d entries", len(entries))
	}
	if len(mgr.List()) != 0 {
		t.Fatalf("rejected ids must not be registered")
	}
}

func TestReleaseKeepsDirectory(t *testing.T) {
	mgr := NewManager(t.TempDir())
	env, err := mgr.Create("wf-release")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mgr.PreserveForDebugging("wf-release", "run failed"); err != nil {
		t.Fatalf("preserve: %v", err)
	}
	mgr.Release("wf-release")
	mgr.Release("wf-release")

	if len(mgr.List()) != 0 {
		t.Fatalf("released environment still listed")
	}
	if _, err := os.Stat(filepath.Join(env.Path, MarkerFile)); err != nil {
		t.Fatalf("released directory should stay on disk: %v", err)
	}
	if _, err := mgr.Create("wf-release"); err != nil {
		t.Fatalf("id should be reusable after release: %v", err)
	}
}
