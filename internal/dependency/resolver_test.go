package dependency

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "ChainForge/internal/errors"
)

type fakeInstaller struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]error
	delay time.Duration
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{calls: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeInstaller) Install(_ context.Context, pkg, prefix string) error {
	f.mu.Lock()
	f.calls[pkg]++
	err := f.fail[pkg]
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if err != nil {
		return err
	}
	dir := filepath.Join(prefix, "node_modules", filepath.FromSlash(pkg))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"`+pkg+`"}`), 0o644)
}

func (f *fakeInstaller) count(pkg string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[pkg]
}

func TestDetect(t *testing.T) {
	source := `// SPDX-License-Identifier: MIT
pragma solidity ^0.8.20;

import "@openzeppelin/contracts/token/ERC20/ERC20.sol";
import {Ownable} from "@openzeppelin/contracts/access/Ownable.sol";
import "./Local.sol";
import '../lib/Math.sol';
import "solmate/src/tokens/ERC721.sol";
import * as Utils from "@chainlink/contracts/src/v0.8/Utils.sol";
`
	got := Detect(source)
	want := []string{"@chainlink/contracts", "@openzeppelin/contracts", "solmate"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Detect = %v, want %v", got, want)
	}
}

func TestPackageOf(t *testing.T) {
	cases := map[string]string{
		"@openzeppelin/contracts/token/ERC20/ERC20.sol": "@openzeppelin/contracts",
		"solmate/src/Owned.sol":                         "solmate",
		"./Token.sol":                                   "",
		"Token.sol":                                     "",
		"@broken":                                       "",
	}
	for input, want := range cases {
		if got := PackageOf(input); got != want {
			t.Fatalf("PackageOf(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestInstallAllReportsPartialSuccess(t *testing.T) {
	installer := newFakeInstaller()
	installer.fail["broken-pkg"] = errors.New("404 not found")
	resolver := NewResolver(installer)
	workspace := t.TempDir()

	result := resolver.InstallAll(context.Background(), []string{"@openzeppelin/contracts", "broken-pkg", "solmate"}, workspace)
	if !reflect.DeepEqual(result.Succeeded, []string{"@openzeppelin/contracts", "solmate"}) {
		t.Fatalf("unexpected successes %v", result.Succeeded)
	}
	if len(result.Failed) != 1 || result.Failed[0].Package != "broken-pkg" {
		t.Fatalf("unexpected failures %+v", result.Failed)
	}
	if result.OK() || xerrors.CodeOf(result.Err()) != xerrors.CodeDependencyInstall {
		t.Fatalf("expected dependency install error, got %v", result.Err())
	}

	again := resolver.InstallAll(context.Background(), []string{"solmate"}, workspace)
	if !again.OK() || installer.count("solmate") != 1 {
		t.Fatalf("already installed package must not be reinstalled, calls=%d", installer.count("solmate"))
	}
}

func TestUpdatePathMappingsMergesExisting(t *testing.T) {
	workspace := t.TempDir()
	if err := os.WriteFile(filepath.Join(workspace, RemappingsFile), []byte("ds-test/=lib/ds-test/src/\n"), 0o644); err != nil {
		t.Fatalf("seed remappings: %v", err)
	}
	resolver := NewResolver(newFakeInstaller())
	if err := resolver.UpdatePathMappings(workspace, []string{"@openzeppelin/contracts"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got := ReadRemappings(workspace)
	want := []string{
		"@openzeppelin/contracts/=node_modules/@openzeppelin/contracts/",
		"ds-test/=lib/ds-test/src/",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("remappings = %v, want %v", got, want)
	}
}

func TestCacheSerializesSamePackage(t *testing.T) {
	installer := newFakeInstaller()
	installer.delay = 20 * time.Millisecond
	cache, err := NewCache(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	resolver := NewResolver(installer, WithCache(cache))

	var wg sync.WaitGroup
	workspaces := make([]string, 6)
	for i := range workspaces {
		workspaces[i] = t.TempDir()
		wg.Add(1)
		go func(ws string) {
			defer wg.Done()
			result := resolver.InstallAll(context.Background(), []string{"@openzeppelin/contracts"}, ws)
			if !result.OK() {
				t.Errorf("install failed: %+v", result.Failed)
			}
		}(workspaces[i])
	}
	wg.Wait()

	if calls := installer.count("@openzeppelin/contracts"); calls != 1 {
		t.Fatalf("expected a single cache fill, got %d", calls)
	}
	for _, ws := range workspaces {
		if !installedIn(ws, "@openzeppelin/contracts") {
			t.Fatalf("workspace %s did not receive a copy", ws)
		}
	}
}

func TestKeyedMutexDoesNotBlockOtherKeys(t *testing.T) {
	locks := NewKeyedMutex()
	release, err := locks.Acquire(context.Background(), "a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer release()

	done := make(chan struct{})
	go func() {
		releaseB, err := locks.Acquire(context.Background(), "b")
		if err == nil {
			releaseB()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("lock on b blocked behind a")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locks.Acquire(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while a is held, got %v", err)
	}
}

func TestNpmInstallerMissingBinary(t *testing.T) {
	installer := NpmInstaller{Path: filepath.Join(t.TempDir(), "npm-missing")}
	err := installer.Install(context.Background(), "solmate", t.TempDir())
	if xerrors.CodeOf(err) != xerrors.CodeToolNotFound {
		t.Fatalf("expected TOOL_NOT_FOUND, got %v", err)
	}
	if !strings.Contains(xerrors.MetadataValue(err, xerrors.MetaHint), "Node.js") {
		t.Fatalf("expected npm install hint, got %q", xerrors.MetadataValue(err, xerrors.MetaHint))
	}
}
