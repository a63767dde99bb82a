package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitConsoleFormatWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := Init(Config{Level: "info", Format: "console", OutputPaths: []string{path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	ForWorkflow("test", "wf-1").Info("stage finished")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(content), "workflow_id=wf-1") {
		t.Fatalf("expected workflow attribute in %q", content)
	}
}

func TestAuditLoggerWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "nested", "audit.log")
	err := Init(Config{
		Level:       "warn",
		Format:      "json",
		OutputPaths: []string{filepath.Join(dir, "app.log")},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	// 审计日志固定 info 级别，不受主日志级别影响。
	Audit().Info("workflow finished", "workflow_id", "wf-9")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	content, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(content))), &entry); err != nil {
		t.Fatalf("audit entry is not JSON: %v (%q)", err, content)
	}
	if entry["log"] != "audit" || entry["workflow_id"] != "wf-9" {
		t.Fatalf("unexpected audit entry: %v", entry)
	}
}

func TestAuditWriterDefaults(t *testing.T) {
	writer, err := newAuditWriter(AuditConfig{Path: filepath.Join(t.TempDir(), "a.log"), MaxBackups: 2})
	if err != nil {
		t.Fatalf("new audit writer: %v", err)
	}
	if writer.MaxSize != defaultAuditMaxSizeMB || writer.MaxBackups != 2 || writer.MaxAge != defaultAuditMaxAgeDays {
		t.Fatalf("unexpected limits: %+v", writer)
	}
	if _, err := newAuditWriter(AuditConfig{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}
