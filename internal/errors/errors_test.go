package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("boom")
	err := Wrap(CodeCompilationFailed, cause, "solc 编译失败", WithMetadata(MetaTool, "solc"))

	if CodeOf(err) != CodeCompilationFailed {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if got := MetadataValue(fmt.Errorf("outer: %w", err), MetaTool); got != "solc" {
		t.Fatalf("unexpected metadata: %q", got)
	}
}

func TestMetadataValueWalksNestedErrors(t *testing.T) {
	inner := New(CodeToolNotFound, "missing", WithMetadata(MetaHint, "install it"))
	outer := Wrap(CodeCompilationFailed, inner, "compile")

	if got := MetadataValue(outer, MetaHint); got != "install it" {
		t.Fatalf("expected nested hint, got %q", got)
	}
	if got := MetadataValue(outer, "absent"); got != "" {
		t.Fatalf("expected empty value, got %q", got)
	}
}

func TestFatalCodes(t *testing.T) {
	cases := map[Code]bool{
		CodePersistenceFailure: true,
		CodeEnvironmentFailure: true,
		CodeToolNotFound:       false,
		CodeDeploymentFailed:   false,
	}
	for code, want := range cases {
		if got := IsFatal(New(code, "")); got != want {
			t.Fatalf("code %s: fatal=%v want %v", code, got, want)
		}
	}
	if IsFatal(stdErrors.New("plain")) {
		t.Fatalf("plain errors are never fatal")
	}
}

func TestRegisterOverridesAttributes(t *testing.T) {
	code := Code("TEST_CUSTOM")
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if !RetryableError(err) {
		t.Fatalf("expected registered code to be retryable")
	}
	if SeverityOf(err) != SeverityWarning {
		t.Fatalf("unexpected severity: %s", SeverityOf(err))
	}
}
