package errors

import (
	"bytes"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func TestWrapKeepsCodeAndCause(t *testing.T) {
	cause := stdErrors.New("dial tcp: connection refused")
	err := Wrap(CodeUnavailable, cause, "RPC 节点不可用")

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if CodeOf(err) != CodeUnavailable {
		t.Fatalf("unexpected code %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("unavailable errors should be retryable by default")
	}
	if err.Detail() != "RPC 节点不可用: dial tcp: connection refused" {
		t.Fatalf("unexpected detail %q", err.Detail())
	}
}

func TestHasCodeWalksChain(t *testing.T) {
	inner := New(CodeInvariantViolation, "orphan tool result")
	outer := fmt.Errorf("step 3: %w", inner)

	if !HasCode(outer, CodeInvariantViolation) {
		t.Fatalf("expected code to be found through fmt wrapping")
	}
	if HasCode(outer, CodeTimeout) {
		t.Fatalf("unexpected code match")
	}
	if RetryableError(outer) {
		t.Fatalf("invariant violations must not be retryable")
	}
}

func TestOverridesTakePrecedence(t *testing.T) {
	err := New(CodeTimeout, "", WithRetryable(false), WithSeverity(SeverityCritical), WithMetadata("run_id", "r-1"))
	if err.Retryable() {
		t.Fatalf("override should disable retry")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("unexpected severity %s", err.Severity())
	}
	if err.Message() != "operation timed out" {
		t.Fatalf("empty message should fall back to registry, got %q", err.Message())
	}
	if err.Metadata()["run_id"] != "r-1" {
		t.Fatalf("metadata missing")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, Retryable: true})

	found := false
	for _, c := range Registered() {
		if c == code {
			found = true
		}
	}
	if !found {
		t.Fatalf("registered code not listed")
	}
	if !New(code, "").Retryable() {
		t.Fatalf("custom attributes not applied")
	}
}

func TestSentinelResolvesLateRegistration(t *testing.T) {
	const code Code = "TEST_LATE"
	sentinel := New(code, "late", WithSeverity(SeverityInfo))
	Register(code, Attributes{Message: "late", Severity: SeverityCritical, Retryable: true})

	if !sentinel.Retryable() {
		t.Fatalf("attributes registered after creation should apply")
	}
	if sentinel.Severity() != SeverityInfo {
		t.Fatalf("explicit override lost, got %s", sentinel.Severity())
	}
}

func TestLogValueGroupsAttributes(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	log.Info("tool failed", slog.Any("error", New(CodeTimeout, "rpc slow", WithMetadata("tool", "check_balance"))))

	out := buf.String()
	for _, want := range []string{"error.code=TIMEOUT", "error.retryable=true", "error.tool=check_balance"} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %s", want, out)
		}
	}
}
