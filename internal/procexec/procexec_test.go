package procexec

import (
	"context"
	"testing"
	"time"

	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

func TestRunWithDeadlineSuccess(t *testing.T) {
	out, err := RunWithDeadline(context.Background(), "sh", []string{"-c", "echo hi"}, "", nil, time.Second, time.Second)
	if err != nil {
		t.Fatalf("RunWithDeadline: %v", err)
	}
	if !out.Success || out.ExitCode != 0 {
		t.Fatalf("expected success, got %+v", out)
	}
	if string(out.Stdout) != "hi\n" {
		t.Errorf("unexpected stdout: %q", out.Stdout)
	}
}

func TestRunWithDeadlineNonZeroExit(t *testing.T) {
	_, err := RunWithDeadline(context.Background(), "sh", []string{"-c", "exit 3"}, "", nil, time.Second, time.Second)
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	se, ok := err.(*rseserrors.SubprocessError)
	if !ok {
		t.Fatalf("expected *rseserrors.SubprocessError, got %T", err)
	}
	if se.Kind != "exit" || se.ExitCode != 3 {
		t.Errorf("unexpected subprocess error: %+v", se)
	}
}

func TestRunWithDeadlineTimeoutKillsGroup(t *testing.T) {
	start := time.Now()
	_, err := RunWithDeadline(context.Background(), "sh", []string{"-c", "sleep 30"}, "", nil, 50*time.Millisecond, 50*time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !rseserrors.IsTimeout(err) {
		t.Fatalf("expected IsTimeout to recognize error, got %v", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("expected prompt termination, took %s", elapsed)
	}
}
