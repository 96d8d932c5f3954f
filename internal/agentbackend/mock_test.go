package agentbackend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ilovenuclearpower/flowstate/internal/procexec"
)

func TestMockBackendWritesConfiguredFiles(t *testing.T) {
	dir := t.TempDir()
	m := &MockBackend{
		Files:  map[string]string{"SPECIFICATION.md": "# spec"},
		Output: procexec.Output{Success: true, ExitCode: 0},
	}
	out, err := m.Run(context.Background(), RunRequest{Workspace: dir, Prompt: "do the thing"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Success {
		t.Fatal("expected configured success output")
	}
	got, err := os.ReadFile(filepath.Join(dir, "SPECIFICATION.md"))
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(got) != "# spec" {
		t.Errorf("unexpected file contents: %q", got)
	}
	if m.LastRequest.Prompt != "do the thing" {
		t.Errorf("expected Run to record the request, got %+v", m.LastRequest)
	}
}

func TestMockBackendPreflightError(t *testing.T) {
	m := &MockBackend{PreflightErr: context.DeadlineExceeded}
	if err := m.Preflight(context.Background()); err != context.DeadlineExceeded {
		t.Fatalf("expected configured preflight error, got %v", err)
	}
	if m.PreflightCall != 1 {
		t.Errorf("expected PreflightCall to be tracked, got %d", m.PreflightCall)
	}
}

func TestCLIBackendRunWithoutPreflightFails(t *testing.T) {
	b := NewCLIBackend(CLIConfig{Command: "nonexistent-agent-cli"})
	_, err := b.Run(context.Background(), RunRequest{Workspace: t.TempDir()})
	if err == nil {
		t.Fatal("expected error when Run is called before a successful Preflight")
	}
}

func TestCLIBackendPreflightFailsWhenCommandMissing(t *testing.T) {
	b := NewCLIBackend(CLIConfig{Command: "definitely-not-a-real-binary-xyz"})
	if err := b.Preflight(context.Background()); err == nil {
		t.Fatal("expected preflight to fail when the command is not in PATH")
	}
}
