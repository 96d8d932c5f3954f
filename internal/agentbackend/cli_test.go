package agentbackend

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCLIBackendRunMasksAuthTokenInCapturedOutput(t *testing.T) {
	b := NewCLIBackend(CLIConfig{
		Command:    "sh",
		ExtraArgs:  []string{"-c", "echo \"token is $FAKE_AUTH_TOKEN\""},
		AuthEnvVar: "FAKE_AUTH_TOKEN",
		AuthToken:  "sk-super-secret-value",
	})
	if err := b.Preflight(context.Background()); err != nil {
		t.Fatalf("Preflight: %v", err)
	}

	out, err := b.Run(context.Background(), RunRequest{
		Workspace: t.TempDir(),
		Prompt:    "",
		Timeout:   5 * time.Second,
		Grace:     time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(string(out.Stdout), "sk-super-secret-value") {
		t.Errorf("expected auth token to be masked from captured stdout, got %q", out.Stdout)
	}
	if !strings.Contains(string(out.Stdout), "***") {
		t.Errorf("expected masked placeholder in captured stdout, got %q", out.Stdout)
	}
}

func TestCLIBackendRunMasksRepoTokenInCapturedOutput(t *testing.T) {
	b := NewCLIBackend(CLIConfig{
		Command:         "sh",
		ExtraArgs:       []string{"-c", "echo \"pushing with $REPO_TOKEN\""},
		RepoTokenEnvVar: "REPO_TOKEN",
	})
	if err := b.Preflight(context.Background()); err != nil {
		t.Fatalf("Preflight: %v", err)
	}

	out, err := b.Run(context.Background(), RunRequest{
		Workspace: t.TempDir(),
		Timeout:   5 * time.Second,
		Grace:     time.Second,
		RepoToken: "ghp_abcdef0123456789",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Contains(string(out.Stdout), "ghp_abcdef0123456789") {
		t.Errorf("expected repo token to be masked from captured stdout, got %q", out.Stdout)
	}
}
