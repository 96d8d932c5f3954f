// Package workspace enforces filesystem discipline for per-task git clones:
// idempotent clone/fetch, default-branch detection, branch recreation, and
// stage-commit. Failure here is fatal to the owning run; no partial
// workspace state is ever handed to the agent backend.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

const (
	gitTimeout = 5 * time.Minute
)

// Manager drives git operations against a single task's workspace directory.
type Manager struct{}

// NewManager constructs a Manager.
func NewManager() *Manager { return &Manager{} }

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, string, error) {
	cctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func authenticatedURL(repoURL, token string) string {
	if token == "" || !strings.HasPrefix(repoURL, "https://") {
		return repoURL
	}
	return "https://x-access-token:" + token + "@" + strings.TrimPrefix(repoURL, "https://")
}

// EnsureRepo clones repoURL into workspace if absent, or fetches if already
// present. Idempotent under repeated invocation.
func (m *Manager) EnsureRepo(ctx context.Context, workspace, repoURL, token string, skipTLSVerify bool) error {
	if _, err := os.Stat(filepath.Join(workspace, ".git")); err == nil {
		if skipTLSVerify {
			if _, stderr, err := m.run(ctx, workspace, "-c", "http.sslVerify=false", "fetch", "--all", "--prune"); err != nil {
				return &rseserrors.ProviderError{Provider: "workspace", Op: "fetch", Cause: fmt.Errorf("%w: %s", err, stderr)}
			}
			return nil
		}
		if _, stderr, err := m.run(ctx, workspace, "fetch", "--all", "--prune"); err != nil {
			return &rseserrors.ProviderError{Provider: "workspace", Op: "fetch", Cause: fmt.Errorf("%w: %s", err, stderr)}
		}
		return nil
	}

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return &rseserrors.ProviderError{Provider: "workspace", Op: "mkdir", Cause: err}
	}
	cloneURL := authenticatedURL(repoURL, token)
	args := []string{"clone"}
	if skipTLSVerify {
		args = append(args, "-c", "http.sslVerify=false")
	}
	args = append(args, cloneURL, ".")
	if _, stderr, err := m.run(ctx, workspace, args...); err != nil {
		return &rseserrors.ProviderError{Provider: "workspace", Op: "clone", Cause: fmt.Errorf("%w: %s", err, redactToken(stderr, token))}
	}
	return nil
}

func redactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}

// DetectDefaultBranch consults origin/HEAD, falling back to main then master.
func (m *Manager) DetectDefaultBranch(ctx context.Context, workspace string) (string, error) {
	out, _, err := m.run(ctx, workspace, "symbolic-ref", "refs/remotes/origin/HEAD")
	if err == nil {
		ref := strings.TrimSpace(out)
		if idx := strings.LastIndex(ref, "/"); idx != -1 {
			return ref[idx+1:], nil
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if _, _, err := m.run(ctx, workspace, "show-ref", "--verify", "refs/remotes/origin/"+candidate); err == nil {
			return candidate, nil
		}
	}
	return "", &rseserrors.ProviderError{Provider: "workspace", Op: "detect_default_branch",
		Cause: fmt.Errorf("no origin/HEAD, origin/main, or origin/master found")}
}

// CreateBranch deletes name if it already exists locally, then recreates it
// from the current fetched head, so the branch is always based on the
// latest remote state rather than any stale local copy.
func (m *Manager) CreateBranch(ctx context.Context, workspace, base, name string) error {
	m.run(ctx, workspace, "branch", "-D", name) // best effort, ignore "branch not found"
	if _, stderr, err := m.run(ctx, workspace, "checkout", "-B", name, "origin/"+base); err != nil {
		return &rseserrors.ProviderError{Provider: "workspace", Op: "create_branch", Cause: fmt.Errorf("%w: %s", err, stderr)}
	}
	return nil
}

// AddAndCommit stages all changes and commits, a no-op when the working tree
// is clean.
func (m *Manager) AddAndCommit(ctx context.Context, workspace, message string) error {
	if _, stderr, err := m.run(ctx, workspace, "add", "-A"); err != nil {
		return &rseserrors.ProviderError{Provider: "workspace", Op: "add", Cause: fmt.Errorf("%w: %s", err, stderr)}
	}
	status, _, err := m.run(ctx, workspace, "status", "--porcelain")
	if err != nil {
		return &rseserrors.ProviderError{Provider: "workspace", Op: "status", Cause: err}
	}
	if strings.TrimSpace(status) == "" {
		return nil
	}
	if _, stderr, err := m.run(ctx, workspace, "commit", "-m", message); err != nil {
		return &rseserrors.ProviderError{Provider: "workspace", Op: "commit", Cause: fmt.Errorf("%w: %s", err, stderr)}
	}
	return nil
}
