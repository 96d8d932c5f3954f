package agentbackend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/ilovenuclearpower/flowstate/internal/procexec"
	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
	"github.com/ilovenuclearpower/flowstate/pkg/secretmask"
)

var versionPattern = regexp.MustCompile(`(\d+\.\d+\.\d+)`)

// CLIConfig configures a CLIBackend.
type CLIConfig struct {
	// Command is the executable name or path; also tried against PATH.
	Command string
	// Candidates is an ordered list of command names tried during Preflight,
	// in addition to Command, mirroring tools that ship under more than one name.
	Candidates []string
	// ExtraArgs are passed ahead of the prompt, which is always the final
	// argument.
	ExtraArgs []string
	// EndpointEnvVar/AuthEnvVar, when non-empty, are set from EndpointURL/AuthToken
	// to override where the CLI reaches its backend API.
	EndpointEnvVar string
	EndpointURL    string
	AuthEnvVar     string
	AuthToken      string
	// RepoTokenEnvVar names the environment variable build-phase runs use to
	// pass a scratch repository token to nested tooling inside the agent.
	RepoTokenEnvVar string
	// ModelHint and SupportsMCP are reported verbatim via Capabilities.
	ModelHint   string
	SupportsMCP bool
}

// CLIBackend drives a command-line coding agent as a managed subprocess.
type CLIBackend struct {
	cfg        CLIConfig
	resolved   string // absolute path found during Preflight
	resolvedAs string // which candidate name resolved
}

// NewCLIBackend constructs a CLIBackend from cfg.
func NewCLIBackend(cfg CLIConfig) *CLIBackend {
	return &CLIBackend{cfg: cfg}
}

// Capabilities reports the backend's identity: the configured command name
// plus the configured ModelHint and SupportsMCP.
func (b *CLIBackend) Capabilities() Capabilities {
	return Capabilities{Name: b.cfg.Command, ModelHint: b.cfg.ModelHint, SupportsMCP: b.cfg.SupportsMCP}
}

// Preflight resolves the configured command against PATH and probes its
// version, mirroring a coding-agent CLI's own startup self-check.
func (b *CLIBackend) Preflight(ctx context.Context) error {
	candidates := append([]string{b.cfg.Command}, b.cfg.Candidates...)
	for _, name := range candidates {
		if name == "" {
			continue
		}
		if path, err := exec.LookPath(name); err == nil {
			b.resolved = path
			b.resolvedAs = name
			break
		}
	}
	if b.resolved == "" {
		return &rseserrors.ProviderError{Provider: "agentbackend", Op: "preflight",
			Cause: fmt.Errorf("none of %v found in PATH", candidates)}
	}

	version, err := b.detectVersion(ctx)
	if err != nil {
		return &rseserrors.ProviderError{Provider: "agentbackend", Op: "preflight", Cause: err}
	}
	_ = version
	return nil
}

func (b *CLIBackend) detectVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.resolvedAs, "--version")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("probing version: %w (stderr: %s)", err, stderr.String())
	}

	output := strings.TrimSpace(stdout.String())
	if m := versionPattern.FindStringSubmatch(output); len(m) > 1 {
		return m[1], nil
	}
	if output != "" {
		return output, nil
	}
	return "unknown", nil
}

// Run spawns the configured CLI with the prompt inline as its final
// argument, applying endpoint/auth environment overrides and, when
// RepoToken is set, the configured repo-token environment variable for
// nested pushes. Every secret placed in the child's environment is
// registered with a secretmask.Masker before the subprocess starts, so its
// captured stdout/stderr never carries a raw secret to a caller that logs it.
func (b *CLIBackend) Run(ctx context.Context, req RunRequest) (procexec.Output, error) {
	if b.resolved == "" {
		return procexec.Output{}, &rseserrors.ProviderError{Provider: "agentbackend", Op: "run",
			Cause: fmt.Errorf("Preflight was not called or failed")}
	}

	masker := secretmask.New()

	env := os.Environ()
	if b.cfg.EndpointEnvVar != "" && b.cfg.EndpointURL != "" {
		env = append(env, b.cfg.EndpointEnvVar+"="+b.cfg.EndpointURL)
	}
	if b.cfg.AuthEnvVar != "" && b.cfg.AuthToken != "" {
		env = append(env, b.cfg.AuthEnvVar+"="+b.cfg.AuthToken)
		masker.Add(b.cfg.AuthToken)
	}
	if b.cfg.RepoTokenEnvVar != "" && req.RepoToken != "" {
		env = append(env, b.cfg.RepoTokenEnvVar+"="+req.RepoToken)
		masker.Add(req.RepoToken)
	}
	if len(req.MCPEnv) > 0 {
		masker.AddFromEnv(req.MCPEnv)
		for k, v := range req.MCPEnv {
			env = append(env, k+"="+v)
		}
	}

	args := append(append([]string{}, b.cfg.ExtraArgs...), req.Prompt)
	out, err := procexec.RunWithDeadline(ctx, b.resolved, args, req.Workspace, env, req.Timeout, req.Grace)
	out.Stdout = []byte(masker.Mask(string(out.Stdout)))
	out.Stderr = []byte(masker.Mask(string(out.Stderr)))
	return out, err
}
