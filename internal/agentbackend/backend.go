// Package agentbackend adapts a coding agent into a uniform
// (prompt, workspace) → completed-subprocess contract the runner loop can
// drive without knowing which concrete tool is installed.
package agentbackend

import (
	"context"
	"time"

	"github.com/ilovenuclearpower/flowstate/internal/procexec"
)

// Capabilities describes what an agent backend advertises about itself.
type Capabilities struct {
	Name        string
	ModelHint   string
	SupportsMCP bool
}

// RunRequest is everything a backend needs to drive one run.
type RunRequest struct {
	Prompt    string
	Workspace string
	Timeout   time.Duration
	Grace     time.Duration
	RepoToken string            // set for build-phase runs so nested tools can push
	MCPEnv    map[string]string // additional environment for MCP server discovery
}

// Backend is a polymorphic adapter over a concrete coding agent.
type Backend interface {
	Capabilities() Capabilities
	// Preflight is performed once per runner start; a non-nil error aborts
	// the runner with a human-readable cause.
	Preflight(ctx context.Context) error
	Run(ctx context.Context, req RunRequest) (procexec.Output, error)
}
