// Package repoprovider models a hosting service's authenticated push and
// pull-request operations behind a single URL-selected interface.
package repoprovider

import (
	"context"
	"time"

	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

// pushTimeout/pushGrace bound the short-lived git subprocesses (push,
// remote inspection) providers shell out to; these are not the long agent
// run deadline.
const (
	pushTimeout = 2 * time.Minute
	pushGrace   = 10 * time.Second
)

// PullRequest is the result of opening a pull request.
type PullRequest struct {
	Number int
	URL    string
	Branch string
}

// Provider models one hosting service's authenticated operations.
type Provider interface {
	// SupportsURL reports whether this provider handles repoURL.
	SupportsURL(repoURL string) bool
	// CheckAuth verifies the configured credential can see the repo.
	CheckAuth(ctx context.Context, repoURL string) error
	// PushBranch pushes a local ref to the remote with upstream tracking.
	PushBranch(ctx context.Context, workdir, branch string) error
	// OpenPullRequest opens a PR from branch onto base.
	OpenPullRequest(ctx context.Context, workdir, branch, title, body, base string) (PullRequest, error)
}

// Registry selects the first Provider whose SupportsURL predicate matches.
type Registry struct {
	providers []Provider
}

// NewRegistry builds a Registry that tries providers in order.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// Resolve returns the first provider supporting repoURL, or
// rseserrors.ErrUnsupportedURL if none match, so the runner loop can
// surface a diagnostic instead of retrying.
func (r *Registry) Resolve(repoURL string) (Provider, error) {
	for _, p := range r.providers {
		if p.SupportsURL(repoURL) {
			return p, nil
		}
	}
	return nil, &rseserrors.ProviderError{Provider: "registry", Op: "resolve:" + repoURL, Cause: rseserrors.ErrUnsupportedURL}
}
