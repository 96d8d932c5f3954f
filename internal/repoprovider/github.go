package repoprovider

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/ilovenuclearpower/flowstate/internal/procexec"
	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

var githubURLPattern = regexp.MustCompile(`^(?:https://github\.com/|git@github\.com:)([^/]+)/([^/.]+?)(?:\.git)?/?$`)

// GitHubConfig configures a GitHubProvider.
type GitHubConfig struct {
	Token   string
	BaseURL string // non-empty for GitHub Enterprise
}

// GitHubProvider drives authenticated push and pull-request operations
// against github.com or a GitHub Enterprise instance.
type GitHubProvider struct {
	client *github.Client
	token  string
}

// NewGitHubProvider constructs a GitHubProvider from cfg.
func NewGitHubProvider(ctx context.Context, cfg GitHubConfig) (*GitHubProvider, error) {
	var client *github.Client
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		client = github.NewClient(oauth2.NewClient(ctx, ts))
	} else {
		client = github.NewClient(nil)
	}
	if cfg.BaseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, &rseserrors.ProviderError{Provider: "github", Op: "configure_enterprise_url", Cause: err}
		}
	}
	return &GitHubProvider{client: client, token: cfg.Token}, nil
}

// SupportsURL matches github.com HTTPS and SSH remote URLs.
func (p *GitHubProvider) SupportsURL(repoURL string) bool {
	return githubURLPattern.MatchString(strings.TrimSpace(repoURL))
}

func (p *GitHubProvider) ownerRepo(repoURL string) (owner, repo string, err error) {
	m := githubURLPattern.FindStringSubmatch(strings.TrimSpace(repoURL))
	if m == nil {
		return "", "", &rseserrors.ProviderError{Provider: "github", Op: "parse_url", Cause: rseserrors.ErrUnsupportedURL}
	}
	return m[1], m[2], nil
}

// CheckAuth verifies the configured token can see the repository.
func (p *GitHubProvider) CheckAuth(ctx context.Context, repoURL string) error {
	owner, repo, err := p.ownerRepo(repoURL)
	if err != nil {
		return err
	}
	_, _, err = p.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return &rseserrors.ProviderError{Provider: "github", Op: "check_auth", Cause: err}
	}
	return nil
}

// PushBranch pushes branch to origin with upstream tracking via the system
// git binary; go-github has no git-transport surface.
func (p *GitHubProvider) PushBranch(ctx context.Context, workdir, branch string) error {
	out, err := procexec.RunWithDeadline(ctx, "git", []string{"push", "--set-upstream", "origin", branch}, workdir, nil, pushTimeout, pushGrace)
	if err != nil {
		return &rseserrors.ProviderError{Provider: "github", Op: "push_branch", Cause: fmt.Errorf("%w: %s", err, out.Stderr)}
	}
	return nil
}

// OpenPullRequest opens a pull request from branch onto base.
func (p *GitHubProvider) OpenPullRequest(ctx context.Context, workdir, branch, title, body, base string) (PullRequest, error) {
	owner, repo, err := p.ownerRepoFromRemote(ctx, workdir)
	if err != nil {
		return PullRequest{}, err
	}
	pr, _, err := p.client.PullRequests.Create(ctx, owner, repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(branch),
		Base:  github.String(base),
		Body:  github.String(body),
	})
	if err != nil {
		return PullRequest{}, &rseserrors.ProviderError{Provider: "github", Op: "open_pull_request", Cause: err}
	}
	return PullRequest{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Branch: branch}, nil
}

func (p *GitHubProvider) ownerRepoFromRemote(ctx context.Context, workdir string) (owner, repo string, err error) {
	out, err := procexec.RunWithDeadline(ctx, "git", []string{"remote", "get-url", "origin"}, workdir, nil, pushTimeout, pushGrace)
	if err != nil {
		return "", "", &rseserrors.ProviderError{Provider: "github", Op: "read_remote", Cause: err}
	}
	return p.ownerRepo(strings.TrimSpace(string(out.Stdout)))
}
