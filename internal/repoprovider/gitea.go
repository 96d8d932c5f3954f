package repoprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/ilovenuclearpower/flowstate/internal/httpclient"
	"github.com/ilovenuclearpower/flowstate/internal/procexec"
	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

// GiteaConfig configures a GiteaProvider. No official Go SDK for Gitea
// exists in this codebase's dependency pack, so the client is a small
// hand-rolled REST caller in a validate/build-URL/execute/parse shape
// (unlike GitHubProvider, which uses the go-github SDK), built on the
// internal/httpclient factory the rest of this codebase uses for outbound
// HTTP (retry, logging, TLS floor).
type GiteaConfig struct {
	BaseURL       string // e.g. https://gitea.example.com
	Token         string
	SkipTLSVerify bool
}

// GiteaProvider drives authenticated push and pull-request operations
// against a self-hosted Gitea instance.
type GiteaProvider struct {
	cfg        GiteaConfig
	httpClient *http.Client
	urlPattern *regexp.Regexp
}

// NewGiteaProvider constructs a GiteaProvider bound to one Gitea host.
func NewGiteaProvider(cfg GiteaConfig) (*GiteaProvider, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, &rseserrors.ProviderError{Provider: "gitea", Op: "parse_base_url", Cause: err}
	}
	pattern := regexp.MustCompile(fmt.Sprintf(`^https?://%s/([^/]+)/([^/.]+?)(?:\.git)?/?$`, regexp.QuoteMeta(base.Host)))

	clientCfg := httpclient.DefaultConfig()
	clientCfg.UserAgent = "flowstate-runner-gitea/1.0"
	clientCfg.InsecureSkipVerify = cfg.SkipTLSVerify
	client, err := httpclient.New(clientCfg)
	if err != nil {
		return nil, &rseserrors.ProviderError{Provider: "gitea", Op: "build_http_client", Cause: err}
	}

	return &GiteaProvider{
		cfg:        cfg,
		httpClient: client,
		urlPattern: pattern,
	}, nil
}

// SupportsURL matches URLs on this provider's configured Gitea host.
func (p *GiteaProvider) SupportsURL(repoURL string) bool {
	return p.urlPattern.MatchString(strings.TrimSpace(repoURL))
}

func (p *GiteaProvider) ownerRepo(repoURL string) (owner, repo string, err error) {
	m := p.urlPattern.FindStringSubmatch(strings.TrimSpace(repoURL))
	if m == nil {
		return "", "", &rseserrors.ProviderError{Provider: "gitea", Op: "parse_url", Cause: rseserrors.ErrUnsupportedURL}
	}
	return m[1], m[2], nil
}

func (p *GiteaProvider) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(p.cfg.BaseURL, "/")+"/api/v1"+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "token "+p.cfg.Token)
	req.Header.Set("Content-Type", "application/json")
	return p.httpClient.Do(req)
}

func giteaError(op string, resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return &rseserrors.ProviderError{Provider: "gitea", Op: op, Cause: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
}

// CheckAuth verifies the configured token can see the repository.
func (p *GiteaProvider) CheckAuth(ctx context.Context, repoURL string) error {
	owner, repo, err := p.ownerRepo(repoURL)
	if err != nil {
		return err
	}
	resp, err := p.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s", owner, repo), nil)
	if err != nil {
		return &rseserrors.ProviderError{Provider: "gitea", Op: "check_auth", Cause: err}
	}
	defer resp.Body.Close()
	return giteaError("check_auth", resp)
}

// PushBranch pushes branch to origin via the system git binary.
func (p *GiteaProvider) PushBranch(ctx context.Context, workdir, branch string) error {
	out, err := procexec.RunWithDeadline(ctx, "git", []string{"push", "--set-upstream", "origin", branch}, workdir, nil, pushTimeout, pushGrace)
	if err != nil {
		return &rseserrors.ProviderError{Provider: "gitea", Op: "push_branch", Cause: fmt.Errorf("%w: %s", err, out.Stderr)}
	}
	return nil
}

type giteaPullRequestRequest struct {
	Title string `json:"title"`
	Head  string `json:"head"`
	Base  string `json:"base"`
	Body  string `json:"body"`
}

type giteaPullRequestResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
}

// OpenPullRequest opens a pull request from branch onto base.
func (p *GiteaProvider) OpenPullRequest(ctx context.Context, workdir, branch, title, body, base string) (PullRequest, error) {
	owner, repo, err := p.ownerRepoFromRemote(ctx, workdir)
	if err != nil {
		return PullRequest{}, err
	}
	resp, err := p.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/%s/pulls", owner, repo), giteaPullRequestRequest{
		Title: title, Head: branch, Base: base, Body: body,
	})
	if err != nil {
		return PullRequest{}, &rseserrors.ProviderError{Provider: "gitea", Op: "open_pull_request", Cause: err}
	}
	defer resp.Body.Close()
	if err := giteaError("open_pull_request", resp); err != nil {
		return PullRequest{}, err
	}
	var pr giteaPullRequestResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return PullRequest{}, &rseserrors.ProviderError{Provider: "gitea", Op: "decode_pull_request", Cause: err}
	}
	return PullRequest{Number: pr.Number, URL: pr.HTMLURL, Branch: branch}, nil
}

func (p *GiteaProvider) ownerRepoFromRemote(ctx context.Context, workdir string) (owner, repo string, err error) {
	out, err := procexec.RunWithDeadline(ctx, "git", []string{"remote", "get-url", "origin"}, workdir, nil, pushTimeout, pushGrace)
	if err != nil {
		return "", "", &rseserrors.ProviderError{Provider: "gitea", Op: "read_remote", Cause: err}
	}
	return p.ownerRepo(strings.TrimSpace(string(out.Stdout)))
}
