package repoprovider

import (
	"context"
	"testing"

	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

type stubProvider struct {
	supports func(string) bool
}

func (s *stubProvider) SupportsURL(repoURL string) bool { return s.supports(repoURL) }
func (s *stubProvider) CheckAuth(ctx context.Context, repoURL string) error { return nil }
func (s *stubProvider) PushBranch(ctx context.Context, workdir, branch string) error { return nil }
func (s *stubProvider) OpenPullRequest(ctx context.Context, workdir, branch, title, body, base string) (PullRequest, error) {
	return PullRequest{}, nil
}

func TestRegistryResolvesFirstMatch(t *testing.T) {
	first := &stubProvider{supports: func(u string) bool { return u == "match" }}
	second := &stubProvider{supports: func(u string) bool { return true }}
	reg := NewRegistry(first, second)

	p, err := reg.Resolve("match")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p != first {
		t.Error("expected first matching provider to be returned")
	}
}

func TestRegistryUnsupportedURL(t *testing.T) {
	reg := NewRegistry(&stubProvider{supports: func(string) bool { return false }})
	_, err := reg.Resolve("https://example.com/owner/repo")
	if err == nil {
		t.Fatal("expected error for unsupported URL")
	}
	pe, ok := err.(*rseserrors.ProviderError)
	if !ok {
		t.Fatalf("expected *rseserrors.ProviderError, got %T", err)
	}
	if pe.Cause != rseserrors.ErrUnsupportedURL {
		t.Errorf("expected cause to be ErrUnsupportedURL, got %v", pe.Cause)
	}
}

func TestGitHubProviderSupportsURL(t *testing.T) {
	p := &GitHubProvider{}
	cases := map[string]bool{
		"https://github.com/acme/widgets":     true,
		"https://github.com/acme/widgets.git": true,
		"git@github.com:acme/widgets.git":     true,
		"https://gitea.example.com/acme/x":    false,
	}
	for url, want := range cases {
		if got := p.SupportsURL(url); got != want {
			t.Errorf("SupportsURL(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestGiteaProviderSupportsURL(t *testing.T) {
	p, err := NewGiteaProvider(GiteaConfig{BaseURL: "https://gitea.example.com"})
	if err != nil {
		t.Fatalf("NewGiteaProvider: %v", err)
	}
	if !p.SupportsURL("https://gitea.example.com/acme/widgets") {
		t.Error("expected matching host to be supported")
	}
	if p.SupportsURL("https://github.com/acme/widgets") {
		t.Error("expected different host to be unsupported")
	}
}
