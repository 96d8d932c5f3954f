package secretmask

import "testing"

func TestMaskReplacesRegisteredValue(t *testing.T) {
	m := New()
	m.Add("ghp_supersecrettoken")
	masked := m.Mask("cloning with token ghp_supersecrettoken in the URL")
	if masked != "cloning with token *** in the URL" {
		t.Errorf("unexpected masked output: %q", masked)
	}
}

func TestMaskIgnoresEmptySecret(t *testing.T) {
	m := New()
	m.Add("")
	if got := m.Mask("hello world"); got != "hello world" {
		t.Errorf("empty secret should not alter output, got %q", got)
	}
}

func TestAddFromEnvMatchesSuffixes(t *testing.T) {
	m := New()
	m.AddFromEnv(map[string]string{
		"FLOWSTATE_REPO_TOKEN": "abc123",
		"PATH":                 "/usr/bin",
	})
	if got := m.Mask("token is abc123"); got != "token is ***" {
		t.Errorf("expected token to be masked, got %q", got)
	}
	if got := m.Mask("path is /usr/bin"); got != "path is /usr/bin" {
		t.Errorf("non-secret env var leaked into masking: %q", got)
	}
}
