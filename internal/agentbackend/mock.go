package agentbackend

import (
	"context"
	"os"
	"path/filepath"

	"github.com/ilovenuclearpower/flowstate/internal/procexec"
)

// MockBackend writes a configured set of files into the workspace and
// returns a configured output, without spawning a process. Intended for
// runner loop and server API tests.
type MockBackend struct {
	Caps          Capabilities
	Files         map[string]string // relative path -> contents, written on Run
	Output        procexec.Output
	Err           error
	PreflightErr  error
	LastRequest   RunRequest
	PreflightCall int
}

func (m *MockBackend) Capabilities() Capabilities { return m.Caps }

func (m *MockBackend) Preflight(ctx context.Context) error {
	m.PreflightCall++
	return m.PreflightErr
}

func (m *MockBackend) Run(ctx context.Context, req RunRequest) (procexec.Output, error) {
	m.LastRequest = req
	if m.Err != nil {
		return procexec.Output{}, m.Err
	}
	for rel, contents := range m.Files {
		path := filepath.Join(req.Workspace, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return procexec.Output{}, err
		}
		if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
			return procexec.Output{}, err
		}
	}
	return m.Output, nil
}

var _ Backend = (*MockBackend)(nil)
var _ Backend = (*CLIBackend)(nil)
