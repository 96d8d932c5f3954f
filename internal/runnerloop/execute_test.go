package runnerloop

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/ilovenuclearpower/flowstate/internal/agentbackend"
	"github.com/ilovenuclearpower/flowstate/internal/procexec"
	"github.com/ilovenuclearpower/flowstate/pkg/capability"
)

func TestExecuteResearchRunUploadsArtifactAndCompletes(t *testing.T) {
	var mu sync.Mutex
	var uploadedBody string
	var reportedStatus string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/tasks/task-1/context":
			json.NewEncoder(w).Encode(TaskContext{
				ProjectName: "widgets",
				TaskTitle:   "Add retries",
			})
		case r.Method == http.MethodPatch && r.URL.Path == "/api/claude-runs/run-1/progress":
			json.NewEncoder(w).Encode(map[string]string{"status": "running"})
		case r.Method == http.MethodPut && r.URL.Path == "/api/tasks/task-1/research":
			data, _ := io.ReadAll(r.Body)
			mu.Lock()
			uploadedBody = string(data)
			mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPatch && r.URL.Path == "/api/claude-runs/run-1/status":
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			mu.Lock()
			reportedStatus, _ = payload["status"].(string)
			mu.Unlock()
			json.NewEncoder(w).Encode(RunDTO{ID: "run-1", Status: payload["status"].(string)})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	workspaceRoot := t.TempDir()
	client := NewClient(srv.URL, "key", "runner-1", nil)
	backend := &agentbackend.MockBackend{
		Files:  map[string]string{"RESEARCH.md": "# Findings\n\nTransient 503s."},
		Output: procexec.Output{Success: true, ExitCode: 0},
	}
	l := New(client, backend, nil, nil, Config{
		WorkspaceRoot:       workspaceRoot,
		Capabilities:        []capability.Tier{capability.Light},
		MaxConcurrentBuilds: 1,
	}, slog.Default())

	run := &RunDTO{ID: "run-1", TaskID: "task-1", Action: capability.ActionResearch}
	l.executeAndReport(context.Background(), run)

	mu.Lock()
	defer mu.Unlock()
	if reportedStatus != "completed" {
		t.Errorf("expected completed status, got %q", reportedStatus)
	}
	if uploadedBody == "" {
		t.Error("expected research artifact to be uploaded")
	}
}

func TestExecuteCancelledDuringProgressWrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPatch && r.URL.Path == "/api/claude-runs/run-1/progress":
			json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
		case r.Method == http.MethodPatch && r.URL.Path == "/api/claude-runs/run-1/status":
			var payload map[string]any
			json.NewDecoder(r.Body).Decode(&payload)
			json.NewEncoder(w).Encode(RunDTO{ID: "run-1", Status: payload["status"].(string)})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "key", "runner-1", nil)
	backend := &agentbackend.MockBackend{Output: procexec.Output{Success: true}}
	l := New(client, backend, nil, nil, Config{
		WorkspaceRoot:       t.TempDir(),
		Capabilities:        []capability.Tier{capability.Light},
		MaxConcurrentBuilds: 1,
	}, slog.Default())

	run := &RunDTO{ID: "run-1", TaskID: "task-1", Action: capability.ActionResearch}
	status, _, _ := l.execute(context.Background(), run, slog.Default())
	if status != statusCancelled {
		t.Errorf("expected cancelled status, got %q", status)
	}
	if backend.PreflightCall != 0 {
		t.Error("preflight should not be invoked by execute")
	}
	if _, err := os.Stat(l.workspaceRoot); err != nil {
		t.Errorf("expected workspace root to exist: %v", err)
	}
}
