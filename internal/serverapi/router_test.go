package serverapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/ilovenuclearpower/flowstate/internal/auth"
	"github.com/ilovenuclearpower/flowstate/internal/objectstore"
	"github.com/ilovenuclearpower/flowstate/internal/runstore"
	"github.com/ilovenuclearpower/flowstate/internal/secretcrypto"
	"github.com/ilovenuclearpower/flowstate/internal/task"
)

// testEnv wires a Router against real Postgres-backed stores, skipping when
// FLOWSTATE_TEST_DATABASE_URL is unset, mirroring internal/runstore's own
// test convention.
type testEnv struct {
	router *Router
	runs   *runstore.Store
	tasks  *task.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := os.Getenv("FLOWSTATE_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FLOWSTATE_TEST_DATABASE_URL not set, skipping Postgres-backed test")
	}
	ctx := context.Background()

	runs, err := runstore.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("runstore.Open: %v", err)
	}
	t.Cleanup(func() { runs.Close() })

	tasks, err := task.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("task.Open: %v", err)
	}
	t.Cleanup(func() { tasks.Close() })

	artifacts, err := objectstore.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("objectstore.NewLocalStore: %v", err)
	}

	key := bytes.Repeat([]byte{0x42}, 32)
	box, err := secretcrypto.NewBox(key)
	if err != nil {
		t.Fatalf("secretcrypto.NewBox: %v", err)
	}

	authn := auth.NewBearerAuthenticator([]string{"test-token"})

	router := NewRouter(Config{
		Runs:      runs,
		Tasks:     tasks,
		Artifacts: artifacts,
		Box:       box,
		Authn:     authn,
	})

	return &testEnv{router: router, runs: runs, tasks: tasks}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) newTask(t *testing.T) string {
	t.Helper()
	id := uuid.NewString()
	if err := e.tasks.CreateTask(context.Background(), &task.Task{
		ID:        id,
		ProjectID: uuid.NewString(),
		Title:     "add retries",
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return id
}

func TestRunLifecycleCreateClaimProgressStatus(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.newTask(t)

	body, _ := json.Marshal(map[string]string{"task_id": taskID, "action": "research"})
	rec := env.do(t, http.MethodPost, "/api/claude-runs", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created runDTO
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.Status != "queued" {
		t.Fatalf("expected queued status, got %s", created.Status)
	}

	rec = env.do(t, http.MethodGet, "/api/claude-runs/next?caps=light", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("next: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var claimed runDTO
	json.Unmarshal(rec.Body.Bytes(), &claimed)
	if claimed.ID != created.ID {
		t.Fatalf("expected to claim the created run, got %s", claimed.ID)
	}

	progressBody, _ := json.Marshal(map[string]string{"message": "working"})
	rec = env.do(t, http.MethodPatch, "/api/claude-runs/"+claimed.ID+"/progress", progressBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	statusBody, _ := json.Marshal(map[string]string{"status": "completed"})
	rec = env.do(t, http.MethodPatch, "/api/claude-runs/"+claimed.ID+"/status", statusBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var finished runDTO
	json.Unmarshal(rec.Body.Bytes(), &finished)
	if finished.Status != "completed" {
		t.Fatalf("expected completed, got %s", finished.Status)
	}
}

func TestPlanRunBlockedWithoutApprovedSpec(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.newTask(t)

	body, _ := json.Marshal(map[string]string{"task_id": taskID, "action": "plan"})
	rec := env.do(t, http.MethodPost, "/api/claude-runs", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 blocking plan without approved spec, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestPutArtifactRevokesApprovalOnRewrite(t *testing.T) {
	env := newTestEnv(t)
	taskID := env.newTask(t)

	rec := env.do(t, http.MethodPut, "/api/tasks/"+taskID+"/spec", []byte("# v1"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put spec: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	approvalBody, _ := json.Marshal(map[string]string{"phase": "spec", "action": "approve"})
	rec = env.do(t, http.MethodPatch, "/api/tasks/"+taskID, approvalBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	planBody, _ := json.Marshal(map[string]string{"task_id": taskID, "action": "plan"})
	rec = env.do(t, http.MethodPost, "/api/claude-runs", planBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected plan to be enqueueable once spec approved, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPut, "/api/tasks/"+taskID+"/spec", []byte("# v2"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put spec v2: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	planBody2, _ := json.Marshal(map[string]string{"task_id": taskID, "action": "plan"})
	rec = env.do(t, http.MethodPost, "/api/claude-runs", planBody2)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected plan blocked after spec rewrite revoked approval, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/claude-runs/next", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealthzIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
