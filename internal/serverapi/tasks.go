package serverapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ilovenuclearpower/flowstate/internal/objectstore"
	"github.com/ilovenuclearpower/flowstate/internal/secretcrypto"
	"github.com/ilovenuclearpower/flowstate/internal/task"
)

// artifactRoute names one of the four gated artifact phases as it appears
// on the wire: the URL path segment, the objectstore filename, and the
// task approval phase it gates.
type artifactRoute struct {
	segment  string
	filename string
	phase    task.ArtifactPhase
}

var artifactRoutes = []artifactRoute{
	{"research", objectstore.ResearchFile, task.ArtifactResearch},
	{"spec", objectstore.SpecificationFile, task.ArtifactSpec},
	{"plan", objectstore.PlanFile, task.ArtifactPlan},
	{"verification", objectstore.VerificationFile, task.ArtifactVerification},
}

// TasksHandler serves /api/tasks/:id/context and the four artifact routes.
type TasksHandler struct {
	tasks     *task.Store
	artifacts objectstore.Store
	box       *secretcrypto.Box // nil if no master key is configured
}

// NewTasksHandler builds a TasksHandler. box may be nil, in which case
// project repo tokens are never decrypted and GetTaskContext returns an
// empty RepoToken.
func NewTasksHandler(tasks *task.Store, artifacts objectstore.Store, box *secretcrypto.Box) *TasksHandler {
	return &TasksHandler{tasks: tasks, artifacts: artifacts, box: box}
}

// RegisterRoutes registers task routes on mux.
func (h *TasksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks/{id}/context", h.handleContext)
	for _, route := range artifactRoutes {
		route := route
		mux.HandleFunc("GET /api/tasks/{id}/"+route.segment, h.handleGetArtifact(route))
		mux.HandleFunc("PUT /api/tasks/{id}/"+route.segment, h.handlePutArtifact(route))
	}
}

// taskContextDTO is the wire shape internal/runnerloop.TaskContext decodes.
// The Server API decrypts the stored repo token before returning it; the
// master key itself never leaves this process.
type taskContextDTO struct {
	ProjectName      string   `json:"project_name"`
	RepoURL          string   `json:"repo_url"`
	RepoToken        string   `json:"repo_token,omitempty"`
	SkipTLSVerify    bool     `json:"skip_tls_verify,omitempty"`
	TaskTitle        string   `json:"task_title"`
	TaskDescription  string   `json:"task_description"`
	ParentContext    string   `json:"parent_context,omitempty"`
	Research         string   `json:"research,omitempty"`
	Spec             string   `json:"spec,omitempty"`
	Plan             string   `json:"plan,omitempty"`
	Verification     string   `json:"verification,omitempty"`
	ChildSummaries   []string `json:"child_summaries,omitempty"`
	ReviewerFeedback string   `json:"reviewer_feedback,omitempty"`
}

func (h *TasksHandler) handleContext(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	project, err := h.tasks.GetProject(r.Context(), t.ProjectID)
	if err != nil {
		writeErr(w, err)
		return
	}

	dto := taskContextDTO{
		ProjectName:     project.Name,
		RepoURL:         project.RepoURL,
		SkipTLSVerify:   project.SkipTLSVerify,
		TaskTitle:       t.Title,
		TaskDescription: t.Description,
	}

	if len(project.EncryptedToken) > 0 && h.box != nil {
		plaintext, err := h.box.Open(project.EncryptedToken)
		if err != nil {
			writeErr(w, err)
			return
		}
		dto.RepoToken = string(plaintext)
	}

	for _, route := range artifactRoutes {
		body, err := h.artifacts.Get(r.Context(), objectstore.ArtifactKey(id, route.filename))
		if err != nil {
			continue // absent artifact: leave the field empty
		}
		switch route.phase {
		case task.ArtifactResearch:
			dto.Research = string(body)
		case task.ArtifactSpec:
			dto.Spec = string(body)
		case task.ArtifactPlan:
			dto.Plan = string(body)
		case task.ArtifactVerification:
			dto.Verification = string(body)
		}
	}
	if t.Research.Status == task.ApprovalRejected {
		dto.ReviewerFeedback = t.Research.Feedback
	} else if t.Spec.Status == task.ApprovalRejected {
		dto.ReviewerFeedback = t.Spec.Feedback
	} else if t.Plan.Status == task.ApprovalRejected {
		dto.ReviewerFeedback = t.Plan.Feedback
	} else if t.Verify.Status == task.ApprovalRejected {
		dto.ReviewerFeedback = t.Verify.Feedback
	}

	writeJSON(w, http.StatusOK, dto)
}

func (h *TasksHandler) handleGetArtifact(route artifactRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		body, err := h.artifacts.Get(r.Context(), objectstore.ArtifactKey(id, route.filename))
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write(body)
	}
}

func (h *TasksHandler) handlePutArtifact(route artifactRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
			return
		}
		if err := h.artifacts.Put(r.Context(), objectstore.ArtifactKey(id, route.filename), body); err != nil {
			writeErr(w, err)
			return
		}
		if err := h.tasks.ReviseArtifact(r.Context(), id, route.phase, body); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// approvalRequest is the body for PATCH /api/tasks/:id approving or
// rejecting an artifact phase.
type approvalRequest struct {
	Phase    string `json:"phase"`
	Action   string `json:"action"` // "approve" or "reject"
	Feedback string `json:"feedback,omitempty"`
}

// RegisterApprovalRoute registers PATCH /api/tasks/:id, the approval gate
// spec.md §4.8 describes separately from the artifact read/write routes.
func (h *TasksHandler) RegisterApprovalRoute(mux *http.ServeMux) {
	mux.HandleFunc("PATCH /api/tasks/{id}", h.handleApproval)
}

func (h *TasksHandler) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	phase := task.ArtifactPhase(req.Phase)

	var route *artifactRoute
	for i := range artifactRoutes {
		if artifactRoutes[i].phase == phase {
			route = &artifactRoutes[i]
			break
		}
	}
	if route == nil {
		writeError(w, http.StatusBadRequest, "unknown artifact phase")
		return
	}

	switch req.Action {
	case "approve":
		body, err := h.artifacts.Get(r.Context(), objectstore.ArtifactKey(id, route.filename))
		if err != nil {
			writeErr(w, err)
			return
		}
		if err := h.tasks.ApproveArtifact(r.Context(), id, phase, body); err != nil {
			writeErr(w, err)
			return
		}
	case "reject":
		if err := h.tasks.RejectArtifact(r.Context(), id, phase, req.Feedback); err != nil {
			writeErr(w, err)
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "action must be approve or reject")
		return
	}

	t, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
