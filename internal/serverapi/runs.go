package serverapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ilovenuclearpower/flowstate/internal/metrics"
	"github.com/ilovenuclearpower/flowstate/internal/runstore"
	"github.com/ilovenuclearpower/flowstate/internal/task"
	"github.com/ilovenuclearpower/flowstate/pkg/capability"
	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

// RunsHandler serves the /api/claude-runs surface: run creation, claim, and
// progress/status/pr updates.
type RunsHandler struct {
	runs  *runstore.Store
	tasks *task.Store
}

// NewRunsHandler builds a RunsHandler.
func NewRunsHandler(runs *runstore.Store, tasks *task.Store) *RunsHandler {
	return &RunsHandler{runs: runs, tasks: tasks}
}

// RegisterRoutes registers run routes on mux.
func (h *RunsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/claude-runs", h.handleCreate)
	mux.HandleFunc("GET /api/claude-runs/next", h.handleNext)
	mux.HandleFunc("PATCH /api/claude-runs/{id}/progress", h.handleProgress)
	mux.HandleFunc("PATCH /api/claude-runs/{id}/status", h.handleStatus)
	mux.HandleFunc("PATCH /api/claude-runs/{id}/pr", h.handlePR)
}

type createRunRequest struct {
	TaskID             string  `json:"task_id"`
	Action             string  `json:"action"`
	RequiredCapability *string `json:"required_capability,omitempty"`
}

// handleCreate enqueues a new run, rejecting it if the task's approval gate
// does not yet permit this action per internal/task.CanEnqueue.
func (h *RunsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	action := capability.Action(req.Action)
	if !action.Valid() {
		writeError(w, http.StatusBadRequest, "unknown action")
		return
	}

	t, err := h.tasks.GetTask(r.Context(), req.TaskID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if ok, reason := t.CanEnqueue(action); !ok {
		writeError(w, http.StatusBadRequest, reason)
		return
	}

	var tier *capability.Tier
	if req.RequiredCapability != nil {
		parsed, err := capability.Parse(*req.RequiredCapability)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		tier = &parsed
	}

	run, err := h.runs.Create(r.Context(), req.TaskID, action, tier)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRunDTO(run))
}

// handleNext claims the oldest eligible queued run for the calling runner.
func (h *RunsHandler) handleNext(w http.ResponseWriter, r *http.Request) {
	runnerID := r.Header.Get("X-Runner-Id")

	var tiers []capability.Tier
	if raw := r.URL.Query().Get("caps"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			tier, err := capability.Parse(name)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			tiers = append(tiers, tier)
		}
	}

	run, err := h.runs.ClaimNext(r.Context(), tiers)
	if err != nil {
		writeErr(w, err)
		return
	}
	if run == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if runnerID != "" {
		assigned, err := h.runs.AssignRunner(r.Context(), run.ID, runnerID)
		if err == nil {
			run = assigned
		}
	}
	metrics.RecordClaim(string(run.Action))
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

type progressRequest struct {
	Message string `json:"message"`
}

// handleProgress records a progress message and echoes the run's current
// status, so the runner can detect an externally-requested cancellation on
// its next write without a separate round trip.
func (h *RunsHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	run, err := h.runs.UpdateProgress(r.Context(), id, req.Message)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

type statusRequest struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// handleStatus transitions a run's status. Setting cancelled is permitted
// from any non-terminal state per spec.md §5; every other transition is the
// runner loop reporting its own outcome.
func (h *RunsHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	status := runstore.Status(req.Status)

	run, err := h.runs.UpdateStatus(r.Context(), id, status, req.Error, req.ExitCode)
	if err != nil {
		writeErr(w, err)
		return
	}
	if status.Terminal() {
		metrics.RecordOutcome(string(run.Action), string(run.Status))
		if status == runstore.StatusCompleted && run.Action == capability.ActionBuild {
			if err := h.tasks.MarkBuildCompleted(r.Context(), run.TaskID); err != nil {
				writeErr(w, rseserrors.Wrap(err, "marking build completed"))
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}

type prRequest struct {
	PRURL      string `json:"pr_url"`
	PRNumber   int    `json:"pr_number"`
	BranchName string `json:"branch_name"`
}

// handlePR records the pull request opened for a build run.
func (h *RunsHandler) handlePR(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req prRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	run, err := h.runs.UpdatePR(r.Context(), id, req.PRURL, req.PRNumber, req.BranchName)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunDTO(run))
}
