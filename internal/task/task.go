// Package task models the minimal slice of the project/task management
// system that the Run Scheduling and Execution Subsystem consumes or
// produces to: task phase, per-phase approval state, and the project
// credentials a run needs to push code and open pull requests. The full
// project/task/sprint CRUD surface is an external collaborator and lives
// outside this module.
package task

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Phase is the lifecycle stage of a task.
type Phase string

const (
	PhaseTodo      Phase = "todo"
	PhaseResearch  Phase = "research"
	PhaseDesign    Phase = "design"
	PhasePlan      Phase = "plan"
	PhaseBuild     Phase = "build"
	PhaseVerify    Phase = "verify"
	PhaseDone      Phase = "done"
	PhaseCancelled Phase = "cancelled"
)

// ApprovalStatus is the state of a single phase's human approval gate.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ArtifactPhase names one of the four gated phases that produce an approvable artifact.
type ArtifactPhase string

const (
	ArtifactResearch     ArtifactPhase = "research"
	ArtifactSpec         ArtifactPhase = "spec"
	ArtifactPlan         ArtifactPhase = "plan"
	ArtifactVerification ArtifactPhase = "verify"
)

// Approval is one phase's gate: its status, the feedback left on rejection,
// and the hash of the artifact contents at the moment it was approved.
type Approval struct {
	Status       ApprovalStatus
	ApprovedHash string
	Feedback     string
}

// Task is the slice of task state the RSES needs to gate enqueue requests
// and assemble prompts.
type Task struct {
	ID          string
	ProjectID   string
	ParentID    *string
	Title       string
	Description string
	Phase       Phase

	Research Approval
	Spec     Approval
	Plan     Approval
	Verify   Approval

	// BuildCompletedAt is set when a build run for this task last completed
	// successfully; the verify phase's enqueue precondition checks it.
	BuildCompletedAt *time.Time
}

// ArtifactHash returns the SHA-256 hex digest of artifact contents, the form
// stored as an approval's ApprovedHash.
func ArtifactHash(contents []byte) string {
	sum := sha256.Sum256(contents)
	return hex.EncodeToString(sum[:])
}

// ApprovalFor returns the Approval for the given artifact phase.
func (t *Task) ApprovalFor(phase ArtifactPhase) *Approval {
	switch phase {
	case ArtifactResearch:
		return &t.Research
	case ArtifactSpec:
		return &t.Spec
	case ArtifactPlan:
		return &t.Plan
	case ArtifactVerification:
		return &t.Verify
	default:
		return nil
	}
}

// ReviseArtifact applies the write-artifact invariant from spec.md §3:
// mutating the artifact revokes an `approved` status back to `pending` and
// clears the hash; if the prior status was `none` and the new body is
// non-empty, it moves to `pending`.
func (a *Approval) ReviseArtifact(newContents []byte) {
	if a.Status == ApprovalApproved {
		a.Status = ApprovalPending
		a.ApprovedHash = ""
		return
	}
	if a.Status == ApprovalNone && len(newContents) > 0 {
		a.Status = ApprovalPending
	}
}

// Approve transitions the approval to `approved` and records the SHA-256 of
// the artifact's current contents.
func (a *Approval) Approve(currentContents []byte) {
	a.Status = ApprovalApproved
	a.ApprovedHash = ArtifactHash(currentContents)
}

// HashMatches reports whether the approved hash matches the given contents,
// the invariant quantified in spec.md §8 invariant 2. Always true when the
// approval is not currently `approved`.
func (a *Approval) HashMatches(contents []byte) bool {
	if a.Status != ApprovalApproved {
		return true
	}
	return a.ApprovedHash != "" && a.ApprovedHash == ArtifactHash(contents)
}

// Project is the repository credential record RSES reads to drive a build
// or verify run's repo-provider calls.
type Project struct {
	ID             string
	Name           string
	RepoURL        string
	EncryptedToken []byte // sealed by secretcrypto.Box; empty if no token configured
	ProviderType   string // "github" or "gitea"
	SkipTLSVerify  bool
}
