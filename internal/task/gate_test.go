package task

import (
	"testing"
	"time"

	"github.com/ilovenuclearpower/flowstate/pkg/capability"
)

func TestCanEnqueueResearchAlwaysAllowed(t *testing.T) {
	tk := &Task{}
	if ok, reason := tk.CanEnqueue(capability.ActionResearch); !ok {
		t.Fatalf("expected research to be enqueueable, got reason %q", reason)
	}
}

func TestCanEnqueuePlanRequiresApprovedSpec(t *testing.T) {
	tk := &Task{}
	if ok, _ := tk.CanEnqueue(capability.ActionPlan); ok {
		t.Fatal("expected plan blocked without spec approval")
	}
	tk.Spec.Status = ApprovalApproved
	if ok, reason := tk.CanEnqueue(capability.ActionPlan); !ok {
		t.Fatalf("expected plan allowed once spec is approved, got reason %q", reason)
	}
}

func TestCanEnqueueBuildRequiresSpecAndPlan(t *testing.T) {
	tk := &Task{}
	tk.Spec.Status = ApprovalApproved
	if ok, _ := tk.CanEnqueue(capability.ActionBuild); ok {
		t.Fatal("expected build blocked without plan approval")
	}
	tk.Plan.Status = ApprovalApproved
	if ok, reason := tk.CanEnqueue(capability.ActionBuild); !ok {
		t.Fatalf("expected build allowed once spec and plan are approved, got reason %q", reason)
	}
}

func TestCanEnqueueVerifyRequiresBuildCompletion(t *testing.T) {
	tk := &Task{}
	if ok, _ := tk.CanEnqueue(capability.ActionVerify); ok {
		t.Fatal("expected verify blocked without a completed build")
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tk.BuildCompletedAt = &now
	if ok, reason := tk.CanEnqueue(capability.ActionVerify); !ok {
		t.Fatalf("expected verify allowed once build completed, got reason %q", reason)
	}
}

func TestApprovalReviseRevokesApproved(t *testing.T) {
	a := Approval{Status: ApprovalApproved, ApprovedHash: "deadbeef"}
	a.ReviseArtifact([]byte("new content"))
	if a.Status != ApprovalPending || a.ApprovedHash != "" {
		t.Fatalf("expected revision to revoke to pending with cleared hash, got %+v", a)
	}
}

func TestApprovalHashMatches(t *testing.T) {
	a := Approval{}
	a.Approve([]byte("contents"))
	if !a.HashMatches([]byte("contents")) {
		t.Fatal("expected matching contents to satisfy hash check")
	}
	if a.HashMatches([]byte("different")) {
		t.Fatal("expected mismatched contents to fail hash check")
	}
}
