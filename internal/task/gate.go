package task

import (
	"fmt"

	"github.com/ilovenuclearpower/flowstate/pkg/capability"
)

// CanEnqueue reports whether a run of the given action is permitted to be
// enqueued for this task right now, per spec.md §4.8's precondition table.
// On rejection it returns a human-readable reason.
func (t *Task) CanEnqueue(action capability.Action) (bool, string) {
	switch action {
	case capability.ActionResearch, capability.ActionDesign,
		capability.ActionResearchDistill, capability.ActionDesignDistill:
		return true, ""

	case capability.ActionPlan, capability.ActionPlanDistill:
		if t.Spec.Status != ApprovalApproved {
			return false, "specification must be approved before planning"
		}
		return true, ""

	case capability.ActionBuild:
		if t.Spec.Status != ApprovalApproved {
			return false, "specification must be approved before build"
		}
		if t.Plan.Status != ApprovalApproved {
			return false, "plan must be approved before build"
		}
		return true, ""

	case capability.ActionVerify, capability.ActionVerifyDistill:
		if t.BuildCompletedAt == nil {
			return false, "task has no completed build to verify"
		}
		return true, ""

	default:
		return false, fmt.Sprintf("unknown action %q", action)
	}
}
