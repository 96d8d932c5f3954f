// Package promptassembler builds the Markdown prompt handed to an agent
// backend from a task's context. It performs no I/O: equal contexts always
// yield byte-equal prompts.
package promptassembler

import (
	"strings"

	"github.com/ilovenuclearpower/flowstate/pkg/capability"
)

// Context is the plain record of everything a prompt may reference.
type Context struct {
	ProjectName     string
	RepoURL         string
	TaskTitle       string
	TaskDescription string

	ParentContext string // optional, at most one hop of parent-task context

	Research     string // optional prior artifact
	Spec         string
	Plan         string
	Verification string

	ChildSummaries []string

	ReviewerFeedback string // optional, set when a phase was rejected and is being retried
}

// ArtifactFilename names the file the agent must write for each action, the
// same name the runner loop looks for in the workspace after the agent
// backend returns.
func ArtifactFilename(action capability.Action) string {
	switch action {
	case capability.ActionResearch, capability.ActionResearchDistill:
		return "RESEARCH.md"
	case capability.ActionDesign, capability.ActionDesignDistill:
		return "SPECIFICATION.md"
	case capability.ActionPlan, capability.ActionPlanDistill:
		return "PLAN.md"
	case capability.ActionVerify, capability.ActionVerifyDistill:
		return "VERIFICATION.md"
	case capability.ActionBuild:
		return ""
	default:
		return ""
	}
}

func instructionFor(action capability.Action, filename string) string {
	switch action {
	case capability.ActionResearch:
		return "Research the task below and write your findings to `" + filename + "`."
	case capability.ActionDesign:
		return "Write a complete specification for the task below to `" + filename + "`."
	case capability.ActionPlan:
		return "Write an implementation plan for the approved specification to `" + filename + "`."
	case capability.ActionBuild:
		return "Implement the approved plan, committing your changes to the repository."
	case capability.ActionVerify:
		return "Verify the build output against the approved plan and specification, writing your findings to `" + filename + "`."
	case capability.ActionResearchDistill, capability.ActionDesignDistill, capability.ActionPlanDistill, capability.ActionVerifyDistill:
		return "Revise `" + filename + "` to address the reviewer feedback below."
	default:
		return ""
	}
}

// Build deterministically renders ctx into a Markdown prompt for action: a
// preamble that concatenates present sections in a fixed order, then a
// per-action instruction block naming the artifact the agent must write.
func Build(ctx Context, action capability.Action) string {
	var b strings.Builder

	writeSection := func(heading, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		b.WriteString("## ")
		b.WriteString(heading)
		b.WriteString("\n\n")
		b.WriteString(strings.TrimSpace(body))
		b.WriteString("\n\n")
	}

	b.WriteString("# ")
	b.WriteString(ctx.ProjectName)
	b.WriteString(": ")
	b.WriteString(ctx.TaskTitle)
	b.WriteString("\n\n")

	writeSection("Repository", ctx.RepoURL)
	writeSection("Task Description", ctx.TaskDescription)
	writeSection("Parent Task Context", ctx.ParentContext)
	writeSection("Prior Research", ctx.Research)
	writeSection("Prior Specification", ctx.Spec)
	writeSection("Prior Plan", ctx.Plan)
	writeSection("Prior Verification", ctx.Verification)

	if len(ctx.ChildSummaries) > 0 {
		var summaries strings.Builder
		for _, s := range ctx.ChildSummaries {
			summaries.WriteString("- ")
			summaries.WriteString(s)
			summaries.WriteString("\n")
		}
		writeSection("Subtask Summaries", summaries.String())
	}

	writeSection("Reviewer Feedback", ctx.ReviewerFeedback)

	filename := ArtifactFilename(action)
	b.WriteString("## Instructions\n\n")
	b.WriteString(instructionFor(action, filename))
	b.WriteString("\n")

	return b.String()
}
