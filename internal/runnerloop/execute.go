package runnerloop

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ilovenuclearpower/flowstate/internal/agentbackend"
	"github.com/ilovenuclearpower/flowstate/internal/metrics"
	"github.com/ilovenuclearpower/flowstate/internal/promptassembler"
	"github.com/ilovenuclearpower/flowstate/pkg/capability"
	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

const (
	statusQueued    = "queued"
	statusRunning   = "running"
	statusCompleted = "completed"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
	statusTimedOut  = "timed_out"
)

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	s := slugPattern.ReplaceAllString(strings.ToLower(title), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		s = "task"
	}
	if len(s) > 40 {
		s = s[:40]
	}
	return s
}

func shortRunID(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}

// artifactName maps an action to the Server API's artifact path segment.
func artifactName(action capability.Action) string {
	switch action {
	case capability.ActionResearch, capability.ActionResearchDistill:
		return "research"
	case capability.ActionDesign, capability.ActionDesignDistill:
		return "spec"
	case capability.ActionPlan, capability.ActionPlanDistill:
		return "plan"
	case capability.ActionVerify, capability.ActionVerifyDistill:
		return "verification"
	default:
		return ""
	}
}

func isBuildOrVerify(action capability.Action) bool {
	return action == capability.ActionBuild || action == capability.ActionVerify
}

func timeoutFor(l *Loop, action capability.Action) time.Duration {
	if action == capability.ActionBuild {
		return l.buildTimeout
	}
	return l.lightTimeout
}

// executeAndReport runs a claimed run end to end, always leaving it in a
// terminal status on the Server API before returning.
func (l *Loop) executeAndReport(parent context.Context, run *RunDTO) {
	metrics.RecordClaim(string(run.Action))
	logger := l.logger.With(slog.String("run_id", run.ID), slog.String("task_id", run.TaskID), slog.String("action", string(run.Action)))

	_, ctx, cancel := l.register(run)
	defer l.unregister(run)
	defer cancel()

	go l.watchActivity(ctx, run, cancel)

	start := time.Now()
	status, errMsg, exitCode := l.execute(ctx, run, logger)
	metrics.ObserveSubprocessDuration(string(run.Action), time.Since(start))
	metrics.RecordOutcome(string(run.Action), status)
	if status == statusTimedOut {
		metrics.RecordWatchdogTimeout(string(run.Action))
	}

	if _, err := l.client.UpdateStatus(parent, run.ID, status, errMsg, exitCode); err != nil {
		logger.Error("failed to report terminal status", slog.Any("error", err))
	}
}

// execute drives one run through workspace prep, prompt assembly, the
// agent backend, artifact pickup, and (for build) PR creation, returning
// the terminal status to report.
func (l *Loop) execute(ctx context.Context, run *RunDTO, logger *slog.Logger) (status, errMsg string, exitCode *int) {
	reportProgress := func(message string) bool {
		s, err := l.client.PostProgress(ctx, run.ID, message)
		l.touchActivity(run.ID)
		if err != nil {
			logger.Warn("progress report failed", slog.Any("error", err))
			return true
		}
		return s != statusCancelled
	}

	if !reportProgress("preparing workspace") {
		return statusCancelled, "", nil
	}

	taskCtx, err := l.client.GetTaskContext(ctx, run.TaskID)
	if err != nil {
		return statusFailed, fmt.Sprintf("loading task context: %v", err), nil
	}

	workdir := filepath.Join(l.workspaceRoot, run.TaskID)
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return statusFailed, fmt.Sprintf("creating workspace: %v", err), nil
	}

	var branch, baseBranch string
	if isBuildOrVerify(run.Action) {
		if err := l.workspace.EnsureRepo(ctx, workdir, taskCtx.RepoURL, taskCtx.RepoToken, taskCtx.SkipTLSVerify); err != nil {
			return statusFailed, fmt.Sprintf("ensuring repo: %v", err), nil
		}
		baseBranch, err = l.workspace.DetectDefaultBranch(ctx, workdir)
		if err != nil {
			return statusFailed, fmt.Sprintf("detecting default branch: %v", err), nil
		}
		if run.Action == capability.ActionBuild {
			branch = fmt.Sprintf("flowstate/%s-%s", slugify(taskCtx.TaskTitle), shortRunID(run.ID))
			if err := l.workspace.CreateBranch(ctx, workdir, baseBranch, branch); err != nil {
				return statusFailed, fmt.Sprintf("creating branch: %v", err), nil
			}
		}
	}

	promptCtx := promptassembler.Context{
		ProjectName:      taskCtx.ProjectName,
		RepoURL:          taskCtx.RepoURL,
		TaskTitle:        taskCtx.TaskTitle,
		TaskDescription:  taskCtx.TaskDescription,
		ParentContext:    taskCtx.ParentContext,
		Research:         taskCtx.Research,
		Spec:             taskCtx.Spec,
		Plan:             taskCtx.Plan,
		Verification:     taskCtx.Verification,
		ChildSummaries:   taskCtx.ChildSummaries,
		ReviewerFeedback: taskCtx.ReviewerFeedback,
	}
	prompt := promptassembler.Build(promptCtx, run.Action)

	if !reportProgress("running agent") {
		return statusCancelled, "", nil
	}

	repoToken := ""
	if run.Action == capability.ActionBuild {
		repoToken = taskCtx.RepoToken
	}

	req := agentbackend.RunRequest{
		Prompt:    prompt,
		Workspace: workdir,
		Timeout:   timeoutFor(l, run.Action),
		Grace:     l.killGrace,
		RepoToken: repoToken,
	}
	out, runErr := l.backend.Run(ctx, req)
	if runErr != nil {
		if rseserrors.IsTimeout(runErr) {
			return statusTimedOut, "agent backend exceeded its deadline", nil
		}
		code := out.ExitCode
		return statusFailed, fmt.Sprintf("agent backend failed: %v", runErr), &code
	}

	if !reportProgress("collecting artifacts") {
		return statusCancelled, "", nil
	}

	if name := artifactName(run.Action); name != "" {
		filename := promptassembler.ArtifactFilename(run.Action)
		if body, readErr := os.ReadFile(filepath.Join(workdir, filename)); readErr == nil {
			if putErr := l.client.PutArtifact(ctx, run.TaskID, name, string(body)); putErr != nil {
				logger.Warn("failed to upload artifact", slog.Any("error", putErr))
			}
		}
	}

	if run.Action == capability.ActionBuild {
		if err := l.finishBuild(ctx, run, workdir, branch, baseBranch, taskCtx, logger); err != nil {
			return statusFailed, err.Error(), nil
		}
	}

	code := out.ExitCode
	if !out.Success {
		return statusFailed, fmt.Sprintf("agent exited with code %d", out.ExitCode), &code
	}
	return statusCompleted, "", &code
}

func (l *Loop) finishBuild(ctx context.Context, run *RunDTO, workdir, branch, baseBranch string, taskCtx *TaskContext, logger *slog.Logger) error {
	if err := l.workspace.AddAndCommit(ctx, workdir, fmt.Sprintf("flowstate: %s", taskCtx.TaskTitle)); err != nil {
		return fmt.Errorf("committing changes: %w", err)
	}

	provider, err := l.providers.Resolve(taskCtx.RepoURL)
	if err != nil {
		return fmt.Errorf("resolving repo provider: %w", err)
	}
	if err := provider.PushBranch(ctx, workdir, branch); err != nil {
		return fmt.Errorf("pushing branch: %w", err)
	}

	title := fmt.Sprintf("flowstate: %s", taskCtx.TaskTitle)
	body := taskCtx.TaskDescription
	pr, err := provider.OpenPullRequest(ctx, workdir, branch, title, body, baseBranch)
	if err != nil {
		return fmt.Errorf("opening pull request: %w", err)
	}

	if _, err := l.client.UpdatePR(ctx, run.ID, pr.URL, pr.Number, pr.Branch); err != nil {
		logger.Warn("failed to record pull request on run", slog.Any("error", err))
	}
	return nil
}
