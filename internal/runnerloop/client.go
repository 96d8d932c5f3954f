// Package runnerloop drives the steady-state poll-claim-execute cycle on a
// single worker host: claim the next eligible run from the Server API,
// prepare a workspace, invoke the agent backend, pick up artifacts and open
// pull requests, and report the outcome back. It never talks to the Run
// Store directly — every interaction goes through the Server API's HTTP
// surface, since a runner may live on a different host entirely.
package runnerloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ilovenuclearpower/flowstate/pkg/capability"
	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

// RunDTO is the Server API's wire representation of a run, decoded from
// JSON responses to claim/update calls.
type RunDTO struct {
	ID                 string            `json:"id"`
	TaskID             string            `json:"task_id"`
	Action             capability.Action `json:"action"`
	Status             string            `json:"status"`
	RequiredCapability *string           `json:"required_capability,omitempty"`
	RunnerID           string            `json:"runner_id,omitempty"`
	Progress           string            `json:"progress,omitempty"`
	ExitCode           *int              `json:"exit_code,omitempty"`
	ErrorMessage       string            `json:"error,omitempty"`
	PRURL              string            `json:"pr_url,omitempty"`
	PRNumber           *int              `json:"pr_number,omitempty"`
	PRBranch           string            `json:"pr_branch,omitempty"`
}

// TaskContext is the subset of task and project metadata the runner needs
// to assemble a prompt and, for build/verify phases, prepare a workspace.
// The Server API decrypts the stored repository token before returning it
// here; the master key itself never leaves the server process.
type TaskContext struct {
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

// Client talks to the Server API on behalf of a single runner identity.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	runnerID   string
}

// NewClient builds a Client against baseURL, authenticating as apiKey and
// identifying itself as runnerID on claim requests.
func NewClient(baseURL, apiKey, runnerID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		runnerID:   runnerID,
	}
}

func (c *Client) addAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &rseserrors.ProviderError{Provider: "server_api", Op: method + " " + path, Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &rseserrors.ProviderError{Provider: "server_api", Op: method + " " + path, Cause: err}
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &rseserrors.ProviderError{Provider: "server_api", Op: method + " " + path,
			Cause: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}
	return resp, nil
}

// ClaimNext asks the Server API for the next eligible run among tiers. A
// 204 response means no work is available and is reported as (nil, nil),
// not an error.
func (c *Client) ClaimNext(ctx context.Context, tiers []capability.Tier) (*RunDTO, error) {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = tierName(t)
	}
	path := "/api/claude-runs/next?caps=" + url.QueryEscape(strings.Join(names, ","))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &rseserrors.ProviderError{Provider: "server_api", Op: "claim_next", Cause: err}
	}
	req.Header.Set("X-Runner-Id", c.runnerID)
	c.addAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &rseserrors.ProviderError{Provider: "server_api", Op: "claim_next", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return nil, &rseserrors.ProviderError{Provider: "server_api", Op: "claim_next",
			Cause: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}

	var run RunDTO
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, &rseserrors.ProviderError{Provider: "server_api", Op: "claim_next", Cause: err}
	}
	return &run, nil
}

// PostProgress records a progress message and returns the run's current
// status, so the runner can detect an externally-requested cancellation
// without a separate round trip.
func (c *Client) PostProgress(ctx context.Context, runID, message string) (string, error) {
	body, _ := json.Marshal(map[string]string{"message": message})
	resp, err := c.do(ctx, http.MethodPatch, "/api/claude-runs/"+runID+"/progress", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// A 204 with no body is a valid success response; status is then unknown
		// and callers fall back to treating the run as still running.
		return "", nil
	}
	return out.Status, nil
}

// UpdateStatus transitions a run to a terminal or intermediate status.
func (c *Client) UpdateStatus(ctx context.Context, runID, status, errMsg string, exitCode *int) (*RunDTO, error) {
	payload := map[string]any{"status": status}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	if exitCode != nil {
		payload["exit_code"] = *exitCode
	}
	body, _ := json.Marshal(payload)
	resp, err := c.do(ctx, http.MethodPatch, "/api/claude-runs/"+runID+"/status", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var run RunDTO
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, &rseserrors.ProviderError{Provider: "server_api", Op: "update_status", Cause: err}
	}
	return &run, nil
}

// UpdatePR records the pull request opened for a build run.
func (c *Client) UpdatePR(ctx context.Context, runID, prURL string, prNumber int, branch string) (*RunDTO, error) {
	body, _ := json.Marshal(map[string]any{"pr_url": prURL, "pr_number": prNumber, "branch_name": branch})
	resp, err := c.do(ctx, http.MethodPatch, "/api/claude-runs/"+runID+"/pr", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var run RunDTO
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return nil, &rseserrors.ProviderError{Provider: "server_api", Op: "update_pr", Cause: err}
	}
	return &run, nil
}

// GetTaskContext fetches the task and project metadata needed to assemble
// a prompt and, for build/verify phases, clone the repository.
func (c *Client) GetTaskContext(ctx context.Context, taskID string) (*TaskContext, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/tasks/"+taskID+"/context", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var tc TaskContext
	if err := json.NewDecoder(resp.Body).Decode(&tc); err != nil {
		return nil, &rseserrors.ProviderError{Provider: "server_api", Op: "get_task_context", Cause: err}
	}
	return &tc, nil
}

// GetArtifact reads a task artifact (spec, plan, research, verification) by name.
func (c *Client) GetArtifact(ctx context.Context, taskID, name string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/tasks/"+taskID+"/"+name, nil)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &rseserrors.ProviderError{Provider: "server_api", Op: "get_artifact", Cause: err}
	}
	return string(data), nil
}

// PutArtifact writes a task artifact's raw body by name.
func (c *Client) PutArtifact(ctx context.Context, taskID, name, body string) error {
	resp, err := c.do(ctx, http.MethodPut, "/api/tasks/"+taskID+"/"+name, strings.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func isNotFound(err error) bool {
	pe, ok := err.(*rseserrors.ProviderError)
	if !ok {
		return false
	}
	return strings.Contains(pe.Error(), "status 404")
}

func tierName(t capability.Tier) string {
	switch t {
	case capability.Light:
		return "light"
	case capability.Standard:
		return "standard"
	case capability.Heavy:
		return "heavy"
	default:
		return strconv.Itoa(int(t))
	}
}
