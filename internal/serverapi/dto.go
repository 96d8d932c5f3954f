package serverapi

import "github.com/ilovenuclearpower/flowstate/internal/runstore"

// runDTO is the wire representation of a run, matching the field names
// internal/runnerloop.RunDTO decodes on the runner side.
type runDTO struct {
	ID                 string  `json:"id"`
	TaskID             string  `json:"task_id"`
	Action             string  `json:"action"`
	Status             string  `json:"status"`
	RequiredCapability *string `json:"required_capability,omitempty"`
	RunnerID           string  `json:"runner_id,omitempty"`
	Progress           string  `json:"progress,omitempty"`
	ExitCode           *int    `json:"exit_code,omitempty"`
	ErrorMessage       string  `json:"error,omitempty"`
	PRURL              string  `json:"pr_url,omitempty"`
	PRNumber           *int    `json:"pr_number,omitempty"`
	PRBranch           string  `json:"pr_branch,omitempty"`
}

func toRunDTO(r *runstore.Run) runDTO {
	dto := runDTO{
		ID:           r.ID,
		TaskID:       r.TaskID,
		Action:       string(r.Action),
		Status:       string(r.Status),
		RunnerID:     r.RunnerID,
		Progress:     r.Progress,
		ExitCode:     r.ExitCode,
		ErrorMessage: r.ErrorMessage,
		PRURL:        r.PRURL,
		PRNumber:     r.PRNumber,
		PRBranch:     r.PRBranch,
	}
	if r.RequiredCapability != nil {
		name := r.RequiredCapability.String()
		dto.RequiredCapability = &name
	}
	return dto
}
