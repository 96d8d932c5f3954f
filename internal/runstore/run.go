// Package runstore is the persistent run queue: the system of record for
// every run from enqueue through a terminal state, and the single point of
// atomic capability-gated claim that hands execution ownership to a runner.
package runstore

import (
	"time"

	"github.com/ilovenuclearpower/flowstate/pkg/capability"
)

// Status is a run's position in its state machine.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"

	// StatusSalvaging names the intermediate state a future artifact-salvage
	// pass would occupy between a runner crash and a terminal transition. No
	// code path produces it yet; it exists so the watchdog's second pass has
	// a named target to sweep per spec.md's shorter salvage threshold.
	StatusSalvaging Status = "salvaging"
)

// Terminal reports whether s is a final state. finished_at is set on entry
// to a terminal state and never changed afterward.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// Run is one unit of scheduled agent work.
type Run struct {
	ID                   string
	TaskID               string
	Action               capability.Action
	Status               Status
	RequiredCapability   *capability.Tier // nil means "any tier accepted"
	RunnerID             string           // set on claim
	Progress             string
	ExitCode             *int
	ErrorMessage         string
	PRURL                string
	PRNumber             *int
	PRBranch             string
	StartedAt            *time.Time // updated on every transition into running
	FinishedAt           *time.Time // terminal only, set once
	CreatedAt            time.Time
}

// DefaultCapability returns the default required tier for action, the same
// ordering the capability package defines: research and all distill variants
// are light, design/plan/verify are standard, build is heavy.
func DefaultCapability(action capability.Action) capability.Tier {
	return capability.DefaultForAction(action)
}
