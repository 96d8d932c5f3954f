package runnerloop

import (
	"encoding/json"
	"net/http"
)

// HealthSnapshot is served as JSON at the runner's health endpoint, per
// spec.md's `GET /health` contract.
type HealthSnapshot struct {
	Status           string           `json:"status"`
	ActiveCount      int              `json:"active_count"`
	ActiveBuildCount int              `json:"active_build_count"`
	Runs             []HealthRunEntry `json:"runs"`
}

// HealthRunEntry describes one in-flight run for the health snapshot.
type HealthRunEntry struct {
	RunID          string  `json:"run_id"`
	TaskID         string  `json:"task_id"`
	Action         string  `json:"action"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

// HealthHandler serves l's current snapshot at GET /health.
func HealthHandler(l *Loop) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(l.Snapshot())
	})
}
