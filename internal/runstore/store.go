package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ilovenuclearpower/flowstate/pkg/capability"
	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id                  TEXT PRIMARY KEY,
	task_id             TEXT NOT NULL,
	action              TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'queued',
	required_capability TEXT,
	runner_id           TEXT NOT NULL DEFAULT '',
	progress            TEXT NOT NULL DEFAULT '',
	exit_code           INTEGER,
	error_message       TEXT NOT NULL DEFAULT '',
	pr_url              TEXT NOT NULL DEFAULT '',
	pr_number           INTEGER,
	pr_branch           TEXT NOT NULL DEFAULT '',
	started_at          TIMESTAMPTZ,
	finished_at         TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS runs_status_started_at_idx ON runs (status, started_at);
`

// Store is the Postgres-backed Run Store.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("runstore: opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("runstore: pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("runstore: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

const runColumns = `id, task_id, action, status, required_capability, runner_id,
	progress, exit_code, error_message, pr_url, pr_number, pr_branch,
	started_at, finished_at, created_at`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var requiredCap sql.NullString
	err := row.Scan(
		&r.ID, &r.TaskID, &r.Action, &r.Status, &requiredCap, &r.RunnerID,
		&r.Progress, &r.ExitCode, &r.ErrorMessage, &r.PRURL, &r.PRNumber, &r.PRBranch,
		&r.StartedAt, &r.FinishedAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if requiredCap.Valid {
		tier, perr := capability.Parse(requiredCap.String)
		if perr != nil {
			return nil, perr
		}
		r.RequiredCapability = &tier
	}
	return &r, nil
}

// Create inserts a new run with status queued. If requiredCapability is nil,
// the per-action default tier from pkg/capability is used.
func (s *Store) Create(ctx context.Context, taskID string, action capability.Action, requiredCapability *capability.Tier) (*Run, error) {
	if !action.Valid() {
		return nil, &rseserrors.InvalidInputError{Reason: fmt.Sprintf("unknown action %q", action)}
	}
	tier := requiredCapability
	if tier == nil {
		def := DefaultCapability(action)
		tier = &def
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, action, status, required_capability, started_at, created_at)
		VALUES ($1, $2, $3, 'queued', $4, $5, $5)`,
		id, taskID, string(action), tier.String(), now)
	if err != nil {
		return nil, &rseserrors.StorageError{Op: "create_run", Cause: err}
	}
	return s.Get(ctx, id)
}

// Get fetches a run by ID.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &rseserrors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, &rseserrors.StorageError{Op: "get_run", Cause: err}
	}
	return r, nil
}

// ClaimNext atomically claims the oldest queued run whose required
// capability is satisfied by any tier in tiers (or unset), transitioning it
// to running. Returns nil, nil if no claimable run exists. Two concurrent
// claims from different callers are guaranteed disjoint results: the SELECT
// takes FOR UPDATE SKIP LOCKED inside a transaction so a row a concurrent
// claim is already holding is simply skipped rather than blocked on.
func (s *Store) ClaimNext(ctx context.Context, tiers []capability.Tier) (*Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &rseserrors.StorageError{Op: "claim_next_begin", Cause: err}
	}
	defer tx.Rollback()

	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = t.String()
	}

	var query string
	var args []any
	if len(names) == 0 {
		query = `SELECT ` + runColumns + ` FROM runs WHERE status = 'queued' AND required_capability IS NULL
			ORDER BY started_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`
	} else {
		query = `SELECT ` + runColumns + ` FROM runs WHERE status = 'queued'
			AND (required_capability IS NULL OR required_capability = ANY($1::text[]))
			ORDER BY started_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`
		args = append(args, names)
	}

	row := tx.QueryRowContext(ctx, query, args...)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, &rseserrors.StorageError{Op: "claim_next_select", Cause: err}
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = 'running', started_at = $1 WHERE id = $2`, now, r.ID); err != nil {
		return nil, &rseserrors.StorageError{Op: "claim_next_update", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &rseserrors.StorageError{Op: "claim_next_commit", Cause: err}
	}
	r.Status = StatusRunning
	r.StartedAt = &now
	return r, nil
}

// AssignRunner records which runner claimed a run, for the health endpoint
// and operator visibility. Called by the Server API immediately after
// ClaimNext, since the claiming runner's identity arrives as a request
// header rather than being known to the Store itself.
func (s *Store) AssignRunner(ctx context.Context, id, runnerID string) (*Run, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET runner_id = $1 WHERE id = $2`, runnerID, id)
	if err != nil {
		return nil, &rseserrors.StorageError{Op: "assign_runner", Cause: err}
	}
	return s.Get(ctx, id)
}

// UpdateStatus writes status and, if terminal, sets finished_at. Safe to
// call again on an already-terminal run; finished_at is only ever set once
// because the update clause leaves it alone when already non-null.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, errMsg string, exitCode *int) (*Run, error) {
	var err error
	if status.Terminal() {
		_, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = $1, error_message = $2, exit_code = $3,
				finished_at = COALESCE(finished_at, now())
			WHERE id = $4`, string(status), errMsg, exitCode, id)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = $1, error_message = $2, exit_code = $3
			WHERE id = $4`, string(status), errMsg, exitCode, id)
	}
	if err != nil {
		return nil, &rseserrors.StorageError{Op: "update_status", Cause: err}
	}
	return s.Get(ctx, id)
}

// UpdatePR records the pull request opened for a build run.
func (s *Store) UpdatePR(ctx context.Context, id, url string, number int, branch string) (*Run, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET pr_url = $1, pr_number = $2, pr_branch = $3 WHERE id = $4`, url, number, branch, id)
	if err != nil {
		return nil, &rseserrors.StorageError{Op: "update_pr", Cause: err}
	}
	return s.Get(ctx, id)
}

// UpdateProgress writes a human-readable progress message.
func (s *Store) UpdateProgress(ctx context.Context, id, message string) (*Run, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET progress = $1 WHERE id = $2`, message, id)
	if err != nil {
		return nil, &rseserrors.StorageError{Op: "update_progress", Cause: err}
	}
	return s.Get(ctx, id)
}

// FindStale returns runs in status whose started_at predates threshold. The
// watchdog calls this once for StatusRunning against the hard deadline and
// once for StatusSalvaging against the shorter salvage threshold.
func (s *Store) FindStale(ctx context.Context, status Status, threshold time.Time) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE status = $1 AND started_at < $2`, string(status), threshold)
	if err != nil {
		return nil, &rseserrors.StorageError{Op: "find_stale", Cause: err}
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, &rseserrors.StorageError{Op: "find_stale_scan", Cause: err}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TimeoutIfStillRunning conditionally transitions a run to timed_out: the
// update only applies if the run's current status is still running, so a
// race against a concurrent completion cannot resurrect a finished run into
// the timed-out state. Returns nil, nil if the run had already left running.
func (s *Store) TimeoutIfStillRunning(ctx context.Context, id, message string) (*Run, error) {
	return s.TimeoutIfStatus(ctx, id, StatusRunning, message)
}

// TimeoutIfStatus conditionally transitions a run to timed_out, only if its
// current status still matches from. The watchdog uses this for both of its
// sweep passes: running runs past the hard deadline, and salvaging runs past
// the shorter salvage deadline. Returns nil, nil if the run had already left
// from, so a concurrent completion or a second watchdog instance can never
// resurrect an already-terminal run.
func (s *Store) TimeoutIfStatus(ctx context.Context, id string, from Status, message string) (*Run, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'timed_out', error_message = $1, finished_at = now()
		WHERE id = $2 AND status = $3`, message, id, string(from))
	if err != nil {
		return nil, &rseserrors.StorageError{Op: "timeout_if_status", Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, &rseserrors.StorageError{Op: "timeout_if_status_rows", Cause: err}
	}
	if n == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}
