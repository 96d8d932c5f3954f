package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                  TEXT PRIMARY KEY,
	project_id          TEXT NOT NULL,
	parent_id           TEXT,
	title               TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	phase               TEXT NOT NULL DEFAULT 'todo',
	research_status     TEXT NOT NULL DEFAULT 'none',
	research_hash       TEXT NOT NULL DEFAULT '',
	research_feedback   TEXT NOT NULL DEFAULT '',
	spec_status         TEXT NOT NULL DEFAULT 'none',
	spec_hash           TEXT NOT NULL DEFAULT '',
	spec_feedback       TEXT NOT NULL DEFAULT '',
	plan_status         TEXT NOT NULL DEFAULT 'none',
	plan_hash           TEXT NOT NULL DEFAULT '',
	plan_feedback       TEXT NOT NULL DEFAULT '',
	verify_status       TEXT NOT NULL DEFAULT 'none',
	verify_hash         TEXT NOT NULL DEFAULT '',
	verify_feedback     TEXT NOT NULL DEFAULT '',
	build_completed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS projects (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	repo_url         TEXT NOT NULL,
	encrypted_token  BYTEA NOT NULL DEFAULT ''::bytea,
	provider_type    TEXT NOT NULL DEFAULT 'github',
	skip_tls_verify  BOOLEAN NOT NULL DEFAULT false
);
`

// Store is the Postgres-backed task/project store. RSES is not the system of
// record for task metadata in a full deployment; this store exists so the
// Server API can gate run enqueue requests and the runner loop can read
// project credentials without an out-of-process dependency in tests and
// single-binary deployments.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("task: opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("task: pinging database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("task: applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var parentID sql.NullString
	err := row.Scan(
		&t.ID, &t.ProjectID, &parentID, &t.Title, &t.Description, &t.Phase,
		&t.Research.Status, &t.Research.ApprovedHash, &t.Research.Feedback,
		&t.Spec.Status, &t.Spec.ApprovedHash, &t.Spec.Feedback,
		&t.Plan.Status, &t.Plan.ApprovedHash, &t.Plan.Feedback,
		&t.Verify.Status, &t.Verify.ApprovedHash, &t.Verify.Feedback,
		&t.BuildCompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		t.ParentID = &parentID.String
	}
	return &t, nil
}

const taskColumns = `id, project_id, parent_id, title, description, phase,
	research_status, research_hash, research_feedback,
	spec_status, spec_hash, spec_feedback,
	plan_status, plan_hash, plan_feedback,
	verify_status, verify_hash, verify_feedback,
	build_completed_at`

// GetTask fetches a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &rseserrors.NotFoundError{Resource: "task", ID: id}
	}
	if err != nil {
		return nil, &rseserrors.StorageError{Op: "get_task", Cause: err}
	}
	return t, nil
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, parent_id, title, description, phase)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.ProjectID, t.ParentID, t.Title, t.Description, t.Phase)
	if err != nil {
		return &rseserrors.StorageError{Op: "create_task", Cause: err}
	}
	return nil
}

// ReviseArtifact applies a phase artifact write: loads the task, applies the
// revocation invariant, and persists the new approval state.
func (s *Store) ReviseArtifact(ctx context.Context, taskID string, phase ArtifactPhase, newContents []byte) error {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	approval := t.ApprovalFor(phase)
	if approval == nil {
		return &rseserrors.InvalidInputError{Reason: fmt.Sprintf("unknown artifact phase %q", phase)}
	}
	approval.ReviseArtifact(newContents)
	return s.persistApproval(ctx, taskID, phase, approval)
}

// ApproveArtifact marks the phase artifact approved, hashing currentContents.
func (s *Store) ApproveArtifact(ctx context.Context, taskID string, phase ArtifactPhase, currentContents []byte) error {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	approval := t.ApprovalFor(phase)
	if approval == nil {
		return &rseserrors.InvalidInputError{Reason: fmt.Sprintf("unknown artifact phase %q", phase)}
	}
	approval.Approve(currentContents)
	return s.persistApproval(ctx, taskID, phase, approval)
}

// RejectArtifact marks the phase artifact rejected, recording feedback.
func (s *Store) RejectArtifact(ctx context.Context, taskID string, phase ArtifactPhase, feedback string) error {
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	approval := t.ApprovalFor(phase)
	if approval == nil {
		return &rseserrors.InvalidInputError{Reason: fmt.Sprintf("unknown artifact phase %q", phase)}
	}
	approval.Status = ApprovalRejected
	approval.Feedback = feedback
	return s.persistApproval(ctx, taskID, phase, approval)
}

func (s *Store) persistApproval(ctx context.Context, taskID string, phase ArtifactPhase, a *Approval) error {
	col := map[ArtifactPhase]string{
		ArtifactResearch:     "research",
		ArtifactSpec:         "spec",
		ArtifactPlan:         "plan",
		ArtifactVerification: "verify",
	}[phase]
	query := fmt.Sprintf(`UPDATE tasks SET %s_status = $1, %s_hash = $2, %s_feedback = $3 WHERE id = $4`, col, col, col)
	if _, err := s.db.ExecContext(ctx, query, a.Status, a.ApprovedHash, a.Feedback, taskID); err != nil {
		return &rseserrors.StorageError{Op: "persist_approval", Cause: err}
	}
	return nil
}

// MarkBuildCompleted records that a build run for taskID finished
// successfully, satisfying the verify-phase enqueue precondition.
func (s *Store) MarkBuildCompleted(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET build_completed_at = now() WHERE id = $1`, taskID)
	if err != nil {
		return &rseserrors.StorageError{Op: "mark_build_completed", Cause: err}
	}
	return nil
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, repo_url, encrypted_token, provider_type, skip_tls_verify
		FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.RepoURL, &p.EncryptedToken, &p.ProviderType, &p.SkipTLSVerify)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &rseserrors.NotFoundError{Resource: "project", ID: id}
	}
	if err != nil {
		return nil, &rseserrors.StorageError{Op: "get_project", Cause: err}
	}
	return &p, nil
}
