package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const runColumns = `id, provider, repository, branch, commit_sha, pipeline_url,
	error_hash, error_type, error_summary, status, attempt_count, max_attempts,
	pr_url, pr_number, pr_state, pr_branch, ai_provider, ai_model, resolved_by,
	human_note, escalation_reason, created_at, updated_at`

// CreateRun inserts a new run. The fingerprint index makes a second insert
// with the same (repository, commit_sha, error_hash) fail; callers treat
// that as a concurrent duplicate and re-read.
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	if run.PRState == "" {
		run.PRState = PRStateNone
	}
	if run.ResolvedBy == "" {
		run.ResolvedBy = ResolvedByNone
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID, run.Provider, run.Repository, run.Branch, run.CommitSHA,
		run.PipelineURL, run.ErrorHash, run.ErrorType, run.ErrorSummary,
		string(run.Status), run.AttemptCount, run.MaxAttempts,
		run.PRURL, run.PRNumber, string(run.PRState), run.PRBranch,
		run.AIProvider, run.AIModel, string(run.ResolvedBy),
		run.HumanNote, run.EscalationReason, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// FindByFingerprint looks up a run by its dedup key.
func (s *Store) FindByFingerprint(ctx context.Context, repository, commitSHA, errorHash string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE repository = ? AND commit_sha = ? AND error_hash = ?`,
		repository, commitSHA, errorHash)
	return scanRun(row)
}

// UpdateRun persists all mutable fields of the run and bumps updated_at.
func (s *Store) UpdateRun(ctx context.Context, run *Run) error {
	run.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?, attempt_count = ?, max_attempts = ?,
			pr_url = ?, pr_number = ?, pr_state = ?, pr_branch = ?,
			ai_provider = ?, ai_model = ?, resolved_by = ?,
			human_note = ?, escalation_reason = ?, updated_at = ?
		WHERE id = ?
	`,
		string(run.Status), run.AttemptCount, run.MaxAttempts,
		run.PRURL, run.PRNumber, string(run.PRState), run.PRBranch,
		run.AIProvider, run.AIModel, string(run.ResolvedBy),
		run.HumanNote, run.EscalationReason, run.UpdatedAt,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating run %s: %w", run.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns runs matching the filter, newest first, plus the total
// count for the filter (ignoring pagination).
func (s *Store) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, int64, error) {
	where := " WHERE 1=1"
	var args []interface{}

	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Repository != "" {
		where += " AND repository = ?"
		args = append(args, filter.Repository)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM runs"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting runs: %w", err)
	}

	filter.Normalize()
	query := "SELECT " + runColumns + " FROM runs" + where +
		" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRunRows(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

type runScanner interface {
	Scan(dest ...interface{}) error
}

func scanRunFrom(sc runScanner) (*Run, error) {
	var run Run
	var status, prState, resolvedBy string

	err := sc.Scan(
		&run.ID, &run.Provider, &run.Repository, &run.Branch, &run.CommitSHA,
		&run.PipelineURL, &run.ErrorHash, &run.ErrorType, &run.ErrorSummary,
		&status, &run.AttemptCount, &run.MaxAttempts,
		&run.PRURL, &run.PRNumber, &prState, &run.PRBranch,
		&run.AIProvider, &run.AIModel, &resolvedBy,
		&run.HumanNote, &run.EscalationReason, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning run: %w", err)
	}

	run.Status = RunStatus(status)
	run.PRState = PRState(prState)
	run.ResolvedBy = ResolvedBy(resolvedBy)
	return &run, nil
}

func scanRun(row *sql.Row) (*Run, error)      { return scanRunFrom(row) }
func scanRunRows(rows *sql.Rows) (*Run, error) { return scanRunFrom(rows) }
