package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const attemptColumns = `id, run_id, attempt_no, status, diagnosis,
	proposed_fix, validation_log, failure_reason, engine_used, created_at`

// CreateAttempt appends a new attempt row for a run.
func (s *Store) CreateAttempt(ctx context.Context, a *Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (`+attemptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID, a.RunID, a.AttemptNo, string(a.Status), a.Diagnosis,
		a.ProposedFix, a.ValidationLog, a.FailureReason, a.EngineUsed,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting attempt %d for run %s: %w", a.AttemptNo, a.RunID, err)
	}
	return nil
}

// UpdateAttempt fills in the outcome of a running attempt. Only the
// attempt's own result fields are mutable.
func (s *Store) UpdateAttempt(ctx context.Context, a *Attempt) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE attempts SET
			status = ?, diagnosis = ?, proposed_fix = ?,
			validation_log = ?, failure_reason = ?, engine_used = ?
		WHERE id = ?
	`,
		string(a.Status), a.Diagnosis, a.ProposedFix,
		a.ValidationLog, a.FailureReason, a.EngineUsed,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("updating attempt %s: %w", a.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating attempt %s: %w", a.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAttempt retrieves an attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id string) (*Attempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id)

	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// ListAttempts returns a run's attempts in attempt order.
func (s *Store) ListAttempts(ctx context.Context, runID string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts
		 WHERE run_id = ? ORDER BY attempt_no ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing attempts for run %s: %w", runID, err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanAttempt(sc runScanner) (*Attempt, error) {
	var a Attempt
	var status string

	err := sc.Scan(
		&a.ID, &a.RunID, &a.AttemptNo, &status, &a.Diagnosis,
		&a.ProposedFix, &a.ValidationLog, &a.FailureReason, &a.EngineUsed,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning attempt: %w", err)
	}

	a.Status = AttemptStatus(status)
	return &a, nil
}
