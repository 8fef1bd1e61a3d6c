package store

import (
	"context"
	"fmt"
)

// Summary computes aggregate counts across all runs and attempts.
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	sum := &Summary{ByStatus: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("summarizing runs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning summary row: %w", err)
		}
		sum.ByStatus[status] = count
		sum.TotalRuns += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts`).Scan(&sum.TotalAttempts); err != nil {
		return nil, fmt.Errorf("counting attempts: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE resolved_by = ?`,
		string(ResolvedByAI)).Scan(&sum.ResolvedByAI); err != nil {
		return nil, fmt.Errorf("counting ai resolutions: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE resolved_by = ?`,
		string(ResolvedByHuman)).Scan(&sum.ResolvedByHuman); err != nil {
		return nil, fmt.Errorf("counting human resolutions: %w", err)
	}

	return sum, nil
}

// RepositoryMetrics computes per-repository healing outcomes, busiest
// repositories first.
func (s *Store) RepositoryMetrics(ctx context.Context) ([]*RepositoryMetrics, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repository,
			COUNT(*) AS runs,
			SUM(CASE WHEN status = 'fixed' THEN 1 ELSE 0 END) AS fixed,
			SUM(CASE WHEN status = 'escalated' THEN 1 ELSE 0 END) AS escalated,
			AVG(attempt_count) AS avg_attempts
		FROM runs
		GROUP BY repository
		ORDER BY runs DESC, repository ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("computing repository metrics: %w", err)
	}
	defer rows.Close()

	var metrics []*RepositoryMetrics
	for rows.Next() {
		var m RepositoryMetrics
		if err := rows.Scan(&m.Repository, &m.Runs, &m.Fixed, &m.Escalated, &m.AvgAttempts); err != nil {
			return nil, fmt.Errorf("scanning repository metrics: %w", err)
		}
		metrics = append(metrics, &m)
	}
	return metrics, rows.Err()
}
