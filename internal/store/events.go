package store

import (
	"context"
	"fmt"
	"time"
)

const eventColumns = `id, run_id, event_type, actor, message, payload, created_at`

// AppendEvent writes one row of the audit trail.
func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload := string(e.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.RunID, e.EventType, string(e.Actor), e.Message, payload,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting event %s for run %s: %w", e.EventType, e.RunID, err)
	}
	return nil
}

// ListEvents returns a run's events in chronological order.
func (s *Store) ListEvents(ctx context.Context, runID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing events for run %s: %w", runID, err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var actor, payload string
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &actor, &e.Message, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Actor = Actor(actor)
		e.Payload = []byte(payload)
		events = append(events, &e)
	}
	return events, rows.Err()
}
