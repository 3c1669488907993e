package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/storepilot/internal/domain/event"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only).
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append inserts a new event into the run_events table.
func (s *EventStore) Append(ctx context.Context, ev *event.RunEvent) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO run_events (run_id, project_id, event_type, payload, request_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		ev.RunID, ev.ProjectID, string(ev.Type), nullJSON(ev.Payload), ev.RequestID)
	if err := row.Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return fmt.Errorf("append event %s for run %s: %w", ev.Type, ev.RunID, err)
	}
	return nil
}

// LoadByRun returns all events for the given run in insertion order.
func (s *EventStore) LoadByRun(ctx context.Context, runID string) ([]event.RunEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, project_id, event_type, payload, request_id, created_at
		 FROM run_events WHERE run_id = $1 ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("load events by run %s: %w", runID, err)
	}
	defer rows.Close()

	events := []event.RunEvent{}
	for rows.Next() {
		var ev event.RunEvent
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.ProjectID, &ev.Type, &payload, &ev.RequestID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = payload
		events = append(events, ev)
	}
	return events, rows.Err()
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
