// Package eventstore defines the port interface for the append-only run event log.
package eventstore

import (
	"context"

	"github.com/Strob0t/storepilot/internal/domain/event"
)

// Store is the port interface for appending and loading run events.
type Store interface {
	// Append persists a new event to the store.
	Append(ctx context.Context, ev *event.RunEvent) error

	// LoadByRun returns all events for the given run, oldest first.
	LoadByRun(ctx context.Context, runID string) ([]event.RunEvent, error)
}
