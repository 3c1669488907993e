// Package event defines the append-only audit trail of run transitions.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of run event.
type Type string

const (
	TypeRunCreated   Type = "run.created"
	TypeRunClaimed   Type = "run.claimed"
	TypeRunReused    Type = "run.reused"
	TypeRunSucceeded Type = "run.succeeded"
	TypeRunFailed    Type = "run.failed"
	TypeRunStale     Type = "run.stale"
)

// RunEvent is a single immutable entry in a run's history.
type RunEvent struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	ProjectID string          `json:"project_id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
