// Package trigger defines the ledger for event-driven automation runs.
package trigger

import (
	"fmt"
	"time"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/digest"
)

// AutoFillMissingMetadata is the only trigger-driven automation: fill blank
// SEO fields of a target after it changes.
const AutoFillMissingMetadata = "auto_fill_missing_metadata"

// Status is the state of a trigger run.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// Run is one row of the trigger ledger, unique per
// (project, target, automation, idempotency key).
type Run struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	TargetID        string     `json:"target_id"`
	Automation      string     `json:"automation"`
	IdempotencyKey  string     `json:"idempotency_key"`
	FingerprintHash string     `json:"fingerprint_hash"`
	PlanID          string     `json:"plan_id"`
	Status          Status     `json:"status"`
	Attempts        int        `json:"attempts"`
	Reason          string     `json:"reason,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// Event is an external notification that a target changed.
type Event struct {
	ProjectID  string `json:"project_id"`
	TargetID   string `json:"target_id"`
	Automation string `json:"automation"`
}

// Validate checks required fields and defaults the automation.
func (e *Event) Validate() error {
	if e.ProjectID == "" {
		return fmt.Errorf("project_id is required: %w", domain.ErrValidation)
	}
	if e.TargetID == "" {
		return fmt.Errorf("target_id is required: %w", domain.ErrValidation)
	}
	if e.Automation == "" {
		e.Automation = AutoFillMissingMetadata
	}
	if e.Automation != AutoFillMissingMetadata {
		return fmt.Errorf("unknown automation %q: %w", e.Automation, domain.ErrValidation)
	}
	return nil
}

// Decision is what the gate did with one trigger.
type Decision string

const (
	// DecisionStarted means this caller owns the run and executed it.
	DecisionStarted Decision = "started"
	// DecisionDone means an identical fingerprint already finished.
	DecisionDone Decision = "suppressed_done"
	// DecisionInFlight means another caller is working on it.
	DecisionInFlight Decision = "suppressed_in_flight"
)

// Key derives the idempotency key from the fingerprint.
func Key(automation, targetID, fingerprint string) string {
	return digest.Hash(automation, targetID, fingerprint)
}
