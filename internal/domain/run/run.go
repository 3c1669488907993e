// Package run defines the Run domain entity: one asynchronous execution
// attempt of a playbook operation.
package run

import (
	"time"

	"github.com/Strob0t/storepilot/internal/domain/digest"
)

// Type is the operation a run performs.
type Type string

const (
	TypePreviewGenerate Type = "PREVIEW_GENERATE"
	TypeDraftGenerate   Type = "DRAFT_GENERATE"
	TypeApply           Type = "APPLY"
)

// IsGenerate reports whether the run type may call the generation provider.
func (t Type) IsGenerate() bool {
	return t == TypePreviewGenerate || t == TypeDraftGenerate
}

// Status represents the current state of a run.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusStale     Status = "STALE"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusStale
}

// Reusable reports whether a run with this status answers an idempotent
// create. Only FAILED and STALE attempts may be retried.
func (s Status) Reusable() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusSucceeded
}

// Meta is the request payload a worker needs to re-resolve the run.
type Meta struct {
	TargetIDs  []string `json:"target_ids,omitempty"`
	SampleSize int      `json:"sample_size,omitempty"`
}

// Run represents a single execution attempt.
type Run struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"project_id"`
	PlaybookID      string     `json:"playbook_id"`
	Type            Type       `json:"run_type"`
	Status          Status     `json:"status"`
	ScopeID         string     `json:"scope_id"`
	RulesHash       string     `json:"rules_hash"`
	IdempotencyKey  string     `json:"idempotency_key"`
	WorkKey         string     `json:"work_key,omitempty"`
	AIUsed          bool       `json:"ai_used"`
	Reused          bool       `json:"reused"`
	ReusedFromRunID string     `json:"reused_from_run_id,omitempty"`
	ResultRef       string     `json:"result_ref,omitempty"`
	ErrorCode       Code       `json:"error_code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedByUserID string     `json:"created_by_user_id"`
	Meta            Meta       `json:"meta"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a run.
type CreateRequest struct {
	ProjectID      string   `json:"project_id"`
	PlaybookID     string   `json:"playbook_id"`
	UserID         string   `json:"user_id"`
	Type           Type     `json:"run_type"`
	TargetIDs      []string `json:"target_ids,omitempty"`
	SampleSize     int      `json:"sample_size,omitempty"`
	ScopeID        string   `json:"scope_id,omitempty"`
	RulesHash      string   `json:"rules_hash,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
}

// ListFilter narrows ListRuns results. Zero fields are ignored.
type ListFilter struct {
	ProjectID  string
	PlaybookID string
	Type       Type
	Status     Status
	Limit      int
}

// Outcome is what a worker records when finishing a run.
type Outcome struct {
	Status          Status
	WorkKey         string
	AIUsed          bool
	Reused          bool
	ReusedFromRunID string
	ResultRef       string
	ErrorCode       Code
	ErrorMessage    string
}

// IdempotencyKey derives the default key for a run creation request.
func IdempotencyKey(t Type, projectID, playbookID, scopeID, rulesHash string) string {
	return digest.Hash(string(t), projectID, playbookID, scopeID, rulesHash)
}
