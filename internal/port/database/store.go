// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/storepilot/internal/domain/draft"
	"github.com/Strob0t/storepilot/internal/domain/rules"
	"github.com/Strob0t/storepilot/internal/domain/run"
	"github.com/Strob0t/storepilot/internal/domain/target"
	"github.com/Strob0t/storepilot/internal/domain/trigger"
)

// TargetStore reads and writes catalog assets.
type TargetStore interface {
	// ListTargets returns the project's targets of the given kinds ordered by ID.
	ListTargets(ctx context.Context, projectID string, kinds []target.Kind) ([]target.Target, error)
	// GetTargets returns the subset of ids owned by the project, ordered by ID.
	GetTargets(ctx context.Context, projectID string, ids []string) ([]target.Target, error)
	GetTarget(ctx context.Context, projectID, id string) (*target.Target, error)
	// FillTargetField writes value only while the field is still blank and
	// reports whether the row was updated.
	FillTargetField(ctx context.Context, projectID, targetID string, field target.Field, value string) (bool, error)
}

// RulesStore persists the per-project rules configuration of each playbook.
type RulesStore interface {
	// GetPlaybookRules returns the saved rules, or rules.Default() when none exist.
	GetPlaybookRules(ctx context.Context, projectID, playbookID string) (rules.Rules, error)
	SavePlaybookRules(ctx context.Context, projectID, playbookID string, r rules.Rules) error
}

// DraftStore persists drafts keyed by (project, playbook, scope, rules hash).
type DraftStore interface {
	GetDraft(ctx context.Context, id string) (*draft.Draft, error)
	GetDraftByKey(ctx context.Context, projectID, playbookID, scopeID, rulesHash string) (*draft.Draft, error)
	GetLatestDraft(ctx context.Context, projectID, playbookID string) (*draft.Draft, error)
	// UpsertDraft inserts or, on conflict of the composite key, updates the
	// draft's status, items, counts and expiry. ID and timestamps are set on d.
	UpsertDraft(ctx context.Context, d *draft.Draft) error
	// UpdateDraftItems rewrites items and counts of an unapplied draft.
	UpdateDraftItems(ctx context.Context, d *draft.Draft) error
	// MarkDraftApplied sets applied_at/applied_by once.
	MarkDraftApplied(ctx context.Context, draftID, userID string, at time.Time) error
}

// RunStore persists runs and performs their conditional transitions.
type RunStore interface {
	// CreateRun inserts r. A live run with the same key yields domain.ErrConflict.
	CreateRun(ctx context.Context, r *run.Run) error
	GetRun(ctx context.Context, id string) (*run.Run, error)
	// FindRunByKey returns the newest QUEUED, RUNNING or SUCCEEDED run for the key.
	FindRunByKey(ctx context.Context, projectID, key string) (*run.Run, error)
	ListRuns(ctx context.Context, filter run.ListFilter) ([]run.Run, error)
	// ClaimRun moves QUEUED → RUNNING and reports whether this caller won.
	ClaimRun(ctx context.Context, id string) (bool, error)
	// FinishRun moves RUNNING → terminal. A run not in RUNNING yields domain.ErrConflict.
	FinishRun(ctx context.Context, id string, out run.Outcome) error
	// FindReusableRun returns the newest SUCCEEDED, ai_used, non-reused run with workKey.
	FindReusableRun(ctx context.Context, projectID, playbookID string, t run.Type, workKey string) (*run.Run, error)
	// CountAIRunsSince counts runs with ai_used=true created after since.
	CountAIRunsSince(ctx context.Context, projectID string, since time.Time) (int, error)
}

// TriggerStore persists the trigger ledger.
type TriggerStore interface {
	GetTriggerRun(ctx context.Context, projectID, targetID, automation, key string) (*trigger.Run, error)
	// CreateTriggerRun inserts tr. A duplicate key yields domain.ErrConflict.
	CreateTriggerRun(ctx context.Context, tr *trigger.Run) error
	// RequeueTriggerRun moves FAILED → QUEUED and reports whether this caller won.
	RequeueTriggerRun(ctx context.Context, id string) (bool, error)
	// ClaimTriggerRun moves QUEUED → RUNNING and reports whether this caller won.
	ClaimTriggerRun(ctx context.Context, id string) (bool, error)
	FinishTriggerRun(ctx context.Context, id string, status trigger.Status, reason, errMsg string) error
}

// ProjectStore answers membership and plan lookups for access and quota checks.
type ProjectStore interface {
	// GetMemberRole returns the user's role in the project or domain.ErrNotFound.
	GetMemberRole(ctx context.Context, projectID, userID string) (string, error)
	// GetProjectPlan returns the billing plan ID of the project.
	GetProjectPlan(ctx context.Context, projectID string) (string, error)
}

// Store is the port interface for database operations.
type Store interface {
	TargetStore
	RulesStore
	DraftStore
	RunStore
	TriggerStore
	ProjectStore
}
