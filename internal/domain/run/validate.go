package run

import (
	"fmt"

	"github.com/Strob0t/storepilot/internal/domain"
)

// validTypes enumerates all valid run types.
var validTypes = map[Type]bool{
	TypePreviewGenerate: true,
	TypeDraftGenerate:   true,
	TypeApply:           true,
}

// validTransitions lists the allowed status moves. Terminal states have none.
var validTransitions = map[Status][]Status{
	StatusQueued:  {StatusRunning},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusStale},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate checks that a CreateRequest has all required fields.
func (r *CreateRequest) Validate() error {
	if r.ProjectID == "" {
		return fmt.Errorf("project_id is required: %w", domain.ErrValidation)
	}
	if r.PlaybookID == "" {
		return fmt.Errorf("playbook_id is required: %w", domain.ErrValidation)
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required: %w", domain.ErrValidation)
	}
	if !validTypes[r.Type] {
		return fmt.Errorf("invalid run_type %q: %w", r.Type, domain.ErrValidation)
	}
	if r.SampleSize < 0 {
		return fmt.Errorf("sample_size must be non-negative: %w", domain.ErrValidation)
	}
	if r.Type == TypeApply && (r.ScopeID == "" || r.RulesHash == "") {
		return fmt.Errorf("scope_id and rules_hash are required for APPLY: %w", domain.ErrValidation)
	}
	return nil
}
