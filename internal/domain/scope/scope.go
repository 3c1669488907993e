// Package scope defines the resolved target set of a playbook run.
package scope

import (
	"slices"

	"github.com/Strob0t/storepilot/internal/domain/digest"
	"github.com/Strob0t/storepilot/internal/domain/target"
)

// Scope is the concrete, ordered set of targets a playbook run affects.
type Scope struct {
	ID         string          `json:"scope_id"`
	ProjectID  string          `json:"project_id"`
	PlaybookID string          `json:"playbook_id"`
	TargetIDs  []string        `json:"target_ids"`
	Targets    []target.Target `json:"-"`
}

// ComputeID derives the scopeId. Target IDs are sorted first so the result
// does not depend on retrieval order.
func ComputeID(projectID, playbookID string, targetIDs []string) string {
	sorted := slices.Clone(targetIDs)
	slices.Sort(sorted)
	parts := make([]string, 0, len(sorted)+2)
	parts = append(parts, projectID, playbookID)
	parts = append(parts, sorted...)
	return digest.Hash(parts...)
}

// New builds a Scope from targets already in resolver order.
func New(projectID, playbookID string, targets []target.Target) *Scope {
	ids := make([]string, len(targets))
	for i := range targets {
		ids[i] = targets[i].ID
	}
	return &Scope{
		ID:         ComputeID(projectID, playbookID, ids),
		ProjectID:  projectID,
		PlaybookID: playbookID,
		TargetIDs:  ids,
		Targets:    targets,
	}
}

// Len returns the number of affected targets.
func (s *Scope) Len() int { return len(s.TargetIDs) }
