package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/playbook"
	"github.com/Strob0t/storepilot/internal/domain/run"
	"github.com/Strob0t/storepilot/internal/domain/scope"
	"github.com/Strob0t/storepilot/internal/domain/target"
	"github.com/Strob0t/storepilot/internal/port/database"
)

// ScopeResolver turns a playbook request into the concrete target set.
type ScopeResolver struct {
	store database.TargetStore
}

// NewScopeResolver creates a ScopeResolver.
func NewScopeResolver(store database.TargetStore) *ScopeResolver {
	return &ScopeResolver{store: store}
}

// Resolve returns the targets matching the playbook's defect predicate,
// ordered by ID. With overrideIDs every ID must belong to the project;
// IDs that no longer need the fix are dropped silently.
func (r *ScopeResolver) Resolve(ctx context.Context, projectID, playbookID string, overrideIDs []string) (*scope.Scope, error) {
	pb, ok := playbook.Get(playbookID)
	if !ok {
		return nil, fmt.Errorf("playbook %q: %w", playbookID, domain.ErrNotFound)
	}

	var candidates []target.Target
	if len(overrideIDs) == 0 {
		all, err := r.store.ListTargets(ctx, projectID, pb.Kinds)
		if err != nil {
			return nil, run.Transient(run.CodeStoreFailed, "list targets", err)
		}
		candidates = all
	} else {
		ids := slices.Clone(overrideIDs)
		slices.Sort(ids)
		ids = slices.Compact(ids)

		found, err := r.store.GetTargets(ctx, projectID, ids)
		if err != nil {
			return nil, run.Transient(run.CodeStoreFailed, "get targets", err)
		}
		if missing := missingIDs(ids, found); len(missing) > 0 {
			return nil, run.Contract(run.CodeScopeInvalid, "targets do not belong to the project").
				WithDetail("target_ids", missing)
		}
		candidates = found
	}

	matched := make([]target.Target, 0, len(candidates))
	for i := range candidates {
		if pb.Matches(&candidates[i]) {
			matched = append(matched, candidates[i])
		}
	}
	slices.SortFunc(matched, func(a, b target.Target) int {
		return strings.Compare(a.ID, b.ID)
	})
	return scope.New(projectID, playbookID, matched), nil
}

func missingIDs(want []string, found []target.Target) []string {
	have := make(map[string]struct{}, len(found))
	for i := range found {
		have[found[i].ID] = struct{}{}
	}
	var missing []string
	for _, id := range want {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}
