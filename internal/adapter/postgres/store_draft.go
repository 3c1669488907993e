package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/storepilot/internal/domain/draft"
	"github.com/Strob0t/storepilot/internal/domain/rules"
)

const draftColumns = `id, project_id, playbook_id, scope_id, rules_hash, status, items,
	affected_total, generated, no_suggestion, rules, applied_at,
	COALESCE(applied_by_user_id, ''), expires_at, created_at, updated_at`

func scanDraft(row scannable) (*draft.Draft, error) {
	var (
		d         draft.Draft
		itemsJSON []byte
		rulesJSON []byte
		appliedAt *time.Time
		expiresAt *time.Time
	)
	err := row.Scan(&d.ID, &d.ProjectID, &d.PlaybookID, &d.ScopeID, &d.RulesHash, &d.Status, &itemsJSON,
		&d.Counts.AffectedTotal, &d.Counts.Generated, &d.Counts.NoSuggestion, &rulesJSON, &appliedAt,
		&d.AppliedByUserID, &expiresAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(itemsJSON, &d.Items, "draft items"); err != nil {
		return nil, err
	}
	d.Items = orEmpty(d.Items)
	r, err := rules.Parse(rulesJSON)
	if err != nil {
		return nil, fmt.Errorf("draft %s rules: %w", d.ID, err)
	}
	d.Rules = r
	d.AppliedAt = appliedAt
	d.ExpiresAt = expiresAt
	return &d, nil
}

func (s *Store) GetDraft(ctx context.Context, id string) (*draft.Draft, error) {
	d, err := scanDraft(s.pool.QueryRow(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get draft %s", id)
	}
	return d, nil
}

func (s *Store) GetDraftByKey(ctx context.Context, projectID, playbookID, scopeID, rulesHash string) (*draft.Draft, error) {
	d, err := scanDraft(s.pool.QueryRow(ctx,
		`SELECT `+draftColumns+` FROM drafts
		 WHERE project_id = $1 AND playbook_id = $2 AND scope_id = $3 AND rules_hash = $4`,
		projectID, playbookID, scopeID, rulesHash))
	if err != nil {
		return nil, notFoundWrap(err, "get draft %s/%s/%s", playbookID, scopeID, rulesHash)
	}
	return d, nil
}

func (s *Store) GetLatestDraft(ctx context.Context, projectID, playbookID string) (*draft.Draft, error) {
	d, err := scanDraft(s.pool.QueryRow(ctx,
		`SELECT `+draftColumns+` FROM drafts
		 WHERE project_id = $1 AND playbook_id = $2
		 ORDER BY updated_at DESC LIMIT 1`,
		projectID, playbookID))
	if err != nil {
		return nil, notFoundWrap(err, "get latest draft %s/%s", projectID, playbookID)
	}
	return d, nil
}

// UpsertDraft writes d under its composite key. Applied drafts are never
// overwritten; the conflicting update then matches no row.
func (s *Store) UpsertDraft(ctx context.Context, d *draft.Draft) error {
	items, err := marshalJSON(orEmpty(d.Items), "draft items")
	if err != nil {
		return err
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO drafts (project_id, playbook_id, scope_id, rules_hash, status, items,
		                     affected_total, generated, no_suggestion, rules, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (project_id, playbook_id, scope_id, rules_hash) DO UPDATE SET
		     status = EXCLUDED.status,
		     items = EXCLUDED.items,
		     affected_total = EXCLUDED.affected_total,
		     generated = EXCLUDED.generated,
		     no_suggestion = EXCLUDED.no_suggestion,
		     expires_at = EXCLUDED.expires_at,
		     updated_at = now()
		 WHERE drafts.applied_at IS NULL
		 RETURNING id, created_at, updated_at`,
		d.ProjectID, d.PlaybookID, d.ScopeID, d.RulesHash, string(d.Status), items,
		d.Counts.AffectedTotal, d.Counts.Generated, d.Counts.NoSuggestion, d.Rules.Canonical(),
		nullTime(d.ExpiresAt))
	if err := row.Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("upsert draft %s: %w", d.ScopeID, draft.ErrApplied)
		}
		return fmt.Errorf("upsert draft %s: %w", d.ScopeID, err)
	}
	return nil
}

func (s *Store) UpdateDraftItems(ctx context.Context, d *draft.Draft) error {
	items, err := marshalJSON(orEmpty(d.Items), "draft items")
	if err != nil {
		return err
	}
	err = s.pool.QueryRow(ctx,
		`UPDATE drafts SET items = $2, affected_total = $3, generated = $4, no_suggestion = $5, updated_at = now()
		 WHERE id = $1 AND applied_at IS NULL
		 RETURNING updated_at`,
		d.ID, items, d.Counts.AffectedTotal, d.Counts.Generated, d.Counts.NoSuggestion).Scan(&d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update draft %s: %w", d.ID, draft.ErrApplied)
	}
	if err != nil {
		return fmt.Errorf("update draft %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) MarkDraftApplied(ctx context.Context, draftID, userID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE drafts SET applied_at = $2, applied_by_user_id = $3, updated_at = now()
		 WHERE id = $1 AND applied_at IS NULL`,
		draftID, at, userID)
	if err != nil {
		return fmt.Errorf("mark draft %s applied: %w", draftID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark draft %s applied: %w", draftID, draft.ErrApplied)
	}
	return nil
}
