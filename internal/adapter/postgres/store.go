package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/rules"
	"github.com/Strob0t/storepilot/internal/domain/target"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// --- Targets ---

const targetColumns = `id, project_id, kind, handle, title, description, seo_title, seo_description, updated_at`

func scanTarget(row scannable) (target.Target, error) {
	var t target.Target
	err := row.Scan(&t.ID, &t.ProjectID, &t.Kind, &t.Handle, &t.Title, &t.Description,
		&t.SEOTitle, &t.SEODescription, &t.UpdatedAt)
	return t, err
}

func (s *Store) queryTargets(ctx context.Context, what, query string, args ...any) ([]target.Target, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	defer rows.Close()

	targets := []target.Target{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

func (s *Store) ListTargets(ctx context.Context, projectID string, kinds []target.Kind) ([]target.Target, error) {
	ks := make([]string, len(kinds))
	for i, k := range kinds {
		ks[i] = string(k)
	}
	return s.queryTargets(ctx, "list targets",
		`SELECT `+targetColumns+` FROM targets
		 WHERE project_id = $1 AND kind = ANY($2) ORDER BY id ASC`,
		projectID, pgTextArray(ks))
}

func (s *Store) GetTargets(ctx context.Context, projectID string, ids []string) ([]target.Target, error) {
	return s.queryTargets(ctx, "get targets",
		`SELECT `+targetColumns+` FROM targets
		 WHERE project_id = $1 AND id = ANY($2) ORDER BY id ASC`,
		projectID, pgTextArray(ids))
}

func (s *Store) GetTarget(ctx context.Context, projectID, id string) (*target.Target, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE project_id = $1 AND id = $2`, projectID, id)
	t, err := scanTarget(row)
	if err != nil {
		return nil, notFoundWrap(err, "get target %s", id)
	}
	return &t, nil
}

// fillQueries maps each writable field to its guarded update. Column names
// cannot be bound as parameters, so only these fixed statements are used.
var fillQueries = map[target.Field]string{
	target.FieldSEOTitle: `UPDATE targets SET seo_title = $3, updated_at = now()
		WHERE project_id = $1 AND id = $2 AND btrim(seo_title) = ''`,
	target.FieldSEODescription: `UPDATE targets SET seo_description = $3, updated_at = now()
		WHERE project_id = $1 AND id = $2 AND btrim(seo_description) = ''`,
}

func (s *Store) FillTargetField(ctx context.Context, projectID, targetID string, field target.Field, value string) (bool, error) {
	q, ok := fillQueries[field]
	if !ok {
		return false, fmt.Errorf("fill target %s: unknown field %q: %w", targetID, field, domain.ErrValidation)
	}
	tag, err := s.pool.Exec(ctx, q, projectID, targetID, value)
	if err != nil {
		return false, fmt.Errorf("fill target %s %s: %w", targetID, field, err)
	}
	return tag.RowsAffected() == 1, nil
}

// --- Playbook rules ---

func (s *Store) GetPlaybookRules(ctx context.Context, projectID, playbookID string) (rules.Rules, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT rules FROM playbook_rules WHERE project_id = $1 AND playbook_id = $2`,
		projectID, playbookID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return rules.Default(), nil
	}
	if err != nil {
		return rules.Rules{}, fmt.Errorf("get rules %s/%s: %w", projectID, playbookID, err)
	}
	r, err := rules.Parse(raw)
	if err != nil {
		return rules.Rules{}, fmt.Errorf("decode rules %s/%s: %w", projectID, playbookID, err)
	}
	return r, nil
}

func (s *Store) SavePlaybookRules(ctx context.Context, projectID, playbookID string, r rules.Rules) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO playbook_rules (project_id, playbook_id, rules, rules_hash)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (project_id, playbook_id)
		 DO UPDATE SET rules = EXCLUDED.rules, rules_hash = EXCLUDED.rules_hash, updated_at = now()`,
		projectID, playbookID, r.Canonical(), r.Hash())
	if err != nil {
		return fmt.Errorf("save rules %s/%s: %w", projectID, playbookID, err)
	}
	return nil
}

// --- Projects ---

func (s *Store) GetMemberRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM project_members WHERE project_id = $1 AND user_id = $2`,
		projectID, userID).Scan(&role)
	if err != nil {
		return "", notFoundWrap(err, "get member %s/%s", projectID, userID)
	}
	return role, nil
}

func (s *Store) GetProjectPlan(ctx context.Context, projectID string) (string, error) {
	var plan string
	err := s.pool.QueryRow(ctx, `SELECT plan_id FROM projects WHERE id = $1`, projectID).Scan(&plan)
	if err != nil {
		return "", notFoundWrap(err, "get project plan %s", projectID)
	}
	return plan, nil
}
