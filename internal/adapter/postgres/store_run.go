package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/run"
)

const runColumns = `id, project_id, playbook_id, run_type, status, scope_id, rules_hash, idempotency_key,
	COALESCE(work_key, ''), ai_used, reused, COALESCE(reused_from_run_id::text, ''), result_ref,
	error_code, error_message, created_by_user_id, meta, created_at, started_at, completed_at, updated_at`

const defaultRunListLimit = 50

func scanRun(row scannable) (*run.Run, error) {
	var (
		r        run.Run
		metaJSON []byte
	)
	err := row.Scan(&r.ID, &r.ProjectID, &r.PlaybookID, &r.Type, &r.Status, &r.ScopeID, &r.RulesHash,
		&r.IdempotencyKey, &r.WorkKey, &r.AIUsed, &r.Reused, &r.ReusedFromRunID, &r.ResultRef,
		&r.ErrorCode, &r.ErrorMessage, &r.CreatedByUserID, &metaJSON, &r.CreatedAt, &r.StartedAt,
		&r.CompletedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metaJSON, &r.Meta, "run meta"); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRun inserts r as QUEUED. A live run holding the same idempotency key
// makes the partial unique index reject the row with domain.ErrConflict.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	meta, err := marshalJSON(r.Meta, "run meta")
	if err != nil {
		return err
	}
	if r.Status == "" {
		r.Status = run.StatusQueued
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO runs (project_id, playbook_id, run_type, status, scope_id, rules_hash,
		                   idempotency_key, work_key, created_by_user_id, meta)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at, updated_at`,
		r.ProjectID, r.PlaybookID, string(r.Type), string(r.Status), r.ScopeID, r.RulesHash,
		r.IdempotencyKey, nullIfEmpty(r.WorkKey), r.CreatedByUserID, meta)
	if err := row.Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create run %s: %w", r.IdempotencyKey, domain.ErrConflict)
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*run.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get run %s", id)
	}
	return r, nil
}

func (s *Store) FindRunByKey(ctx context.Context, projectID, key string) (*run.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE project_id = $1 AND idempotency_key = $2 AND status IN ('QUEUED', 'RUNNING', 'SUCCEEDED')
		 ORDER BY created_at DESC LIMIT 1`,
		projectID, key))
	if err != nil {
		return nil, notFoundWrap(err, "find run by key %s", key)
	}
	return r, nil
}

func (s *Store) ListRuns(ctx context.Context, filter run.ListFilter) ([]run.Run, error) {
	args := []any{filter.ProjectID}
	conditions := []string{"project_id = $1"}
	argIdx := 2

	if filter.PlaybookID != "" {
		conditions = append(conditions, fmt.Sprintf("playbook_id = $%d", argIdx))
		args = append(args, filter.PlaybookID)
		argIdx++
	}
	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("run_type = $%d", argIdx))
		args = append(args, string(filter.Type))
		argIdx++
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(filter.Status))
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM runs WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		runColumns, strings.Join(conditions, " AND "), argIdx)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []run.Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) ClaimRun(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = 'RUNNING', started_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'QUEUED'`, id)
	if err != nil {
		return false, fmt.Errorf("claim run %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FinishRun(ctx context.Context, id string, out run.Outcome) error {
	if !out.Status.IsTerminal() {
		return fmt.Errorf("finish run %s: status %s is not terminal: %w", id, out.Status, domain.ErrValidation)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $2, work_key = COALESCE($3, work_key), ai_used = $4, reused = $5,
		        reused_from_run_id = $6, result_ref = $7, error_code = $8, error_message = $9,
		        completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'RUNNING'`,
		id, string(out.Status), nullIfEmpty(out.WorkKey), out.AIUsed, out.Reused,
		nullIfEmpty(out.ReusedFromRunID), out.ResultRef, string(out.ErrorCode), out.ErrorMessage)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: not running: %w", id, domain.ErrConflict)
	}
	return nil
}

func (s *Store) FindReusableRun(ctx context.Context, projectID, playbookID string, t run.Type, workKey string) (*run.Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE project_id = $1 AND playbook_id = $2 AND run_type = $3 AND work_key = $4
		   AND status = 'SUCCEEDED' AND ai_used AND NOT reused
		 ORDER BY created_at DESC LIMIT 1`,
		projectID, playbookID, string(t), workKey))
	if err != nil {
		return nil, notFoundWrap(err, "find reusable run %s", workKey)
	}
	return r, nil
}

func (s *Store) CountAIRunsSince(ctx context.Context, projectID string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE project_id = $1 AND ai_used AND created_at >= $2`,
		projectID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ai runs %s: %w", projectID, err)
	}
	return n, nil
}
