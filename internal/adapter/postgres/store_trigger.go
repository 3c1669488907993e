package postgres

import (
	"context"
	"fmt"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/trigger"
)

const triggerColumns = `id, project_id, target_id, automation, idempotency_key, fingerprint_hash, plan_id,
	status, attempts, reason, error_message, created_at, updated_at, completed_at`

func scanTriggerRun(row scannable) (*trigger.Run, error) {
	var tr trigger.Run
	err := row.Scan(&tr.ID, &tr.ProjectID, &tr.TargetID, &tr.Automation, &tr.IdempotencyKey,
		&tr.FingerprintHash, &tr.PlanID, &tr.Status, &tr.Attempts, &tr.Reason, &tr.ErrorMessage,
		&tr.CreatedAt, &tr.UpdatedAt, &tr.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &tr, nil
}

func (s *Store) GetTriggerRun(ctx context.Context, projectID, targetID, automation, key string) (*trigger.Run, error) {
	tr, err := scanTriggerRun(s.pool.QueryRow(ctx,
		`SELECT `+triggerColumns+` FROM trigger_runs
		 WHERE project_id = $1 AND target_id = $2 AND automation = $3 AND idempotency_key = $4`,
		projectID, targetID, automation, key))
	if err != nil {
		return nil, notFoundWrap(err, "get trigger run %s/%s", targetID, key)
	}
	return tr, nil
}

func (s *Store) CreateTriggerRun(ctx context.Context, tr *trigger.Run) error {
	if tr.Status == "" {
		tr.Status = trigger.StatusQueued
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO trigger_runs (project_id, target_id, automation, idempotency_key, fingerprint_hash, plan_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, attempts, created_at, updated_at`,
		tr.ProjectID, tr.TargetID, tr.Automation, tr.IdempotencyKey, tr.FingerprintHash, tr.PlanID, string(tr.Status))
	if err := row.Scan(&tr.ID, &tr.Attempts, &tr.CreatedAt, &tr.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create trigger run %s: %w", tr.IdempotencyKey, domain.ErrConflict)
		}
		return fmt.Errorf("create trigger run: %w", err)
	}
	return nil
}

func (s *Store) RequeueTriggerRun(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trigger_runs SET status = 'QUEUED', error_message = '', reason = '', completed_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'FAILED'`, id)
	if err != nil {
		return false, fmt.Errorf("requeue trigger run %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ClaimTriggerRun(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trigger_runs SET status = 'RUNNING', attempts = attempts + 1, updated_at = now()
		 WHERE id = $1 AND status = 'QUEUED'`, id)
	if err != nil {
		return false, fmt.Errorf("claim trigger run %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) FinishTriggerRun(ctx context.Context, id string, status trigger.Status, reason, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trigger_runs SET status = $2, reason = $3, error_message = $4, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'RUNNING'`,
		id, string(status), reason, errMsg)
	return execExpectOne(tag, err, "finish trigger run %s", id)
}
