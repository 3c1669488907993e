package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Strob0t/storepilot/internal/config"
	"github.com/Strob0t/storepilot/internal/port/database"
	"github.com/Strob0t/storepilot/internal/port/quota"
)

// QuotaStore is the subset of the store the quota gate reads.
type QuotaStore interface {
	database.ProjectStore
	CountAIRunsSince(ctx context.Context, projectID string, since time.Time) (int, error)
}

// PlanQuota implements quota.Gate with per-plan daily AI run limits.
type PlanQuota struct {
	store QuotaStore
	cfg   config.Quota
	now   func() time.Time
}

// NewPlanQuota creates a PlanQuota.
func NewPlanQuota(store QuotaStore, cfg config.Quota) *PlanQuota {
	return &PlanQuota{store: store, cfg: cfg, now: time.Now}
}

// Evaluate counts today's (UTC) AI-consuming runs against the plan limit.
// Automations additionally require a plan listed in AutomationPlans.
func (q *PlanQuota) Evaluate(ctx context.Context, projectID, _ string, action quota.Action) (quota.Decision, error) {
	plan, err := q.store.GetProjectPlan(ctx, projectID)
	if err != nil {
		return quota.Decision{}, fmt.Errorf("project plan: %w", err)
	}

	if action == quota.ActionAutomation && !slices.Contains(q.cfg.AutomationPlans, plan) {
		return quota.Decision{Reason: fmt.Sprintf("plan %q does not include automations", plan)}, nil
	}

	limit, ok := q.cfg.DailyAIRuns[plan]
	if !ok {
		limit = q.cfg.DefaultDailyAIRuns
	}

	now := q.now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	used, err := q.store.CountAIRunsSince(ctx, projectID, day)
	if err != nil {
		return quota.Decision{}, err
	}

	remaining := max(limit-used, 0)
	if remaining == 0 {
		return quota.Decision{Reason: fmt.Sprintf("daily limit of %d AI runs reached", limit)}, nil
	}
	return quota.Decision{Allowed: true, Remaining: remaining}, nil
}
