package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	spotel "github.com/Strob0t/storepilot/internal/adapter/otel"
	"github.com/Strob0t/storepilot/internal/adapter/ws"
	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/playbook"
	"github.com/Strob0t/storepilot/internal/domain/target"
	"github.com/Strob0t/storepilot/internal/domain/trigger"
	"github.com/Strob0t/storepilot/internal/port/broadcast"
	"github.com/Strob0t/storepilot/internal/port/database"
	"github.com/Strob0t/storepilot/internal/port/quota"
)

// maxGateAttempts bounds the re-read loop when inserts or requeues race.
const maxGateAttempts = 5

// Skip reasons recorded on trigger runs.
const (
	ReasonNotEntitled  = "plan_not_entitled"
	ReasonNoMatch      = "no_matching_playbook"
	ReasonQuotaBlocked = "quota_blocked"
)

// TriggerResult is what the gate did with one event.
type TriggerResult struct {
	Decision trigger.Decision `json:"decision"`
	Run      *trigger.Run     `json:"trigger_run,omitempty"`
}

// TriggerGate deduplicates event-driven automations by target fingerprint
// and executes them at most once per fingerprint.
type TriggerGate struct {
	store   database.Store
	gen     *Generator
	quota   quota.Gate
	plans   []string
	hub     broadcast.Broadcaster
	metrics *spotel.Metrics
	timeout time.Duration
}

// NewTriggerGate creates a TriggerGate. automationPlans lists the plans
// entitled to automations.
func NewTriggerGate(store database.Store, gen *Generator, gate quota.Gate, automationPlans []string, timeout time.Duration) *TriggerGate {
	return &TriggerGate{store: store, gen: gen, quota: gate, plans: automationPlans, timeout: timeout}
}

// SetBroadcaster enables live trigger updates.
func (g *TriggerGate) SetBroadcaster(b broadcast.Broadcaster) { g.hub = b }

// SetMetrics enables trigger metrics.
func (g *TriggerGate) SetMetrics(m *spotel.Metrics) { g.metrics = m }

// Handle runs the gate for ev. Suppressed events are not errors.
func (g *TriggerGate) Handle(ctx context.Context, ev trigger.Event) (*TriggerResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	ctx, span := spotel.StartTriggerSpan(ctx, ev.ProjectID, ev.TargetID, ev.Automation)
	defer span.End()

	t, err := g.store.GetTarget(ctx, ev.ProjectID, ev.TargetID)
	if err != nil {
		return nil, err
	}
	plan, err := g.store.GetProjectPlan(ctx, ev.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("project plan: %w", err)
	}
	fp := t.Fingerprint()
	key := trigger.Key(ev.Automation, t.ID, fp)

	tr, decision, err := g.acquire(ctx, ev, key, fp, plan)
	if err != nil {
		return nil, err
	}

	if decision == trigger.DecisionStarted {
		won, err := g.store.ClaimTriggerRun(ctx, tr.ID)
		if err != nil {
			return nil, fmt.Errorf("claim trigger run: %w", err)
		}
		if !won {
			decision = trigger.DecisionInFlight
		} else {
			g.execute(ctx, ev, t, tr, plan)
		}
	}

	g.observe(ctx, ev, decision, tr)
	return &TriggerResult{Decision: decision, Run: tr}, nil
}

// acquire finds or creates the ledger row for key and decides whether this
// caller owns the execution.
func (g *TriggerGate) acquire(ctx context.Context, ev trigger.Event, key, fp, plan string) (*trigger.Run, trigger.Decision, error) {
	for range maxGateAttempts {
		tr, err := g.store.GetTriggerRun(ctx, ev.ProjectID, ev.TargetID, ev.Automation, key)
		if errors.Is(err, domain.ErrNotFound) {
			tr = &trigger.Run{
				ID:              uuid.NewString(),
				ProjectID:       ev.ProjectID,
				TargetID:        ev.TargetID,
				Automation:      ev.Automation,
				IdempotencyKey:  key,
				FingerprintHash: fp,
				PlanID:          plan,
				Status:          trigger.StatusQueued,
			}
			err := g.store.CreateTriggerRun(ctx, tr)
			if err == nil {
				return tr, trigger.DecisionStarted, nil
			}
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return nil, "", fmt.Errorf("create trigger run: %w", err)
		}
		if err != nil {
			return nil, "", fmt.Errorf("get trigger run: %w", err)
		}

		switch tr.Status {
		case trigger.StatusSucceeded, trigger.StatusSkipped:
			return tr, trigger.DecisionDone, nil
		case trigger.StatusQueued, trigger.StatusRunning:
			return tr, trigger.DecisionInFlight, nil
		case trigger.StatusFailed:
			won, err := g.store.RequeueTriggerRun(ctx, tr.ID)
			if err != nil {
				return nil, "", fmt.Errorf("requeue trigger run: %w", err)
			}
			if won {
				tr.Status, tr.PlanID = trigger.StatusQueued, plan
				return tr, trigger.DecisionStarted, nil
			}
		}
	}
	return nil, "", fmt.Errorf("trigger %s: too much contention: %w", key, domain.ErrConflict)
}

// execute runs the automation and records the terminal status.
func (g *TriggerGate) execute(ctx context.Context, ev trigger.Event, t *target.Target, tr *trigger.Run, plan string) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	status, reason, runErr := g.fill(runCtx, ev, t, plan)
	cancel()

	msg := ""
	if runErr != nil {
		status = trigger.StatusFailed
		msg = runErr.Error()
		slog.WarnContext(ctx, "automation failed", "target_id", t.ID, "error", runErr)
	}

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer fcancel()
	if err := g.store.FinishTriggerRun(fctx, tr.ID, status, reason, msg); err != nil {
		slog.ErrorContext(ctx, "finish trigger run failed", "trigger_run_id", tr.ID, "error", err)
		return
	}
	tr.Status, tr.Reason, tr.ErrorMessage = status, reason, msg
}

// fill generates and writes every blank field a playbook covers. plan is
// the project's stored plan, never a value supplied with the event.
// A quota block ends FAILED so the fingerprint is retried once quota frees up.
func (g *TriggerGate) fill(ctx context.Context, ev trigger.Event, t *target.Target, plan string) (trigger.Status, string, error) {
	if !slices.Contains(g.plans, plan) {
		return trigger.StatusSkipped, ReasonNotEntitled, nil
	}

	var matching []playbook.Playbook
	for _, pb := range playbook.All() {
		if pb.Matches(t) {
			matching = append(matching, pb)
		}
	}
	if len(matching) == 0 {
		return trigger.StatusSkipped, ReasonNoMatch, nil
	}

	dec, err := g.quota.Evaluate(ctx, ev.ProjectID, "", quota.ActionAutomation)
	if err != nil {
		return "", "", fmt.Errorf("evaluate quota: %w", err)
	}
	if !dec.Allowed {
		return trigger.StatusFailed, ReasonQuotaBlocked + ": " + dec.Reason, nil
	}

	sug, err := g.gen.Suggest(ctx, t, matching[0].Field)
	if err != nil {
		return "", "", err
	}

	for _, pb := range matching {
		rs, err := g.store.GetPlaybookRules(ctx, ev.ProjectID, pb.ID)
		if err != nil {
			return "", "", fmt.Errorf("load rules %s: %w", pb.ID, err)
		}
		it := BuildItem(pb, rs, t.ID, sug)
		if !it.HasSuggestion() {
			continue
		}
		if _, err := g.store.FillTargetField(ctx, ev.ProjectID, t.ID, pb.Field, it.FinalSuggestion); err != nil {
			return "", "", fmt.Errorf("fill %s: %w", pb.Field, err)
		}
	}
	return trigger.StatusSucceeded, "", nil
}

func (g *TriggerGate) observe(ctx context.Context, ev trigger.Event, decision trigger.Decision, tr *trigger.Run) {
	if g.metrics != nil {
		g.metrics.Triggers.Add(ctx, 1, metric.WithAttributes(
			attribute.String("automation", ev.Automation),
			attribute.String("decision", string(decision)),
		))
	}
	if g.hub != nil {
		g.hub.BroadcastEvent(ctx, ev.ProjectID, ws.EventTriggerStatus, ws.TriggerStatusEvent{
			TargetID:   ev.TargetID,
			Automation: ev.Automation,
			Decision:   string(decision),
			Status:     string(tr.Status),
		})
	}
}
