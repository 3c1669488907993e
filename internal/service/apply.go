package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	spotel "github.com/Strob0t/storepilot/internal/adapter/otel"
	"github.com/Strob0t/storepilot/internal/domain/draft"
	"github.com/Strob0t/storepilot/internal/domain/run"
	"github.com/Strob0t/storepilot/internal/domain/target"
	"github.com/Strob0t/storepilot/internal/port/artifact"
)

// Per-item apply outcomes.
const (
	ItemUpdated = "updated"
	ItemSkipped = "skipped"
	ItemFailed  = "failed"
)

// ApplyItemResult is the outcome of writing one draft item.
type ApplyItemResult struct {
	TargetID string       `json:"target_id"`
	Field    target.Field `json:"field"`
	Status   string       `json:"status"`
	Message  string       `json:"message,omitempty"`
}

// ApplyReport aggregates one apply pass over a draft.
type ApplyReport struct {
	RunID     string            `json:"run_id"`
	DraftID   string            `json:"draft_id"`
	Attempted int               `json:"attempted"`
	Updated   int               `json:"updated"`
	Skipped   int               `json:"skipped"`
	Failed    int               `json:"failed"`
	Items     []ApplyItemResult `json:"items"`
	AppliedAt time.Time         `json:"applied_at"`
}

// ApplyStore is the subset of the store the executor writes to.
type ApplyStore interface {
	FillTargetField(ctx context.Context, projectID, targetID string, field target.Field, value string) (bool, error)
	MarkDraftApplied(ctx context.Context, draftID, userID string, at time.Time) error
}

// ApplyExecutor writes draft items to their targets. It never calls the
// generation provider.
type ApplyExecutor struct {
	store     ApplyStore
	artifacts artifact.Store
	metrics   *spotel.Metrics
	now       func() time.Time
}

// NewApplyExecutor creates an ApplyExecutor.
func NewApplyExecutor(store ApplyStore) *ApplyExecutor {
	return &ApplyExecutor{store: store, now: time.Now}
}

// SetArtifactStore enables persisting apply reports.
func (a *ApplyExecutor) SetArtifactStore(s artifact.Store) {
	a.artifacts = s
}

// SetMetrics enables target write metrics.
func (a *ApplyExecutor) SetMetrics(m *spotel.Metrics) {
	a.metrics = m
}

// Apply writes every item with a suggestion. A write only lands while the
// target field is still blank; a guard miss is reported as skipped. The
// draft is marked applied when at least one item was updated.
func (a *ApplyExecutor) Apply(ctx context.Context, d *draft.Draft, runID, userID string) (*ApplyReport, error) {
	ctx, span := spotel.StartApplySpan(ctx, d.ID, len(d.Items))
	defer span.End()

	rep := &ApplyReport{RunID: runID, DraftID: d.ID, Items: make([]ApplyItemResult, 0, len(d.Items))}
	for i := range d.Items {
		res := a.applyItem(ctx, d.ProjectID, &d.Items[i])
		rep.Attempted++
		switch res.Status {
		case ItemUpdated:
			rep.Updated++
		case ItemSkipped:
			rep.Skipped++
		case ItemFailed:
			rep.Failed++
		}
		rep.Items = append(rep.Items, res)
	}

	if a.metrics != nil && rep.Updated > 0 {
		a.metrics.TargetWrites.Add(ctx, int64(rep.Updated), metric.WithAttributes(
			attribute.String("playbook.id", d.PlaybookID),
		))
	}

	if rep.Updated == 0 {
		if rep.Failed > 0 {
			return rep, run.Transient(run.CodeStoreFailed, "no draft item could be written", nil).
				WithDetail("failed", rep.Failed)
		}
		return rep, nil
	}

	rep.AppliedAt = a.now()
	if err := a.store.MarkDraftApplied(ctx, d.ID, userID, rep.AppliedAt); err != nil {
		if errors.Is(err, draft.ErrApplied) {
			return rep, &run.Error{Kind: run.KindRace, Code: run.CodeAlreadyHandled, Message: "draft applied concurrently", Err: err}
		}
		return rep, run.Transient(run.CodeStoreFailed, "mark draft applied", err)
	}
	return rep, nil
}

func (a *ApplyExecutor) applyItem(ctx context.Context, projectID string, it *draft.Item) ApplyItemResult {
	res := ApplyItemResult{TargetID: it.TargetID, Field: it.Field}
	if !it.HasSuggestion() {
		res.Status, res.Message = ItemSkipped, "no suggestion"
		return res
	}

	ok, err := a.store.FillTargetField(ctx, projectID, it.TargetID, it.Field, it.FinalSuggestion)
	switch {
	case err != nil:
		slog.WarnContext(ctx, "apply item failed", "target_id", it.TargetID, "field", it.Field, "error", err)
		res.Status, res.Message = ItemFailed, err.Error()
	case !ok:
		res.Status, res.Message = ItemSkipped, "already filled"
	default:
		res.Status = ItemUpdated
	}
	return res
}

// Persist stores the report as a JSON artifact and returns its reference.
// Without an artifact store, or on upload failure, the draft reference is
// returned instead.
func (a *ApplyExecutor) Persist(ctx context.Context, projectID string, rep *ApplyReport) string {
	fallback := DraftRef(rep.DraftID)
	if a.artifacts == nil {
		return fallback
	}

	data, err := json.Marshal(rep)
	if err != nil {
		slog.ErrorContext(ctx, "marshal apply report", "error", err)
		return fallback
	}
	key := fmt.Sprintf("reports/%s/%s/%s.json", projectID, rep.DraftID, rep.RunID)
	ref, err := a.artifacts.Put(ctx, key, data, "application/json")
	if err != nil {
		slog.WarnContext(ctx, "apply report upload failed", "key", key, "error", err)
		return fallback
	}
	return ref
}
