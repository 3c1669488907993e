package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	spotel "github.com/Strob0t/storepilot/internal/adapter/otel"
	"github.com/Strob0t/storepilot/internal/adapter/ws"
	"github.com/Strob0t/storepilot/internal/config"
	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/draft"
	"github.com/Strob0t/storepilot/internal/domain/event"
	"github.com/Strob0t/storepilot/internal/domain/playbook"
	"github.com/Strob0t/storepilot/internal/domain/rules"
	"github.com/Strob0t/storepilot/internal/domain/run"
	"github.com/Strob0t/storepilot/internal/domain/scope"
	"github.com/Strob0t/storepilot/internal/logger"
	"github.com/Strob0t/storepilot/internal/port/access"
	"github.com/Strob0t/storepilot/internal/port/broadcast"
	"github.com/Strob0t/storepilot/internal/port/database"
	"github.com/Strob0t/storepilot/internal/port/eventstore"
	"github.com/Strob0t/storepilot/internal/port/messagequeue"
	"github.com/Strob0t/storepilot/internal/port/quota"
)

// finishTimeout bounds the terminal write after the run context expired.
const finishTimeout = 10 * time.Second

// Engine creates runs and drives them through
// QUEUED → RUNNING → SUCCEEDED | FAILED | STALE.
type Engine struct {
	store    database.Store
	resolver *ScopeResolver
	drafts   *DraftService
	work     *WorkCache
	apply    *ApplyExecutor
	access   access.Checker
	quota    quota.Gate
	cfg      config.Engine

	dispatcher Dispatcher
	events     eventstore.Store
	hub        broadcast.Broadcaster
	queue      messagequeue.Queue
	metrics    *spotel.Metrics
	now        func() time.Time
}

// NewEngine creates an Engine that executes runs inline until a
// dispatcher is set.
func NewEngine(
	store database.Store,
	resolver *ScopeResolver,
	drafts *DraftService,
	work *WorkCache,
	apply *ApplyExecutor,
	checker access.Checker,
	gate quota.Gate,
	cfg config.Engine,
) *Engine {
	e := &Engine{
		store:    store,
		resolver: resolver,
		drafts:   drafts,
		work:     work,
		apply:    apply,
		access:   checker,
		quota:    gate,
		cfg:      cfg,
		now:      time.Now,
	}
	e.dispatcher = NewInlineDispatcher(e)
	return e
}

// SetDispatcher replaces the inline dispatcher.
func (e *Engine) SetDispatcher(d Dispatcher) { e.dispatcher = d }

// SetEventStore enables the run transition log.
func (e *Engine) SetEventStore(s eventstore.Store) { e.events = s }

// SetBroadcaster enables live status updates.
func (e *Engine) SetBroadcaster(b broadcast.Broadcaster) { e.hub = b }

// SetStatusQueue enables publishing terminal statuses to the status subject.
func (e *Engine) SetStatusQueue(q messagequeue.Queue) { e.queue = q }

// SetMetrics enables run metrics.
func (e *Engine) SetMetrics(m *spotel.Metrics) { e.metrics = m }

// CreateRun returns the live run for the request's idempotency key or
// creates and dispatches a new one. created reports which happened. Access
// and quota rejections happen before any row is written.
func (e *Engine) CreateRun(ctx context.Context, req run.CreateRequest) (r *run.Run, created bool, err error) {
	if err := req.Validate(); err != nil {
		return nil, false, err
	}
	if _, ok := playbook.Get(req.PlaybookID); !ok {
		return nil, false, fmt.Errorf("playbook %q: %w", req.PlaybookID, domain.ErrNotFound)
	}

	if req.Type == run.TypeApply {
		err = e.access.AssertOwnerRole(ctx, req.ProjectID, req.UserID)
	} else {
		err = e.access.AssertCanGenerate(ctx, req.ProjectID, req.UserID)
	}
	if err != nil {
		return nil, false, err
	}

	r, err = e.prepare(ctx, req)
	if err != nil {
		return nil, false, err
	}

	if existing, err := e.store.FindRunByKey(ctx, r.ProjectID, r.IdempotencyKey); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, fmt.Errorf("find run by key: %w", err)
	}

	if req.Type.IsGenerate() {
		dec, err := e.quota.Evaluate(ctx, req.ProjectID, req.UserID, quota.ActionGenerate)
		if err != nil {
			return nil, false, fmt.Errorf("evaluate quota: %w", err)
		}
		if !dec.Allowed {
			return nil, false, run.Rejected(run.CodeQuotaBlocked, dec.Reason, nil)
		}
	}

	if err := e.store.CreateRun(ctx, r); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return nil, false, fmt.Errorf("create run: %w", err)
		}
		winner, rerr := e.store.FindRunByKey(ctx, r.ProjectID, r.IdempotencyKey)
		if rerr != nil {
			return nil, false, fmt.Errorf("re-read run after conflict: %w", rerr)
		}
		return winner, false, nil
	}

	slog.InfoContext(ctx, "run created", "run_id", r.ID, "run_type", r.Type, "playbook_id", r.PlaybookID)
	if e.metrics != nil {
		e.metrics.RunsCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("run.type", string(r.Type))))
	}
	e.record(ctx, r, event.TypeRunCreated, map[string]string{"idempotency_key": r.IdempotencyKey})
	e.broadcast(ctx, r)

	if err := e.dispatcher.Dispatch(ctx, r); err != nil {
		slog.ErrorContext(ctx, "dispatch run failed", "run_id", r.ID, "error", err)
	}
	if fresh, err := e.store.GetRun(ctx, r.ID); err == nil {
		r = fresh
	}
	return r, true, nil
}

// prepare builds the QUEUED row. Generate runs resolve scope and rules now;
// APPLY runs carry the caller's scope_id and rules_hash, which are checked
// when the run executes.
func (e *Engine) prepare(ctx context.Context, req run.CreateRequest) (*run.Run, error) {
	r := &run.Run{
		ID:              uuid.NewString(),
		ProjectID:       req.ProjectID,
		PlaybookID:      req.PlaybookID,
		Type:            req.Type,
		Status:          run.StatusQueued,
		ScopeID:         req.ScopeID,
		RulesHash:       req.RulesHash,
		CreatedByUserID: req.UserID,
		Meta:            run.Meta{TargetIDs: req.TargetIDs},
	}

	if req.Type.IsGenerate() {
		sc, err := e.resolver.Resolve(ctx, req.ProjectID, req.PlaybookID, req.TargetIDs)
		if err != nil {
			return nil, err
		}
		rs, err := e.store.GetPlaybookRules(ctx, req.ProjectID, req.PlaybookID)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		if req.ScopeID != "" && req.ScopeID != sc.ID {
			return nil, run.Contract(run.CodeScopeInvalid, "scope changed since preview")
		}
		if req.RulesHash != "" && req.RulesHash != rs.Hash() {
			return nil, run.Contract(run.CodeRulesChanged, "rules changed since preview")
		}
		r.ScopeID = sc.ID
		r.RulesHash = rs.Hash()
	}

	if req.Type == run.TypePreviewGenerate {
		n := req.SampleSize
		if n == 0 {
			n = e.cfg.DefaultSampleSize
		}
		r.Meta.SampleSize = min(n, e.cfg.MaxSampleSize)
	}

	r.IdempotencyKey = req.IdempotencyKey
	if r.IdempotencyKey == "" {
		r.IdempotencyKey = run.IdempotencyKey(r.Type, r.ProjectID, r.PlaybookID, r.ScopeID, r.RulesHash)
	}
	return r, nil
}

// Execute claims the run and drives it to a terminal state. Losing the
// claim is not an error. Failures inside the run are recorded on the row
// and not returned; only infrastructure errors around the claim and the
// terminal write are.
func (e *Engine) Execute(ctx context.Context, runID string) error {
	won, err := e.store.ClaimRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("claim run %s: %w", runID, err)
	}
	if !won {
		slog.DebugContext(ctx, "run already claimed", "run_id", runID)
		return nil
	}

	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		// The claim is ours, so a redelivery cannot finish the row.
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer fcancel()
		ferr := e.store.FinishRun(fctx, runID, run.Outcome{
			Status:       run.StatusFailed,
			ErrorCode:    run.CodeStoreFailed,
			ErrorMessage: "load claimed run: " + err.Error(),
		})
		if ferr != nil {
			slog.ErrorContext(ctx, "fail claimed run", "run_id", runID, "error", ferr)
		}
		return fmt.Errorf("get run %s: %w", runID, err)
	}
	r.Status = run.StatusRunning

	ctx = logger.WithRunID(ctx, r.ID)
	ctx, span := spotel.StartRunSpan(ctx, r.ID, string(r.Type), r.ProjectID)
	defer span.End()

	e.record(ctx, r, event.TypeRunClaimed, nil)
	e.broadcast(ctx, r)

	start := e.now()
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.RunTimeout)
	out, runErr := e.execute(runCtx, r)
	cancel()

	if runErr != nil {
		ce := run.Classify(runErr)
		out = run.Outcome{
			Status:       run.TerminalStatus(ce.Kind),
			WorkKey:      out.WorkKey,
			AIUsed:       out.AIUsed,
			ErrorCode:    ce.Code,
			ErrorMessage: ce.Error(),
		}
		span.SetStatus(codes.Error, ce.Error())
		slog.WarnContext(ctx, "run did not succeed", "status", out.Status, "code", ce.Code, "kind", ce.Kind, "error", runErr)
	}

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer fcancel()
	if err := e.store.FinishRun(fctx, r.ID, out); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			slog.WarnContext(ctx, "run finished elsewhere", "error", err)
			return nil
		}
		return fmt.Errorf("finish run %s: %w", r.ID, err)
	}

	applyOutcome(r, out, e.now())
	e.observe(fctx, r, e.now().Sub(start))
	e.record(fctx, r, eventTypeFor(r), out)
	e.broadcast(fctx, r)
	e.publishStatus(fctx, r)
	return nil
}

func (e *Engine) execute(ctx context.Context, r *run.Run) (run.Outcome, error) {
	pb, ok := playbook.Get(r.PlaybookID)
	if !ok {
		return run.Outcome{}, run.Contract(run.CodeScopeInvalid, "unknown playbook")
	}

	current, err := e.store.GetPlaybookRules(ctx, r.ProjectID, r.PlaybookID)
	if err != nil {
		return run.Outcome{}, run.Transient(run.CodeStoreFailed, "load rules", err)
	}
	if current.Hash() != r.RulesHash {
		return run.Outcome{}, run.Contract(run.CodeRulesChanged, "rules changed since the run was queued").
			WithDetail("expected", r.RulesHash).WithDetail("actual", current.Hash())
	}

	sc, err := e.resolver.Resolve(ctx, r.ProjectID, r.PlaybookID, r.Meta.TargetIDs)
	if err != nil {
		return run.Outcome{}, err
	}
	if sc.ID != r.ScopeID {
		return run.Outcome{}, run.Contract(run.CodeScopeInvalid, "scope changed since the run was queued").
			WithDetail("expected", r.ScopeID).WithDetail("actual", sc.ID)
	}

	if r.Type == run.TypeApply {
		return e.applyDraft(ctx, r)
	}
	return e.generate(ctx, r, pb, sc, current)
}

func (e *Engine) generate(ctx context.Context, r *run.Run, pb playbook.Playbook, sc *scope.Scope, rs rules.Rules) (run.Outcome, error) {
	ids := sc.TargetIDs
	if r.Type == run.TypePreviewGenerate {
		ids = ids[:min(r.Meta.SampleSize, len(ids))]
	}
	out := run.Outcome{WorkKey: ComputeWorkKey(pb.ID, ids, rs)}

	src, err := e.work.FindReusable(ctx, r.ProjectID, pb.ID, r.Type, out.WorkKey)
	if err != nil {
		slog.WarnContext(ctx, "reuse lookup failed", "error", err)
	}
	if src != nil && src.ID != r.ID && e.draftAlive(ctx, src.ResultRef) {
		if e.metrics != nil {
			e.metrics.ReuseHits.Add(ctx, 1, metric.WithAttributes(attribute.String("playbook.id", pb.ID)))
		}
		slog.InfoContext(ctx, "reusing earlier generation", "source_run_id", src.ID)
		out.Status = run.StatusSucceeded
		out.Reused = true
		out.ReusedFromRunID = src.ID
		out.ResultRef = src.ResultRef
		return out, nil
	}

	var (
		d     *draft.Draft
		calls int
	)
	if r.Type == run.TypePreviewGenerate {
		d, calls, err = e.drafts.UpsertSample(ctx, sc, pb, rs, r.Meta.SampleSize)
	} else {
		d, calls, err = e.drafts.MaterializeFull(ctx, sc, pb, rs)
	}
	out.AIUsed = calls > 0
	if err != nil {
		return out, wrapStore(err, "save draft")
	}

	out.Status = run.StatusSucceeded
	out.ResultRef = DraftRef(d.ID)
	return out, nil
}

// draftAlive reports whether the draft behind a generate run's result
// reference still exists and has not expired.
func (e *Engine) draftAlive(ctx context.Context, ref string) bool {
	id, ok := ParseDraftRef(ref)
	if !ok {
		return false
	}
	d, err := e.store.GetDraft(ctx, id)
	if err != nil {
		return false
	}
	return !d.IsExpired(e.now())
}

func (e *Engine) applyDraft(ctx context.Context, r *run.Run) (run.Outcome, error) {
	out := run.Outcome{}

	d, err := e.store.GetDraftByKey(ctx, r.ProjectID, r.PlaybookID, r.ScopeID, r.RulesHash)
	if errors.Is(err, domain.ErrNotFound) {
		return out, run.Contract(run.CodeDraftNotFound, "no draft for scope and rules")
	}
	if err != nil {
		return out, run.Transient(run.CodeStoreFailed, "load draft", err)
	}
	if d.IsExpired(e.now()) {
		return out, run.Contract(run.CodeDraftNotFound, "draft expired")
	}
	if d.IsApplied() {
		return out, &run.Error{Kind: run.KindRace, Code: run.CodeAlreadyHandled, Message: "draft already applied"}
	}
	if d.Rules.Hash() != r.RulesHash {
		return out, run.Contract(run.CodeRulesChanged, "draft rules snapshot differs")
	}

	rep, err := e.apply.Apply(ctx, d, r.ID, r.CreatedByUserID)
	if err != nil {
		return out, err
	}
	slog.InfoContext(ctx, "draft applied", "draft_id", d.ID,
		"updated", rep.Updated, "skipped", rep.Skipped, "failed", rep.Failed)

	out.Status = run.StatusSucceeded
	out.ResultRef = e.apply.Persist(ctx, r.ProjectID, rep)
	return out, nil
}

func wrapStore(err error, msg string) error {
	var re *run.Error
	if errors.As(err, &re) {
		return err
	}
	return run.Transient(run.CodeStoreFailed, msg, err)
}

func applyOutcome(r *run.Run, out run.Outcome, at time.Time) {
	r.Status = out.Status
	r.WorkKey = out.WorkKey
	r.AIUsed = out.AIUsed
	r.Reused = out.Reused
	r.ReusedFromRunID = out.ReusedFromRunID
	r.ResultRef = out.ResultRef
	r.ErrorCode = out.ErrorCode
	r.ErrorMessage = out.ErrorMessage
	r.CompletedAt = &at
}

func eventTypeFor(r *run.Run) event.Type {
	switch {
	case r.Status == run.StatusStale:
		return event.TypeRunStale
	case r.Status == run.StatusFailed:
		return event.TypeRunFailed
	case r.Reused:
		return event.TypeRunReused
	}
	return event.TypeRunSucceeded
}

func (e *Engine) observe(ctx context.Context, r *run.Run, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("run.type", string(r.Type)),
		attribute.String("status", string(r.Status)),
	)
	switch r.Status {
	case run.StatusSucceeded:
		e.metrics.RunsSucceeded.Add(ctx, 1, attrs)
	case run.StatusStale:
		e.metrics.RunsStale.Add(ctx, 1, attrs)
	default:
		e.metrics.RunsFailed.Add(ctx, 1, attrs)
	}
	e.metrics.RunDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// record appends to the run event log. Failures are logged only.
func (e *Engine) record(ctx context.Context, r *run.Run, t event.Type, payload any) {
	if e.events == nil {
		return
	}
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			slog.ErrorContext(ctx, "marshal run event", "type", t, "error", err)
			return
		}
		data = b
	}
	ev := &event.RunEvent{
		RunID:     r.ID,
		ProjectID: r.ProjectID,
		Type:      t,
		Payload:   data,
		RequestID: logger.RequestID(ctx),
	}
	if err := e.events.Append(ctx, ev); err != nil {
		slog.WarnContext(ctx, "append run event failed", "type", t, "error", err)
	}
}

func (e *Engine) broadcast(ctx context.Context, r *run.Run) {
	if e.hub == nil {
		return
	}
	e.hub.BroadcastEvent(ctx, r.ProjectID, ws.EventRunStatus, ws.RunStatusEvent{
		RunID:      r.ID,
		ProjectID:  r.ProjectID,
		PlaybookID: r.PlaybookID,
		RunType:    string(r.Type),
		Status:     string(r.Status),
		ErrorCode:  string(r.ErrorCode),
		Reused:     r.Reused,
	})
}

func (e *Engine) publishStatus(ctx context.Context, r *run.Run) {
	if e.queue == nil {
		return
	}
	data, err := json.Marshal(messagequeue.RunStatusPayload{
		RunID:     r.ID,
		ProjectID: r.ProjectID,
		RunType:   string(r.Type),
		Status:    string(r.Status),
		ErrorCode: string(r.ErrorCode),
	})
	if err != nil {
		return
	}
	if err := e.queue.Publish(ctx, messagequeue.SubjectRunStatus, data); err != nil {
		slog.WarnContext(ctx, "publish run status failed", "error", err)
	}
}

// GetRun returns a run the user may view. Runs of projects the user is not
// a member of are reported as not found.
func (e *Engine) GetRun(ctx context.Context, id, userID string) (*run.Run, error) {
	r, err := e.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.access.AssertCanView(ctx, r.ProjectID, userID); err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return r, nil
}

// ListRuns returns the project's runs, newest first.
func (e *Engine) ListRuns(ctx context.Context, filter run.ListFilter, userID string) ([]run.Run, error) {
	if err := e.access.AssertCanView(ctx, filter.ProjectID, userID); err != nil {
		return nil, err
	}
	return e.store.ListRuns(ctx, filter)
}

// RunEvents returns the transition log of a run the user may view.
func (e *Engine) RunEvents(ctx context.Context, id, userID string) ([]event.RunEvent, error) {
	if _, err := e.GetRun(ctx, id, userID); err != nil {
		return nil, err
	}
	if e.events == nil {
		return []event.RunEvent{}, nil
	}
	return e.events.LoadByRun(ctx, id)
}
