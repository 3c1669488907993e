package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/storepilot/internal/config"
	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/draft"
	"github.com/Strob0t/storepilot/internal/domain/event"
	"github.com/Strob0t/storepilot/internal/domain/rules"
	"github.com/Strob0t/storepilot/internal/domain/run"
	"github.com/Strob0t/storepilot/internal/domain/target"
	"github.com/Strob0t/storepilot/internal/domain/trigger"
	"github.com/Strob0t/storepilot/internal/port/generator"
	"github.com/Strob0t/storepilot/internal/port/quota"
)

// memStore is a race-safe in-memory database.Store with the same
// conditional-update semantics as the postgres adapter.
type memStore struct {
	mu       sync.Mutex
	seq      int
	base     time.Time
	targets  map[string]*target.Target
	rules    map[string]rules.Rules
	drafts   map[string]*draft.Draft
	runs     map[string]*run.Run
	triggers map[string]*trigger.Run
	roles    map[string]string
	plans    map[string]string

	fillErr   error
	fills     int
	getRunErr error
}

func newMemStore() *memStore {
	return &memStore{
		base:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		targets:  make(map[string]*target.Target),
		rules:    make(map[string]rules.Rules),
		drafts:   make(map[string]*draft.Draft),
		runs:     make(map[string]*run.Run),
		triggers: make(map[string]*trigger.Run),
		roles:    make(map[string]string),
		plans:    make(map[string]string),
	}
}

func pk(parts ...string) string { return strings.Join(parts, "/") }

// tick returns a strictly increasing timestamp; callers hold mu.
func (m *memStore) tick() time.Time {
	m.seq++
	return m.base.Add(time.Duration(m.seq) * time.Millisecond)
}

func (m *memStore) addTarget(t target.Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[pk(t.ProjectID, t.ID)] = &t
}

func (m *memStore) setField(projectID, id string, f target.Field, v string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[pk(projectID, id)].Set(f, v)
}

func (m *memStore) target(projectID, id string) target.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.targets[pk(projectID, id)]
}

func (m *memStore) fillCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fills
}

func (m *memStore) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func (m *memStore) deleteDraft(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.drafts, id)
}

func copyDraft(d *draft.Draft) *draft.Draft {
	c := *d
	c.Items = slices.Clone(d.Items)
	return &c
}

func copyRun(r *run.Run) *run.Run {
	c := *r
	c.Meta.TargetIDs = slices.Clone(r.Meta.TargetIDs)
	return &c
}

// --- TargetStore ---

func (m *memStore) ListTargets(_ context.Context, projectID string, kinds []target.Kind) ([]target.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []target.Target
	for _, t := range m.targets {
		if t.ProjectID == projectID && slices.Contains(kinds, t.Kind) {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b target.Target) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *memStore) GetTargets(_ context.Context, projectID string, ids []string) ([]target.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []target.Target
	for _, id := range ids {
		if t, ok := m.targets[pk(projectID, id)]; ok {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b target.Target) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *memStore) GetTarget(_ context.Context, projectID, id string) (*target.Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[pk(projectID, id)]
	if !ok {
		return nil, fmt.Errorf("target %s: %w", id, domain.ErrNotFound)
	}
	c := *t
	return &c, nil
}

func (m *memStore) FillTargetField(_ context.Context, projectID, targetID string, field target.Field, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fillErr != nil {
		return false, m.fillErr
	}
	t, ok := m.targets[pk(projectID, targetID)]
	if !ok || strings.TrimSpace(t.Value(field)) != "" {
		return false, nil
	}
	t.Set(field, value)
	m.fills++
	return true, nil
}

// --- RulesStore ---

func (m *memStore) GetPlaybookRules(_ context.Context, projectID, playbookID string) (rules.Rules, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[pk(projectID, playbookID)]; ok {
		return r, nil
	}
	return rules.Default(), nil
}

func (m *memStore) SavePlaybookRules(_ context.Context, projectID, playbookID string, r rules.Rules) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[pk(projectID, playbookID)] = r
	return nil
}

// --- DraftStore ---

func (m *memStore) GetDraft(_ context.Context, id string) (*draft.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok {
		return nil, fmt.Errorf("draft %s: %w", id, domain.ErrNotFound)
	}
	return copyDraft(d), nil
}

func (m *memStore) findDraft(projectID, playbookID, scopeID, rulesHash string) *draft.Draft {
	for _, d := range m.drafts {
		if d.ProjectID == projectID && d.PlaybookID == playbookID && d.ScopeID == scopeID && d.RulesHash == rulesHash {
			return d
		}
	}
	return nil
}

func (m *memStore) GetDraftByKey(_ context.Context, projectID, playbookID, scopeID, rulesHash string) (*draft.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := m.findDraft(projectID, playbookID, scopeID, rulesHash); d != nil {
		return copyDraft(d), nil
	}
	return nil, fmt.Errorf("draft: %w", domain.ErrNotFound)
}

func (m *memStore) GetLatestDraft(_ context.Context, projectID, playbookID string) (*draft.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *draft.Draft
	for _, d := range m.drafts {
		if d.ProjectID == projectID && d.PlaybookID == playbookID && (latest == nil || d.UpdatedAt.After(latest.UpdatedAt)) {
			latest = d
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("draft: %w", domain.ErrNotFound)
	}
	return copyDraft(latest), nil
}

func (m *memStore) UpsertDraft(_ context.Context, d *draft.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.tick()
	if cur := m.findDraft(d.ProjectID, d.PlaybookID, d.ScopeID, d.RulesHash); cur != nil {
		if cur.IsApplied() {
			return draft.ErrApplied
		}
		d.ID, d.CreatedAt = cur.ID, cur.CreatedAt
	} else {
		d.ID, d.CreatedAt = uuid.NewString(), now
	}
	d.UpdatedAt = now
	m.drafts[d.ID] = copyDraft(d)
	return nil
}

func (m *memStore) UpdateDraftItems(_ context.Context, d *draft.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.drafts[d.ID]
	if !ok {
		return fmt.Errorf("draft %s: %w", d.ID, domain.ErrNotFound)
	}
	if cur.IsApplied() {
		return draft.ErrApplied
	}
	cur.Items = slices.Clone(d.Items)
	cur.Counts = d.Counts
	cur.UpdatedAt = m.tick()
	return nil
}

func (m *memStore) MarkDraftApplied(_ context.Context, draftID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.drafts[draftID]
	if !ok {
		return fmt.Errorf("draft %s: %w", draftID, domain.ErrNotFound)
	}
	if cur.IsApplied() {
		return draft.ErrApplied
	}
	cur.AppliedAt = &at
	cur.AppliedByUserID = userID
	return nil
}

// --- RunStore ---

func (m *memStore) CreateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.runs {
		if o.ProjectID == r.ProjectID && o.IdempotencyKey == r.IdempotencyKey && o.Status.Reusable() {
			return fmt.Errorf("run key %s: %w", r.IdempotencyKey, domain.ErrConflict)
		}
	}
	r.CreatedAt = m.tick()
	r.UpdatedAt = r.CreatedAt
	m.runs[r.ID] = copyRun(r)
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getRunErr != nil {
		return nil, m.getRunErr
	}
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return copyRun(r), nil
}

func (m *memStore) newest(match func(*run.Run) bool) *run.Run {
	var best *run.Run
	for _, r := range m.runs {
		if match(r) && (best == nil || r.CreatedAt.After(best.CreatedAt)) {
			best = r
		}
	}
	return best
}

func (m *memStore) FindRunByKey(_ context.Context, projectID, key string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.newest(func(r *run.Run) bool {
		return r.ProjectID == projectID && r.IdempotencyKey == key && r.Status.Reusable()
	})
	if r == nil {
		return nil, fmt.Errorf("run key %s: %w", key, domain.ErrNotFound)
	}
	return copyRun(r), nil
}

func (m *memStore) ListRuns(_ context.Context, f run.ListFilter) ([]run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []run.Run
	for _, r := range m.runs {
		if r.ProjectID != f.ProjectID ||
			(f.PlaybookID != "" && r.PlaybookID != f.PlaybookID) ||
			(f.Type != "" && r.Type != f.Type) ||
			(f.Status != "" && r.Status != f.Status) {
			continue
		}
		out = append(out, *copyRun(r))
	}
	slices.SortFunc(out, func(a, b run.Run) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (m *memStore) ClaimRun(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.Status != run.StatusQueued {
		return false, nil
	}
	now := m.tick()
	r.Status = run.StatusRunning
	r.StartedAt = &now
	return true, nil
}

func (m *memStore) FinishRun(_ context.Context, id string, out run.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !out.Status.IsTerminal() {
		return fmt.Errorf("status %s: %w", out.Status, domain.ErrValidation)
	}
	r, ok := m.runs[id]
	if !ok || r.Status != run.StatusRunning {
		return fmt.Errorf("finish run %s: %w", id, domain.ErrConflict)
	}
	now := m.tick()
	applyOutcome(r, out, now)
	return nil
}

func (m *memStore) FindReusableRun(_ context.Context, projectID, playbookID string, t run.Type, workKey string) (*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.newest(func(r *run.Run) bool {
		return r.ProjectID == projectID && r.PlaybookID == playbookID && r.Type == t && r.WorkKey == workKey &&
			r.Status == run.StatusSucceeded && r.AIUsed && !r.Reused
	})
	if r == nil {
		return nil, fmt.Errorf("reusable run: %w", domain.ErrNotFound)
	}
	return copyRun(r), nil
}

func (m *memStore) CountAIRunsSince(_ context.Context, projectID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.runs {
		if r.ProjectID == projectID && r.AIUsed && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// --- TriggerStore ---

func (m *memStore) GetTriggerRun(_ context.Context, projectID, targetID, automation, key string) (*trigger.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.triggers[pk(projectID, targetID, automation, key)]
	if !ok {
		return nil, fmt.Errorf("trigger run: %w", domain.ErrNotFound)
	}
	c := *tr
	return &c, nil
}

func (m *memStore) CreateTriggerRun(_ context.Context, tr *trigger.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := pk(tr.ProjectID, tr.TargetID, tr.Automation, tr.IdempotencyKey)
	if _, ok := m.triggers[k]; ok {
		return fmt.Errorf("trigger run: %w", domain.ErrConflict)
	}
	tr.CreatedAt = m.tick()
	c := *tr
	m.triggers[k] = &c
	return nil
}

func (m *memStore) triggerByID(id string) *trigger.Run {
	for _, tr := range m.triggers {
		if tr.ID == id {
			return tr
		}
	}
	return nil
}

func (m *memStore) casTrigger(id string, from, to trigger.Status) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr := m.triggerByID(id)
	if tr == nil || tr.Status != from {
		return false
	}
	tr.Status = to
	if to == trigger.StatusRunning {
		tr.Attempts++
	}
	return true
}

func (m *memStore) RequeueTriggerRun(_ context.Context, id string) (bool, error) {
	return m.casTrigger(id, trigger.StatusFailed, trigger.StatusQueued), nil
}

func (m *memStore) ClaimTriggerRun(_ context.Context, id string) (bool, error) {
	return m.casTrigger(id, trigger.StatusQueued, trigger.StatusRunning), nil
}

func (m *memStore) FinishTriggerRun(_ context.Context, id string, status trigger.Status, reason, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr := m.triggerByID(id)
	if tr == nil || tr.Status != trigger.StatusRunning {
		return fmt.Errorf("finish trigger run %s: %w", id, domain.ErrConflict)
	}
	tr.Status, tr.Reason, tr.ErrorMessage = status, reason, errMsg
	return nil
}

func (m *memStore) triggerRows() []trigger.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]trigger.Run, 0, len(m.triggers))
	for _, tr := range m.triggers {
		out = append(out, *tr)
	}
	return out
}

// --- ProjectStore ---

func (m *memStore) GetMemberRole(_ context.Context, projectID, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[pk(projectID, userID)]
	if !ok {
		return "", fmt.Errorf("member: %w", domain.ErrNotFound)
	}
	return role, nil
}

func (m *memStore) GetProjectPlan(_ context.Context, projectID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[projectID]
	if !ok {
		return "", fmt.Errorf("project %s: %w", projectID, domain.ErrNotFound)
	}
	return plan, nil
}

// fakeProvider returns deterministic suggestions and counts calls.
type fakeProvider struct {
	calls atomic.Int64
	mu    sync.Mutex
	err   error
	empty map[string]bool
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Generate(ctx context.Context, in generator.TargetContext) (generator.Suggestion, error) {
	p.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return generator.Suggestion{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return generator.Suggestion{}, p.err
	}
	if p.empty[in.TargetID] {
		return generator.Suggestion{}, nil
	}
	return generator.Suggestion{
		Primary:   "Title " + in.TargetID,
		Secondary: "Description " + in.TargetID,
	}, nil
}

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakeProvider) count() int { return int(p.calls.Load()) }

// fakeQuota allows everything unless blocked is set.
type fakeQuota struct {
	blocked bool
}

func (q *fakeQuota) Evaluate(context.Context, string, string, quota.Action) (quota.Decision, error) {
	if q.blocked {
		return quota.Decision{Reason: "limit reached"}, nil
	}
	return quota.Decision{Allowed: true, Remaining: 1}, nil
}

var errProviderDown = errors.New("provider down")

// memEvents is an in-memory eventstore.Store.
type memEvents struct {
	mu     sync.Mutex
	events []event.RunEvent
}

func (m *memEvents) Append(_ context.Context, ev *event.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev.ID = uuid.NewString()
	m.events = append(m.events, *ev)
	return nil
}

func (m *memEvents) LoadByRun(_ context.Context, runID string) ([]event.RunEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.RunEvent
	for _, ev := range m.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// holdDispatcher leaves created runs QUEUED.
type holdDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *holdDispatcher) Dispatch(_ context.Context, r *run.Run) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, r.ID)
	return nil
}

const (
	testProject = "proj-1"
	ownerID     = "u-owner"
	editorID    = "u-editor"
	viewerID    = "u-viewer"
)

type fixture struct {
	store    *memStore
	provider *fakeProvider
	quota    *fakeQuota
	events   *memEvents
	drafts   *DraftService
	engine   *Engine
	books    *PlaybookService
}

// newFixture seeds one project with two targets missing an SEO title and
// one that already has it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	store.roles[pk(testProject, ownerID)] = "owner"
	store.roles[pk(testProject, editorID)] = "editor"
	store.roles[pk(testProject, viewerID)] = "viewer"
	store.plans[testProject] = "pro"
	store.addTarget(target.Target{ID: "p1", ProjectID: testProject, Kind: target.KindProduct, Handle: "red-shoes", Title: "Red Shoes"})
	store.addTarget(target.Target{ID: "p2", ProjectID: testProject, Kind: target.KindProduct, Handle: "blue-hat", Title: "Blue Hat"})
	store.addTarget(target.Target{ID: "p3", ProjectID: testProject, Kind: target.KindProduct, Handle: "tee", Title: "Tee", SEOTitle: "Tee | Shop"})

	provider := &fakeProvider{}
	gate := &fakeQuota{}
	events := &memEvents{}
	gen := NewGenerator(provider)
	resolver := NewScopeResolver(store)
	drafts := NewDraftService(store, gen, time.Hour)
	checker := NewRoleChecker(store)

	engine := NewEngine(store, resolver, drafts, NewWorkCache(store, nil, 0), NewApplyExecutor(store), checker, gate, config.Engine{
		DefaultSampleSize: 1,
		MaxSampleSize:     5,
		RunTimeout:        time.Minute,
		DraftTTL:          time.Hour,
	})
	engine.SetEventStore(events)

	return &fixture{
		store:    store,
		provider: provider,
		quota:    gate,
		events:   events,
		drafts:   drafts,
		engine:   engine,
		books:    NewPlaybookService(store, resolver, drafts, checker),
	}
}
