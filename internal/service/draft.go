package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/draft"
	"github.com/Strob0t/storepilot/internal/domain/playbook"
	"github.com/Strob0t/storepilot/internal/domain/rules"
	"github.com/Strob0t/storepilot/internal/domain/scope"
	"github.com/Strob0t/storepilot/internal/port/database"
)

const draftRefPrefix = "draft:"

// DraftRef formats the result reference of a generate run.
func DraftRef(id string) string { return draftRefPrefix + id }

// ParseDraftRef extracts the draft ID from a result reference.
func ParseDraftRef(ref string) (string, bool) {
	id, ok := strings.CutPrefix(ref, draftRefPrefix)
	return id, ok && id != ""
}

// DraftService builds and persists drafts. Items are always generated in
// resolver order and counts are recomputed on every write.
type DraftService struct {
	store database.DraftStore
	gen   *Generator
	ttl   time.Duration
	now   func() time.Time
}

// NewDraftService creates a DraftService. A zero ttl disables expiry.
func NewDraftService(store database.DraftStore, gen *Generator, ttl time.Duration) *DraftService {
	return &DraftService{store: store, gen: gen, ttl: ttl, now: time.Now}
}

// current returns the live draft for the key, or nil when none exists or the
// previous one expired.
func (s *DraftService) current(ctx context.Context, sc *scope.Scope, rulesHash string) (*draft.Draft, error) {
	d, err := s.store.GetDraftByKey(ctx, sc.ProjectID, sc.PlaybookID, sc.ID, rulesHash)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if d.IsApplied() {
		return nil, draft.ErrApplied
	}
	if d.IsExpired(s.now()) {
		return nil, nil
	}
	return d, nil
}

// UpsertSample generates items for the first sampleSize targets and stores
// the draft as PARTIAL. Items of an earlier, larger sample that carry a
// suggestion are kept. A draft that is already READY is returned unchanged.
// calls is the number of provider invocations.
func (s *DraftService) UpsertSample(ctx context.Context, sc *scope.Scope, pb playbook.Playbook, r rules.Rules, sampleSize int) (d *draft.Draft, calls int, err error) {
	existing, err := s.current(ctx, sc, r.Hash())
	if err != nil {
		return nil, 0, err
	}
	if existing != nil && existing.Status == draft.StatusReady {
		return existing, 0, nil
	}

	n := min(max(sampleSize, 0), len(sc.Targets))
	items, calls, err := s.build(ctx, sc, pb, r, n, existing)
	if err != nil {
		return nil, calls, err
	}
	d, err = s.save(ctx, sc, pb, r, draft.StatusPartial, items)
	return d, calls, err
}

// MaterializeFull generates every item of the scope, reusing items of an
// earlier sample that already carry a suggestion, and stores the draft as READY.
func (s *DraftService) MaterializeFull(ctx context.Context, sc *scope.Scope, pb playbook.Playbook, r rules.Rules) (d *draft.Draft, calls int, err error) {
	existing, err := s.current(ctx, sc, r.Hash())
	if err != nil {
		return nil, 0, err
	}
	if existing != nil && existing.Status == draft.StatusReady {
		return existing, 0, nil
	}

	items, calls, err := s.build(ctx, sc, pb, r, len(sc.Targets), existing)
	if err != nil {
		return nil, calls, err
	}
	d, err = s.save(ctx, sc, pb, r, draft.StatusReady, items)
	return d, calls, err
}

// build generates the first n items of the scope. Existing items with a
// suggestion are reused at any position, in scope order.
func (s *DraftService) build(ctx context.Context, sc *scope.Scope, pb playbook.Playbook, r rules.Rules, n int, existing *draft.Draft) ([]draft.Item, int, error) {
	items := make([]draft.Item, 0, n)
	calls := 0
	for i := range sc.Targets {
		t := &sc.Targets[i]
		if existing != nil {
			if idx := existing.ItemIndex(t.ID); idx >= 0 && existing.Items[idx].HasSuggestion() {
				items = append(items, existing.Items[idx])
				continue
			}
		}
		if i >= n {
			continue
		}
		calls++
		it, err := s.gen.Item(ctx, pb, r, t)
		if err != nil {
			return nil, calls, err
		}
		items = append(items, it)
	}
	return items, calls, nil
}

func (s *DraftService) save(ctx context.Context, sc *scope.Scope, pb playbook.Playbook, r rules.Rules, status draft.Status, items []draft.Item) (*draft.Draft, error) {
	d := &draft.Draft{
		ProjectID:  sc.ProjectID,
		PlaybookID: pb.ID,
		ScopeID:    sc.ID,
		RulesHash:  r.Hash(),
		Status:     status,
		Items:      items,
		Rules:      r,
	}
	d.Recount(sc.Len())
	if s.ttl > 0 {
		exp := s.now().Add(s.ttl)
		d.ExpiresAt = &exp
	}
	if err := s.store.UpsertDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("upsert draft: %w", err)
	}
	return d, nil
}

// Get returns the draft with its effective status.
func (s *DraftService) Get(ctx context.Context, id string) (*draft.Draft, error) {
	d, err := s.store.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Status = d.Effective(s.now())
	return d, nil
}

// Latest returns the most recently updated draft of the playbook.
func (s *DraftService) Latest(ctx context.Context, projectID, playbookID string) (*draft.Draft, error) {
	d, err := s.store.GetLatestDraft(ctx, projectID, playbookID)
	if err != nil {
		return nil, err
	}
	d.Status = d.Effective(s.now())
	return d, nil
}

// EditItem overwrites the final suggestion at index. Applied or expired
// drafts reject edits.
func (s *DraftService) EditItem(ctx context.Context, draftID string, index int, value string) (*draft.Draft, error) {
	d, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if err := d.EditItem(index, value, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDraftItems(ctx, d); err != nil {
		return nil, fmt.Errorf("update draft items: %w", err)
	}
	return d, nil
}
