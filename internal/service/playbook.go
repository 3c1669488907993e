package service

import (
	"context"
	"fmt"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/draft"
	"github.com/Strob0t/storepilot/internal/domain/playbook"
	"github.com/Strob0t/storepilot/internal/domain/rules"
	"github.com/Strob0t/storepilot/internal/port/access"
	"github.com/Strob0t/storepilot/internal/port/database"
)

// ScopePreview is what a client needs to create matching runs later.
type ScopePreview struct {
	ProjectID  string      `json:"project_id"`
	PlaybookID string      `json:"playbook_id"`
	ScopeID    string      `json:"scope_id"`
	RulesHash  string      `json:"rules_hash"`
	TargetIDs  []string    `json:"target_ids"`
	Rules      rules.Rules `json:"rules"`
}

// PlaybookService answers scope, rules and draft queries for a playbook.
type PlaybookService struct {
	store    database.Store
	resolver *ScopeResolver
	drafts   *DraftService
	access   access.Checker
}

// NewPlaybookService creates a PlaybookService.
func NewPlaybookService(store database.Store, resolver *ScopeResolver, drafts *DraftService, checker access.Checker) *PlaybookService {
	return &PlaybookService{store: store, resolver: resolver, drafts: drafts, access: checker}
}

// List returns the built-in playbooks.
func (s *PlaybookService) List() []playbook.Playbook {
	return playbook.All()
}

// Scope resolves the current scope and rules hash.
func (s *PlaybookService) Scope(ctx context.Context, projectID, playbookID, userID string, targetIDs []string) (*ScopePreview, error) {
	if err := s.access.AssertCanView(ctx, projectID, userID); err != nil {
		return nil, err
	}
	sc, err := s.resolver.Resolve(ctx, projectID, playbookID, targetIDs)
	if err != nil {
		return nil, err
	}
	rs, err := s.store.GetPlaybookRules(ctx, projectID, playbookID)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	return &ScopePreview{
		ProjectID:  projectID,
		PlaybookID: playbookID,
		ScopeID:    sc.ID,
		RulesHash:  rs.Hash(),
		TargetIDs:  sc.TargetIDs,
		Rules:      rs,
	}, nil
}

// GetRules returns the saved rules, or the defaults.
func (s *PlaybookService) GetRules(ctx context.Context, projectID, playbookID, userID string) (rules.Rules, error) {
	if _, ok := playbook.Get(playbookID); !ok {
		return rules.Rules{}, fmt.Errorf("playbook %q: %w", playbookID, domain.ErrNotFound)
	}
	if err := s.access.AssertCanView(ctx, projectID, userID); err != nil {
		return rules.Rules{}, err
	}
	return s.store.GetPlaybookRules(ctx, projectID, playbookID)
}

// SaveRules normalizes and stores in. Changing rules changes the rules hash
// and therefore invalidates queued runs and drafts built with the old one.
func (s *PlaybookService) SaveRules(ctx context.Context, projectID, playbookID, userID string, in *rules.Input) (rules.Rules, error) {
	if _, ok := playbook.Get(playbookID); !ok {
		return rules.Rules{}, fmt.Errorf("playbook %q: %w", playbookID, domain.ErrNotFound)
	}
	if err := s.access.AssertOwnerRole(ctx, projectID, userID); err != nil {
		return rules.Rules{}, err
	}
	if err := in.Validate(); err != nil {
		return rules.Rules{}, err
	}
	rs := rules.Normalize(in)
	if err := s.store.SavePlaybookRules(ctx, projectID, playbookID, rs); err != nil {
		return rules.Rules{}, fmt.Errorf("save rules: %w", err)
	}
	return rs, nil
}

// LatestDraft returns the most recent draft of the playbook.
func (s *PlaybookService) LatestDraft(ctx context.Context, projectID, playbookID, userID string) (*draft.Draft, error) {
	if err := s.access.AssertCanView(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.drafts.Latest(ctx, projectID, playbookID)
}

// EditDraftItem overwrites one item's final suggestion.
func (s *PlaybookService) EditDraftItem(ctx context.Context, draftID string, index int, value, userID string) (*draft.Draft, error) {
	d, err := s.drafts.Get(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if err := s.access.AssertCanGenerate(ctx, d.ProjectID, userID); err != nil {
		return nil, err
	}
	return s.drafts.EditItem(ctx, draftID, index, value)
}
