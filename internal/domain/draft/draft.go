// Package draft defines persisted, not-yet-applied suggestion sets.
package draft

import (
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/rules"
	"github.com/Strob0t/storepilot/internal/domain/target"
)

// Status is the materialization state of a draft.
type Status string

const (
	StatusPartial Status = "PARTIAL"
	StatusReady   Status = "READY"
	StatusFailed  Status = "FAILED"
	StatusExpired Status = "EXPIRED"
)

// Item is one generated suggestion for one target.
type Item struct {
	TargetID        string       `json:"target_id"`
	Field           target.Field `json:"field"`
	RawSuggestion   string       `json:"raw_suggestion"`
	FinalSuggestion string       `json:"final_suggestion"`
	Warnings        []string     `json:"warnings"`
}

// HasSuggestion reports whether the item carries something to apply.
func (it *Item) HasSuggestion() bool {
	return strings.TrimSpace(it.FinalSuggestion) != ""
}

// Counts are aggregate statistics derived from the item list.
type Counts struct {
	AffectedTotal int `json:"affected_total"`
	Generated     int `json:"generated"`
	NoSuggestion  int `json:"no_suggestion"`
}

// Draft is keyed by (project, playbook, scope, rules hash).
type Draft struct {
	ID              string      `json:"id"`
	ProjectID       string      `json:"project_id"`
	PlaybookID      string      `json:"playbook_id"`
	ScopeID         string      `json:"scope_id"`
	RulesHash       string      `json:"rules_hash"`
	Status          Status      `json:"status"`
	Items           []Item      `json:"items"`
	Counts          Counts      `json:"counts"`
	Rules           rules.Rules `json:"rules"`
	AppliedAt       *time.Time  `json:"applied_at,omitempty"`
	AppliedByUserID string      `json:"applied_by_user_id,omitempty"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Sentinel edit errors.
var (
	ErrApplied = fmt.Errorf("draft already applied: %w", domain.ErrConflict)
	ErrExpired = fmt.Errorf("draft expired: %w", domain.ErrConflict)
)

// RecomputeCounts derives counts from items. Counts are never maintained
// incrementally.
func RecomputeCounts(items []Item, affectedTotal int) Counts {
	c := Counts{AffectedTotal: affectedTotal}
	for i := range items {
		if items[i].HasSuggestion() {
			c.Generated++
		} else {
			c.NoSuggestion++
		}
	}
	return c
}

// Recount refreshes d.Counts from d.Items.
func (d *Draft) Recount(affectedTotal int) {
	d.Counts = RecomputeCounts(d.Items, affectedTotal)
}

// IsApplied reports whether the draft has been applied.
func (d *Draft) IsApplied() bool {
	return d.AppliedAt != nil
}

// IsExpired reports whether the draft's TTL elapsed before it was applied.
func (d *Draft) IsExpired(now time.Time) bool {
	if d.Status == StatusExpired {
		return true
	}
	return !d.IsApplied() && d.ExpiresAt != nil && now.After(*d.ExpiresAt)
}

// Effective returns the status callers should observe at time now.
func (d *Draft) Effective(now time.Time) Status {
	if d.IsExpired(now) {
		return StatusExpired
	}
	return d.Status
}

// ItemIndex returns the position of the item for targetID, or -1.
func (d *Draft) ItemIndex(targetID string) int {
	for i := range d.Items {
		if d.Items[i].TargetID == targetID {
			return i
		}
	}
	return -1
}

// EditItem overwrites the final suggestion of the item at index.
func (d *Draft) EditItem(index int, value string, now time.Time) error {
	if d.IsApplied() {
		return ErrApplied
	}
	if d.IsExpired(now) {
		return ErrExpired
	}
	if index < 0 || index >= len(d.Items) {
		return fmt.Errorf("item index %d out of range [0,%d): %w", index, len(d.Items), domain.ErrValidation)
	}
	d.Items[index].FinalSuggestion = value
	d.Recount(d.Counts.AffectedTotal)
	return nil
}
