// Package generator defines the port for the external AI generation provider.
package generator

import (
	"context"

	"github.com/Strob0t/storepilot/internal/domain/target"
)

// TargetContext is everything the provider sees about one target.
type TargetContext struct {
	ProjectID   string       `json:"project_id"`
	TargetID    string       `json:"target_id"`
	Kind        target.Kind  `json:"kind"`
	Handle      string       `json:"handle"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Field       target.Field `json:"field"`
}

// ContextFor builds the provider input for t.
func ContextFor(t *target.Target, field target.Field) TargetContext {
	return TargetContext{
		ProjectID:   t.ProjectID,
		TargetID:    t.ID,
		Kind:        t.Kind,
		Handle:      t.Handle,
		Title:       t.Title,
		Description: t.Description,
		Field:       field,
	}
}

// Suggestion is a single-shot provider response.
type Suggestion struct {
	Primary   string `json:"primary"`
	Secondary string `json:"secondary"`
}

// Provider generates metadata suggestions. Calls are synchronous, side-effect
// free and fallible; timeouts and retries are the implementation's concern.
type Provider interface {
	Generate(ctx context.Context, in TargetContext) (Suggestion, error)
	// Name identifies the provider in logs and metrics.
	Name() string
}
