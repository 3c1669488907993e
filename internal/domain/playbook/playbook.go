// Package playbook defines the built-in content-fix operations.
package playbook

import (
	"slices"
	"strings"

	"github.com/Strob0t/storepilot/internal/domain/target"
)

// Built-in playbook IDs.
const (
	MissingSEOTitle       = "missing_seo_title"
	MissingSEODescription = "missing_seo_description"
)

// Source selects which output of the generation provider a playbook uses.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
)

// Playbook is a named, parameterized content fix.
type Playbook struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Field  target.Field  `json:"field"`
	Source Source        `json:"source"`
	Kinds  []target.Kind `json:"kinds"`
}

var registry = []Playbook{
	{
		ID:     MissingSEOTitle,
		Name:   "Fill missing SEO title",
		Field:  target.FieldSEOTitle,
		Source: SourcePrimary,
		Kinds:  []target.Kind{target.KindProduct, target.KindPage, target.KindCollection},
	},
	{
		ID:     MissingSEODescription,
		Name:   "Fill missing SEO description",
		Field:  target.FieldSEODescription,
		Source: SourceSecondary,
		Kinds:  []target.Kind{target.KindProduct, target.KindPage, target.KindCollection},
	},
}

// Get returns the playbook with the given ID.
func Get(id string) (Playbook, bool) {
	for _, p := range registry {
		if p.ID == id {
			return p, true
		}
	}
	return Playbook{}, false
}

// All returns every registered playbook.
func All() []Playbook {
	return slices.Clone(registry)
}

// Matches is the defect predicate: the target is of a supported kind and the
// playbook's field is blank.
func (p Playbook) Matches(t *target.Target) bool {
	if !slices.Contains(p.Kinds, t.Kind) {
		return false
	}
	return strings.TrimSpace(t.Value(p.Field)) == ""
}

// Pick selects the playbook's field from a provider response.
func (p Playbook) Pick(primary, secondary string) string {
	if p.Source == SourceSecondary {
		return secondary
	}
	return primary
}
