// Package target defines the catalog assets that playbooks optimize.
package target

import (
	"time"

	"github.com/Strob0t/storepilot/internal/domain/digest"
)

// Kind identifies the asset type.
type Kind string

const (
	KindProduct    Kind = "product"
	KindPage       Kind = "page"
	KindCollection Kind = "collection"
)

// Field names an editable metadata field on a target.
type Field string

const (
	FieldSEOTitle       Field = "seo_title"
	FieldSEODescription Field = "seo_description"
)

// Target is a single store asset owned by a project.
type Target struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	Kind           Kind      `json:"kind"`
	Handle         string    `json:"handle"`
	Title          string    `json:"title"`
	Description    string    `json:"description"`
	SEOTitle       string    `json:"seo_title"`
	SEODescription string    `json:"seo_description"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Value returns the current value of field f.
func (t *Target) Value(f Field) string {
	switch f {
	case FieldSEOTitle:
		return t.SEOTitle
	case FieldSEODescription:
		return t.SEODescription
	}
	return ""
}

// Set overwrites field f.
func (t *Target) Set(f Field, v string) {
	switch f {
	case FieldSEOTitle:
		t.SEOTitle = v
	case FieldSEODescription:
		t.SEODescription = v
	}
}

// ValidField reports whether f is a writable metadata field.
func ValidField(f Field) bool {
	return f == FieldSEOTitle || f == FieldSEODescription
}

// Fingerprint hashes the stable content fields. Timestamps and IDs other than
// the target's own are excluded so that a re-sync with unchanged content
// yields the same fingerprint.
func (t *Target) Fingerprint() string {
	return digest.Hash(
		t.ID,
		string(t.Kind),
		t.Handle,
		t.Title,
		t.Description,
		t.SEOTitle,
		t.SEODescription,
	)
}
