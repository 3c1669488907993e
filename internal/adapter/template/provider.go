// Package template implements a deterministic, offline generation provider.
// It builds suggestions from the target's own title and description and is
// used for local development and as the default in tests.
package template

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/Strob0t/storepilot/internal/port/generator"
)

const (
	titleLimit       = 60
	descriptionLimit = 155
)

// Provider renders "<Title> | <Brand>" titles and description excerpts.
type Provider struct {
	brand string
}

// New creates a template provider. brand is appended to titles when set.
func New(brand string) *Provider {
	return &Provider{brand: strings.TrimSpace(brand)}
}

// Name implements generator.Provider.
func (p *Provider) Name() string { return "template" }

// Generate implements generator.Provider. It never fails; a target without a
// title yields an empty suggestion.
func (p *Provider) Generate(ctx context.Context, in generator.TargetContext) (generator.Suggestion, error) {
	if err := ctx.Err(); err != nil {
		return generator.Suggestion{}, err
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return generator.Suggestion{}, nil
	}

	primary := title
	if p.brand != "" {
		primary = title + " | " + p.brand
	}

	secondary := collapse(in.Description)
	if secondary == "" {
		secondary = "Discover " + title + "."
	}

	return generator.Suggestion{
		Primary:   clip(primary, titleLimit),
		Secondary: clip(secondary, descriptionLimit),
	}, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// clip cuts s to at most n runes on a word boundary when possible.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)[:n]
	cut := string(r)
	if i := strings.LastIndex(cut, " "); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:-|")
}
