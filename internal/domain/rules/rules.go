// Package rules normalizes, hashes, and applies the transformation rules that
// post-process generated suggestions.
package rules

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/digest"
)

// Mode controls whether rules rewrite suggestions or only report warnings.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeWarn    Mode = "warn"
)

// Input is a partially specified rules object as received from clients.
// Every field is optional.
type Input struct {
	Enabled          *bool    `json:"enabled,omitempty"`
	Find             *string  `json:"find,omitempty"`
	Replace          *string  `json:"replace,omitempty"`
	Prefix           *string  `json:"prefix,omitempty"`
	Suffix           *string  `json:"suffix,omitempty"`
	MaxLength        *int     `json:"maxLength,omitempty"`
	ForbiddenPhrases []string `json:"forbiddenPhrases,omitempty"`
	Mode             *Mode    `json:"mode,omitempty"`
}

// Rules is the total, canonical form of a rules configuration. Every field
// carries an explicit value so that semantically equal inputs serialize to
// identical bytes.
type Rules struct {
	Enabled          bool     `json:"enabled"`
	Find             string   `json:"find"`
	Replace          string   `json:"replace"`
	Prefix           string   `json:"prefix"`
	Suffix           string   `json:"suffix"`
	MaxLength        int      `json:"maxLength"`
	ForbiddenPhrases []string `json:"forbiddenPhrases"`
	Mode             Mode     `json:"mode"`
}

// Default returns the rules used when none are configured.
func Default() Rules {
	return Normalize(nil)
}

// Normalize fills every optional field with its default. A nil input yields
// {enabled:false, mode:"enforce"} with zero values elsewhere.
func Normalize(in *Input) Rules {
	r := Rules{
		Mode:             ModeEnforce,
		ForbiddenPhrases: []string{},
	}
	if in == nil {
		return r
	}
	if in.Enabled != nil {
		r.Enabled = *in.Enabled
	}
	if in.Find != nil {
		r.Find = *in.Find
	}
	if in.Replace != nil {
		r.Replace = *in.Replace
	}
	if in.Prefix != nil {
		r.Prefix = *in.Prefix
	}
	if in.Suffix != nil {
		r.Suffix = *in.Suffix
	}
	if in.MaxLength != nil && *in.MaxLength > 0 {
		r.MaxLength = *in.MaxLength
	}
	if in.Mode != nil && *in.Mode == ModeWarn {
		r.Mode = ModeWarn
	}
	r.ForbiddenPhrases = normalizePhrases(in.ForbiddenPhrases)
	return r
}

// normalizePhrases trims, lowercases, deduplicates and sorts phrases.
func normalizePhrases(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Validate rejects inputs that Normalize would otherwise silently coerce.
func (in *Input) Validate() error {
	if in == nil {
		return nil
	}
	if in.MaxLength != nil && *in.MaxLength < 0 {
		return fmt.Errorf("maxLength must be non-negative: %w", domain.ErrValidation)
	}
	if in.Mode != nil && *in.Mode != ModeEnforce && *in.Mode != ModeWarn {
		return fmt.Errorf("invalid mode %q: %w", *in.Mode, domain.ErrValidation)
	}
	return nil
}

// Parse decodes a rules JSON document and normalizes it. An empty document
// yields the default rules.
func Parse(data []byte) (Rules, error) {
	if len(data) == 0 || string(data) == "null" {
		return Default(), nil
	}
	var in Input
	if err := json.Unmarshal(data, &in); err != nil {
		return Rules{}, fmt.Errorf("parse rules: %w", err)
	}
	if err := in.Validate(); err != nil {
		return Rules{}, err
	}
	return Normalize(&in), nil
}

// Canonical returns the canonical JSON encoding (recursively sorted keys).
func (r Rules) Canonical() []byte {
	if r.ForbiddenPhrases == nil {
		r.ForbiddenPhrases = []string{}
	}
	b, err := digest.Canonical(r)
	if err != nil {
		// Rules contains only strings, ints and bools; encoding cannot fail.
		panic(fmt.Sprintf("rules: canonical encoding: %v", err))
	}
	return b
}

// Hash returns the stable rulesHash of the canonical form.
func (r Rules) Hash() string {
	return digest.HashBytes(r.Canonical())
}
