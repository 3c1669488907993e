package generator

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SystemPrompt instructs the model to answer with a single JSON object.
const SystemPrompt = `You write search-engine metadata for online store assets.
Answer with one JSON object and nothing else:
{"seo_title": "<at most 60 characters>", "seo_description": "<at most 155 characters>"}
Use only facts present in the input. Do not invent prices, discounts or claims.`

// Prompt renders the user message for in.
func Prompt(in TargetContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Asset kind: %s\n", in.Kind)
	fmt.Fprintf(&b, "Handle: %s\n", in.Handle)
	fmt.Fprintf(&b, "Title: %s\n", in.Title)
	if desc := strings.TrimSpace(in.Description); desc != "" {
		fmt.Fprintf(&b, "Description: %s\n", desc)
	}
	fmt.Fprintf(&b, "Needed field: %s\n", in.Field)
	return b.String()
}

type suggestionJSON struct {
	SEOTitle       string `json:"seo_title"`
	SEODescription string `json:"seo_description"`
}

// ParseSuggestion decodes a model answer, tolerating markdown code fences.
// An answer with both fields blank is valid and yields an empty Suggestion.
func ParseSuggestion(text string) (Suggestion, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out suggestionJSON
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return Suggestion{}, fmt.Errorf("decode suggestion: %w", err)
	}
	return Suggestion{
		Primary:   strings.TrimSpace(out.SEOTitle),
		Secondary: strings.TrimSpace(out.SEODescription),
	}, nil
}
