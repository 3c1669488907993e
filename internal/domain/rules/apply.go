package rules

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Warning codes attached to transformed suggestions.
const (
	WarningTruncated       = "truncated"
	WarningTooLong         = "too_long"
	WarningForbiddenPrefix = "forbidden_phrase:"
)

// Result is the outcome of applying rules to one suggestion.
type Result struct {
	Text     string   `json:"text"`
	Warnings []string `json:"warnings"`
}

// Apply transforms text. The order is fixed: find/replace, prefix, suffix,
// truncation, forbidden-phrase detection. Forbidden phrases never block.
// In warn mode nothing is rewritten; only length and phrase warnings are
// reported.
func (r Rules) Apply(text string) Result {
	res := Result{Text: text, Warnings: []string{}}
	if !r.Enabled {
		return res
	}

	if r.Mode == ModeEnforce {
		res.Text = findReplace(res.Text, r.Find, r.Replace)
		res.Text = r.Prefix + res.Text
		res.Text += r.Suffix
	}

	if r.MaxLength > 0 && utf8.RuneCountInString(res.Text) > r.MaxLength {
		if r.Mode == ModeEnforce {
			res.Text = truncate(res.Text, r.MaxLength)
			res.Warnings = append(res.Warnings, WarningTruncated)
		} else {
			res.Warnings = append(res.Warnings, WarningTooLong)
		}
	}

	lower := strings.ToLower(res.Text)
	for _, p := range r.ForbiddenPhrases {
		if strings.Contains(lower, p) {
			res.Warnings = append(res.Warnings, WarningForbiddenPrefix+p)
		}
	}
	return res
}

// findReplace treats find as a regular expression and falls back to a
// literal substring replacement when it does not compile.
func findReplace(text, find, replace string) string {
	if find == "" {
		return text
	}
	re, err := regexp.Compile(find)
	if err != nil {
		return strings.ReplaceAll(text, find, replace)
	}
	return re.ReplaceAllString(text, replace)
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimRight(string(runes[:n]), " ")
}
