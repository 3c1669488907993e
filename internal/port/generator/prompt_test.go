package generator

import (
	"strings"
	"testing"

	"github.com/Strob0t/storepilot/internal/domain/target"
)

func TestPromptIncludesTargetFacts(t *testing.T) {
	p := Prompt(TargetContext{Kind: target.KindProduct, Handle: "red-shoe", Title: "Red Shoe", Field: target.FieldSEOTitle})
	for _, want := range []string{"product", "red-shoe", "Red Shoe", "seo_title"} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q:\n%s", want, p)
		}
	}
	if strings.Contains(p, "Description:") {
		t.Error("blank description must be omitted")
	}
}

func TestParseSuggestion(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Suggestion
		wantErr bool
	}{
		{"plain", `{"seo_title":"A","seo_description":"B"}`, Suggestion{"A", "B"}, false},
		{"fenced", "```json\n{\"seo_title\":\" A \"}\n```", Suggestion{Primary: "A"}, false},
		{"empty object", `{}`, Suggestion{}, false},
		{"garbage", `sure! here you go`, Suggestion{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSuggestion(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Fatalf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
