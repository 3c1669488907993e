package template

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/Strob0t/storepilot/internal/port/generator"
)

func TestGenerate(t *testing.T) {
	p := New("Acme")
	got, err := p.Generate(context.Background(), generator.TargetContext{
		Title:       "Red Shoe",
		Description: "  A  comfortable\nred shoe. ",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Primary != "Red Shoe | Acme" {
		t.Fatalf("unexpected primary %q", got.Primary)
	}
	if got.Secondary != "A comfortable red shoe." {
		t.Fatalf("unexpected secondary %q", got.Secondary)
	}
}

func TestGenerateDeterministic(t *testing.T) {
	p := New("")
	in := generator.TargetContext{Title: "Hat"}
	a, _ := p.Generate(context.Background(), in)
	b, _ := p.Generate(context.Background(), in)
	if a != b {
		t.Fatalf("expected identical output, got %+v and %+v", a, b)
	}
	if a.Secondary != "Discover Hat." {
		t.Fatalf("unexpected fallback description %q", a.Secondary)
	}
}

func TestGenerateBlankTitle(t *testing.T) {
	got, err := New("Acme").Generate(context.Background(), generator.TargetContext{Title: "  "})
	if err != nil {
		t.Fatal(err)
	}
	if got != (generator.Suggestion{}) {
		t.Fatalf("expected empty suggestion, got %+v", got)
	}
}

func TestGenerateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New("").Generate(ctx, generator.TargetContext{Title: "x"}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestClip(t *testing.T) {
	long := strings.Repeat("word ", 40)
	got := clip(long, titleLimit)
	if utf8.RuneCountInString(got) > titleLimit {
		t.Fatalf("clip exceeded limit: %d", utf8.RuneCountInString(got))
	}
	if strings.HasSuffix(got, " ") {
		t.Fatalf("clip left trailing space: %q", got)
	}
	if clip("short", 10) != "short" {
		t.Fatal("short strings must be unchanged")
	}
}
