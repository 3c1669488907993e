package service

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	spotel "github.com/Strob0t/storepilot/internal/adapter/otel"
	"github.com/Strob0t/storepilot/internal/domain/draft"
	"github.com/Strob0t/storepilot/internal/domain/playbook"
	"github.com/Strob0t/storepilot/internal/domain/rules"
	"github.com/Strob0t/storepilot/internal/domain/run"
	"github.com/Strob0t/storepilot/internal/domain/target"
	"github.com/Strob0t/storepilot/internal/port/generator"
)

// Generator calls the generation provider and post-processes its output
// with the playbook's rules.
type Generator struct {
	provider generator.Provider
	metrics  *spotel.Metrics
}

// NewGenerator creates a Generator.
func NewGenerator(provider generator.Provider) *Generator {
	return &Generator{provider: provider}
}

// SetMetrics enables provider call metrics.
func (g *Generator) SetMetrics(m *spotel.Metrics) {
	g.metrics = m
}

// Suggest performs one provider call for t. Failures are transient
// PROVIDER_FAILED errors.
func (g *Generator) Suggest(ctx context.Context, t *target.Target, field target.Field) (generator.Suggestion, error) {
	ctx, span := spotel.StartGenerateSpan(ctx, g.provider.Name(), t.ID)
	defer span.End()

	sug, err := g.provider.Generate(ctx, generator.ContextFor(t, field))

	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.SetStatus(codes.Error, err.Error())
	}
	if g.metrics != nil {
		g.metrics.ProviderCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", g.provider.Name()),
			attribute.String("outcome", outcome),
		))
	}
	if err != nil {
		slog.WarnContext(ctx, "provider call failed", "provider", g.provider.Name(), "target_id", t.ID, "error", err)
		return generator.Suggestion{}, run.Transient(run.CodeProviderFailed, "generate suggestion", err).
			WithDetail("target_id", t.ID)
	}
	return sug, nil
}

// Item generates the draft item for one target.
func (g *Generator) Item(ctx context.Context, pb playbook.Playbook, r rules.Rules, t *target.Target) (draft.Item, error) {
	sug, err := g.Suggest(ctx, t, pb.Field)
	if err != nil {
		return draft.Item{}, err
	}
	return BuildItem(pb, r, t.ID, sug), nil
}

// BuildItem picks the playbook's output from sug and applies r to it.
func BuildItem(pb playbook.Playbook, r rules.Rules, targetID string, sug generator.Suggestion) draft.Item {
	raw := pb.Pick(sug.Primary, sug.Secondary)
	res := r.Apply(raw)
	return draft.Item{
		TargetID:        targetID,
		Field:           pb.Field,
		RawSuggestion:   raw,
		FinalSuggestion: res.Text,
		Warnings:        res.Warnings,
	}
}
