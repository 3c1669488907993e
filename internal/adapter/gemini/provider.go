// Package gemini implements the generation provider with Google Gemini.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/Strob0t/storepilot/internal/port/generator"
	"github.com/Strob0t/storepilot/internal/resilience"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-1.5-flash"

// Provider implements generator.Provider for Google Gemini.
type Provider struct {
	client  *genai.Client
	model   string
	breaker *resilience.Breaker
}

// New creates a Gemini provider. The breaker may be nil.
func New(ctx context.Context, apiKey, model string, breaker *resilience.Breaker) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Provider{client: client, model: model, breaker: breaker}, nil
}

// Name implements generator.Provider.
func (p *Provider) Name() string { return "gemini" }

// Generate implements generator.Provider.
func (p *Provider) Generate(ctx context.Context, in generator.TargetContext) (generator.Suggestion, error) {
	var text string
	call := func(ctx context.Context) error {
		model := p.client.GenerativeModel(p.model)
		model.SetTemperature(0.2)
		model.ResponseMIMEType = "application/json"
		model.SystemInstruction = genai.NewUserContent(genai.Text(generator.SystemPrompt))

		resp, err := model.GenerateContent(ctx, genai.Text(generator.Prompt(in)))
		if err != nil {
			return fmt.Errorf("generate content: %w", err)
		}
		text, err = responseText(resp)
		return err
	}

	var err error
	if p.breaker != nil {
		err = p.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return generator.Suggestion{}, fmt.Errorf("gemini: %w", err)
	}
	return generator.ParseSuggestion(text)
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", errors.New("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", errors.New("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}
