// Package litellm implements the generation provider on top of the LiteLLM
// Proxy's OpenAI-compatible chat completions API.
package litellm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Strob0t/storepilot/internal/port/generator"
	"github.com/Strob0t/storepilot/internal/resilience"
)

// ErrEmptyResponse is returned when the proxy answers without any choice.
var ErrEmptyResponse = errors.New("litellm: response has no choices")

// Client talks to the LiteLLM Proxy.
type Client struct {
	baseURL    string
	masterKey  string
	model      string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a new LiteLLM client for model.
func NewClient(baseURL, masterKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		masterKey: masterKey,
		model:     model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker: resilience.NewBreaker(5, 30*time.Second),
	}
}

// SetBreaker replaces the circuit breaker guarding all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Name implements generator.Provider.
func (c *Client) Name() string { return "litellm" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Generate implements generator.Provider with a single chat completion.
func (c *Client) Generate(ctx context.Context, in generator.TargetContext) (generator.Suggestion, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: generator.SystemPrompt},
			{Role: "user", Content: generator.Prompt(in)},
		},
		Temperature:    0.2,
		ResponseFormat: &responseFormat{Type: "json_object"},
	})
	if err != nil {
		return generator.Suggestion{}, fmt.Errorf("marshal chat request: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/chat/completions", body)
	if err != nil {
		return generator.Suggestion{}, fmt.Errorf("chat completion: %w", err)
	}

	var resp chatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return generator.Suggestion{}, fmt.Errorf("unmarshal chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return generator.Suggestion{}, ErrEmptyResponse
	}
	return generator.ParseSuggestion(resp.Choices[0].Message.Content)
}

// Health checks if LiteLLM is healthy.
func (c *Client) Health(ctx context.Context) (bool, error) {
	_, err := c.doRequest(ctx, http.MethodGet, "/health/liveliness", nil)
	return err == nil, err
}

// APIError is a non-2xx answer from the proxy.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("litellm API error %d: %s", e.StatusCode, e.Body)
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func(ctx context.Context) error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.masterKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.masterKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(data)}
			// Rejected requests say nothing about proxy health.
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return resilience.Permanent(apiErr)
			}
			return apiErr
		}

		result = data
		return nil
	}

	if err := c.breaker.Do(ctx, call); err != nil {
		return nil, err
	}
	return result, nil
}
