// Package generation implements the Generation Client (spec.md §4.4): an
// OpenAI-compatible chat completion client used by query-with-generation and
// by the Drift Engine's natural-language recommendation summaries. Adapted
// from the teacher's llm package in the same way as llm/embedding — the
// OpenAI request/response shape from llm/providers/ollama.go, but against a
// single configured endpoint rather than the teacher's capability registry.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxResponseSize = 10 * 1024 * 1024

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response is a completed generation.
type Response struct {
	Content      string
	Model        string
	FinishReason string
	Usage        TokenUsage
}

// TokenUsage reports token consumption for a generation call.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Generator produces a completion from a message history. Defined as an
// interface so the retrieval and drift packages can substitute a fake.
type Generator interface {
	Generate(ctx context.Context, messages []Message, temperature *float64) (*Response, error)
}

// Client is an OpenAI-compatible chat completion client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	logger     *slog.Logger

	newBackoff func() backoff.BackOff
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) { cl.logger = logger }
}

// WithBackoff overrides the retry policy constructor.
func WithBackoff(newBackoff func() backoff.BackOff) Option {
	return func(cl *Client) { cl.newBackoff = newBackoff }
}

// NewClient creates a generation Client for the given model. baseURL may be
// empty to use the provider default (https://api.openai.com/v1).
func NewClient(apiKey, model, baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 180 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		logger:     slog.Default(),
		newBackoff: defaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 60 * time.Second
	return b
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Generate sends a chat completion request, retrying transient failures with
// backoff. temperature may be nil to use the endpoint default.
func (c *Client) Generate(ctx context.Context, messages []Message, temperature *float64) (*Response, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	var result *Response
	operation := func() error {
		resp, err := c.doGenerate(ctx, messages, temperature)
		if err != nil {
			if isFatal(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = resp
		return nil
	}

	b := backoff.WithContext(c.newBackoff(), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, unwrapPermanent(err)
	}
	return result, nil
}

func (c *Client) doGenerate(ctx context.Context, messages []Message, temperature *float64) (*Response, error) {
	url := c.buildURL()
	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages, Temperature: temperature})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	c.logger.Debug("requesting generation", "model", c.model, "messages", len(messages))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read chat response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &fatalError{fmt.Errorf("parse chat response: %w", err)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &fatalError{fmt.Errorf("no choices in chat response")}
	}

	choice := parsed.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		Model:        parsed.Model,
		FinishReason: choice.FinishReason,
		Usage: TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func (c *Client) buildURL() string {
	base := c.baseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/chat/completions") {
		return base
	}
	return base + "/chat/completions"
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func isFatal(err error) bool {
	for err != nil {
		if _, ok := err.(*fatalError); ok {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func unwrapPermanent(err error) error {
	if pe, ok := err.(*backoff.PermanentError); ok {
		return pe.Err
	}
	return err
}

func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("generation API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden, statusCode == http.StatusBadRequest:
		return &fatalError{err}
	default:
		return err
	}
}
