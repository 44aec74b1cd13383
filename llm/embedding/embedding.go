// Package embedding implements the Embedding Client (spec.md §4.4): a
// provider-agnostic client that turns chunk or query text into fixed
// dimension vectors for the Vector Store. It is adapted from the teacher's
// llm package — the same OpenAI-compatible URL/header idiom from
// llm/providers/openai.go, but shaped around a single configured endpoint
// instead of the teacher's capability/fallback registry, since spec.md's
// Embedding Client has exactly one model per deployment.
package embedding

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

// maxResponseSize limits the embedding response body to prevent memory
// exhaustion from a misbehaving endpoint.
const maxResponseSize = 25 * 1024 * 1024 // 25MB, batches of vectors add up

// Embedder turns text into fixed-dimension vectors. Defined as an interface
// so retrieval and drift packages can substitute a fake in tests.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Client is an OpenAI-compatible embedding client.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimension  int
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

// WithBackoff overrides the retry policy constructor. Each call gets a fresh
// backoff.BackOff instance.
func WithBackoff(newBackoff func() backoff.BackOff) Option {
	return func(cl *Client) { cl.newBackoff = newBackoff }
}

// NewClient creates an embedding Client for the given model and dimension.
// baseURL may be empty to use the provider default (https://api.openai.com/v1).
func NewClient(apiKey, model string, dimension int, baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		dimension:  dimension,
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
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// Dimension reports the vector dimension this client produces.
func (c *Client) Dimension() int { return c.dimension }

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// Embed returns one vector per input text, in the same order. A transient
// HTTP failure (5xx, rate limit, network error) is retried with backoff; an
// auth or bad-request failure returns immediately as apierr.DependencyUnavailable
// or apierr.InvalidInput via the caller's classification of the returned error.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result [][]float32
	operation := func() error {
		vectors, err := c.doEmbed(ctx, texts)
		if err != nil {
			if isFatal(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = vectors
		return nil
	}

	b := backoff.WithContext(c.newBackoff(), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, unwrapPermanent(err)
	}
	return result, nil
}

func (c *Client) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	url := c.buildURL()
	body, err := json.Marshal(embeddingsRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embeddings request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	c.logger.Debug("requesting embeddings", "model", c.model, "count", len(texts))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read embeddings response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(resp.StatusCode, respBody)
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &fatalError{fmt.Errorf("parse embeddings response: %w", err)}
	}
	if len(parsed.Data) != len(texts) {
		return nil, &fatalError{fmt.Errorf("embeddings response count mismatch: got %d, want %d", len(parsed.Data), len(texts))}
	}

	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			continue
		}
		if c.dimension > 0 && len(d.Embedding) != c.dimension {
			return nil, &fatalError{fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(d.Embedding), c.dimension)}
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func (c *Client) buildURL() string {
	base := c.baseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/embeddings") {
		return base
	}
	return base + "/embeddings"
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
	var fe *fatalError
	return asFatal(err, &fe)
}

func asFatal(err error, target **fatalError) bool {
	for err != nil {
		if fe, ok := err.(*fatalError); ok {
			*target = fe
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
	err := fmt.Errorf("embeddings API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden, statusCode == http.StatusBadRequest:
		return &fatalError{err}
	default:
		return err
	}
}
