package search

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"
)

// maxResponseSize limits the embedding response body to prevent memory
// exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Embedder computes dense embeddings for text.
type Embedder interface {
	// Embed returns the embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the fixed dimensionality of produced vectors.
	Dimensions() int
	// Name identifies the provider for logging and metrics.
	Name() string
}

// HTTPEmbedder calls an OpenAI-compatible /embeddings endpoint.
type HTTPEmbedder struct {
	endpoint   string
	model      string
	apiKey     string
	dimensions int
	httpClient *http.Client
	logger     *slog.Logger
}

// HTTPEmbedderOption configures an HTTPEmbedder.
type HTTPEmbedderOption func(*HTTPEmbedder)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) HTTPEmbedderOption {
	return func(e *HTTPEmbedder) {
		e.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HTTPEmbedderOption {
	return func(e *HTTPEmbedder) {
		e.logger = logger
	}
}

// NewHTTPEmbedder creates an embedder against an OpenAI-compatible
// endpoint such as Ollama or the OpenAI API.
func NewHTTPEmbedder(endpoint, model, apiKey string, dimensions int, opts ...HTTPEmbedderOption) *HTTPEmbedder {
	e := &HTTPEmbedder{
		endpoint:   endpoint,
		model:      model,
		apiKey:     apiKey,
		dimensions: dimensions,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dimensions returns the configured dimensionality.
func (e *HTTPEmbedder) Dimensions() int { return e.dimensions }

// Name returns the provider name.
func (e *HTTPEmbedder) Name() string { return "openai:" + e.model }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed calls the embeddings endpoint. Network and 5xx failures come
// back wrapped as transient; auth and bad-request failures as fatal.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, NewFatalError(fmt.Errorf("text must not be empty"))
	}

	body, err := json.Marshal(embedRequest{
		Model: e.model,
		Input: []string{text},
	})
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	url := e.endpoint + "/embeddings"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	e.logger.Debug("Sending embedding request",
		"model", e.model,
		"url", url,
		"text_len", len(text))

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewFatalError(fmt.Errorf("parse embedding response: %w", err))
	}
	if len(parsed.Data) == 0 {
		return nil, NewFatalError(fmt.Errorf("embedding response contains no data"))
	}

	vec := parsed.Data[0].Embedding
	if len(vec) != e.dimensions {
		return nil, &DimensionError{Want: e.dimensions, Got: len(vec)}
	}
	return vec, nil
}

// classifyHTTPError determines whether an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("embedding API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		// Rate limiting is transient
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden:
		// Auth errors are fatal
		return NewFatalError(err)
	case statusCode == http.StatusBadRequest:
		return NewFatalError(err)
	default:
		return NewFatalError(err)
	}
}

// MockEmbedder produces deterministic vectors from a text hash. The
// same text always embeds to the same unit vector, and different texts
// almost always differ, which is enough structure for tests and the
// MOCK_LLM development mode.
type MockEmbedder struct {
	dimensions int
}

// NewMockEmbedder creates a deterministic mock embedder.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	return &MockEmbedder{dimensions: dimensions}
}

// Dimensions returns the configured dimensionality.
func (m *MockEmbedder) Dimensions() int { return m.dimensions }

// Name returns the provider name.
func (m *MockEmbedder) Name() string { return "mock" }

// Embed derives a unit vector from the FNV hash of the text.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, NewFatalError(fmt.Errorf("text must not be empty"))
	}

	vec := make([]float32, m.dimensions)
	var norm float64
	for i := range vec {
		h := fnv.New64a()
		_, _ = h.Write([]byte(text))
		_ = binary.Write(h, binary.LittleEndian, int64(i))
		// Map the hash into [-1, 1].
		v := float64(int64(h.Sum64())) / math.MaxInt64
		vec[i] = float32(v)
		norm += v * v
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}
