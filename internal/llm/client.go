package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	chatEndpoint   = "/v1/chat/completions"
	defaultTimeout = 120 * time.Second
)

var (
	temperature = float32(0)
	topP        = float32(0.5)
)

// Completer is the pair of call shapes the pipeline uses.
type Completer interface {
	Vision(ctx context.Context, req VisionRequest) (*ChatResponse, error)
	Assistant(ctx context.Context, req AssistantRequest) (*ChatResponse, error)
}

// VisionRequest is a system prompt plus one or more page images.
type VisionRequest struct {
	SystemPrompt string
	Schema       *JSONSchema
	// Images holds base64 JPEG data or complete data URLs.
	Images []string
	Model  string
}

// AssistantRequest is a text-only call with an arbitrary input payload.
type AssistantRequest struct {
	SystemPrompt string
	Input        any
	Schema       *JSONSchema
	Model        string
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey sets a bearer token sent with every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logrus.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client talks to a single chat-completion endpoint.
type Client struct {
	baseURL        string
	apiKey         string
	model          string
	assistantModel string
	httpClient     *http.Client
	logger         *logrus.Logger
}

// NewClient creates a client for baseURL using model for vision calls and
// assistantModel for text calls.
func NewClient(baseURL, model, assistantModel string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		model:          model,
		assistantModel: assistantModel,
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logrus.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Vision sends a system prompt, the schema description and the images.
func (c *Client) Vision(ctx context.Context, req VisionRequest) (*ChatResponse, error) {
	if c.baseURL == "" {
		return nil, errors.New("LM_URL/LLM_URL environment variable is required")
	}
	model := req.Model
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, errors.New("MODEL environment variable is required")
	}
	if req.SystemPrompt == "" {
		return nil, errors.New("system prompt is required")
	}
	if len(req.Images) == 0 {
		return nil, errors.New("at least one image is required")
	}

	format := responseFormat(req.Schema)
	described, err := json.MarshalIndent(format, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response format: %w", err)
	}

	parts := make([]Part, 0, len(req.Images)+1)
	parts = append(parts, Part{Type: "text", Text: "JSON schema to follow:\n" + string(described)})
	for _, img := range req.Images {
		if img == "" {
			return nil, errors.New("image data must not be empty")
		}
		parts = append(parts, Part{Type: "image_url", ImageURL: &ImageURL{URL: DataURL(img)}})
	}

	return c.complete(ctx, &ChatRequest{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: TextContent(req.SystemPrompt)},
			{Role: "user", Content: PartsContent(parts...)},
		},
		ResponseFormat: format,
		Temperature:    &temperature,
		TopP:           &topP,
	})
}

// Assistant sends a system prompt and the input serialized as text. A
// response_format is only sent when a schema is given.
func (c *Client) Assistant(ctx context.Context, req AssistantRequest) (*ChatResponse, error) {
	if c.baseURL == "" {
		return nil, errors.New("LM_URL/LLM_URL environment variable is required")
	}
	model := req.Model
	if model == "" {
		model = c.assistantModel
	}
	if model == "" {
		return nil, errors.New("MODEL_ASSISTANT environment variable is required for assistant requests")
	}
	if req.SystemPrompt == "" {
		return nil, errors.New("system prompt is required")
	}
	if req.Input == nil {
		return nil, errors.New("input is required")
	}

	var input string
	switch v := req.Input.(type) {
	case string:
		input = v
	case []byte:
		input = string(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal assistant input: %w", err)
		}
		input = string(data)
	}

	chat := &ChatRequest{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: TextContent(req.SystemPrompt)},
			{Role: "user", Content: TextContent(input)},
		},
		Temperature: &temperature,
		TopP:        &topP,
	}
	if req.Schema != nil {
		chat.ResponseFormat = responseFormat(req.Schema)
	}
	return c.complete(ctx, chat)
}

func (c *Client) complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("LLM request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("LLM request failed (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result ChatResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"model":    req.Model,
		"choices":  len(result.Choices),
		"duration": time.Since(start).String(),
	}).Debug("LLM responded")

	return &result, nil
}

// responseFormat returns json_object when no schema is given, otherwise a
// strict json_schema format.
func responseFormat(schema *JSONSchema) *ResponseFormat {
	if schema == nil {
		return &ResponseFormat{Type: "json_object"}
	}
	s := *schema
	if s.Name == "" {
		s.Name = "structured_output"
	}
	s.Strict = true
	return &ResponseFormat{Type: "json_schema", JSONSchema: &s}
}

// DataURL wraps base64 JPEG data as a data URL; data URLs pass through.
func DataURL(img string) string {
	if strings.HasPrefix(img, "data:") {
		return img
	}
	return "data:image/jpeg;base64," + img
}

// EncodeImage returns the base64 form of raw image bytes.
func EncodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
