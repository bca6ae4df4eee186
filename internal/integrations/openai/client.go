// Package openai calls the chat completions and moderation endpoints used to
// classify utterances.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"doctalk-agent/internal/domain"
	"doctalk-agent/internal/integrations/paramstore"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 10 * time.Second
	chatPath       = "/chat/completions"
	moderationPath = "/moderations"

	// extractionTemperature keeps classification close to deterministic.
	extractionTemperature = 0.1
)

// chatRequest carries the extraction conversation and its response format.
type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	Temperature    *float64             `json:"temperature,omitempty"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// chatResponse keeps only the fields needed to read the first choice.
type chatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Choices []struct {
		Index   int                `json:"index"`
		Message domain.ChatMessage `json:"message"`
	} `json:"choices"`
}

type moderationRequest struct {
	Input string `json:"input"`
}

// moderationResponse keeps the per-input flag.
type moderationResponse struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
}

// HTTPStatusError is returned for non-2xx answers. Callers read the status
// through HTTPStatusCode to tell rate limiting apart.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to an OpenAI-compatible API for extraction and moderation.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient returns a Client that reads its bearer token from
// <paramPrefix>/open-ai-token on first use.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: defaultTimeout},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the token once per process; a failed fetch is not retried.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		key, err := paramstore.GetToken(ctx, c.getter, c.tokenParameterName())
		if err != nil {
			c.keyErr = fmt.Errorf("openai: resolve api key: %w", err)
			return
		}
		c.apiKey = key
	})
	return c.apiKey, c.keyErr
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

// endpointURL joins an API path onto baseURL, adding the /v1 segment when the
// base omits it.
func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

// Chat runs a chat completion constrained to the extraction schema and returns
// the raw JSON content of the first choice.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	if model == "" {
		return "", errors.New("openai: model must not be empty")
	}
	temperature := extractionTemperature
	var payload chatResponse
	err := c.post(ctx, "chat", chatPath, chatRequest{
		Model:          model,
		Messages:       messages,
		Temperature:    &temperature,
		ResponseFormat: extractionResponseFormat(),
	}, &payload)
	if err != nil {
		return "", err
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	return payload.Choices[0].Message.Content, nil
}

func extractionResponseFormat() *responseFormat {
	return &responseFormat{
		Type: "json_schema",
		JSONSchema: jsonSchemaConfig{
			Name:   "intent_extraction",
			Strict: true,
			Schema: extractionSchema,
		},
	}
}

// extractionSchema is derived from the domain vocabulary. Strict mode needs
// every property listed as required, so optional entities are nullable.
var extractionSchema = buildExtractionSchema()

func buildExtractionSchema() json.RawMessage {
	intents := make([]string, 0, len(domain.Intents))
	for _, in := range domain.Intents {
		intents = append(intents, string(in))
	}
	slots := make(map[string]any, len(domain.Slots))
	slotNames := make([]string, 0, len(domain.Slots))
	for _, s := range domain.Slots {
		slots[string(s)] = map[string]any{"type": []string{"string", "null"}}
		slotNames = append(slotNames, string(s))
	}
	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"intent": map[string]any{"type": "string", "enum": intents},
			"entities": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"properties":           slots,
				"required":             slotNames,
			},
			"confidence": map[string]any{"type": "number"},
		},
		"required": []string{"intent", "entities", "confidence"},
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("openai: marshal extraction schema: %v", err))
	}
	return raw
}

// Moderate reports whether the moderation endpoint flags input.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	var payload moderationResponse
	if err := c.post(ctx, "moderation", moderationPath, moderationRequest{Input: input}, &payload); err != nil {
		return false, err
	}
	if len(payload.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	return payload.Results[0].Flagged, nil
}

// post sends payload as JSON to path with the bearer token and decodes the
// response into out. op names the call in error messages.
func (c *Client) post(ctx context.Context, op, path string, payload, out any) error {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("openai: marshal %s request: %w", op, err)
	}

	url := endpointURL(c.baseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("openai: create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return fmt.Errorf("openai: %s request failed: %w", op, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("openai: decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
