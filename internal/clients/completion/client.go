// Package completion wraps the chat-completion service with schema-
// constrained JSON output, built around an OpenAI Responses API client
// (GenerateJSON) down to just the completion concern this store needs.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/httpx"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
)

// Client generates schema-constrained JSON and plain text completions.
type Client interface {
	// GenerateJSON constrains the model's output to schema via JSON-schema
	// response formatting and returns the parsed object. A parse or refusal
	// failure is wrapped as apperr.KindLLMParse.
	GenerateJSON(ctx context.Context, modelId, system, user, schemaName string, schema map[string]any) (map[string]any, error)
	// GenerateText returns the model's free-form text response.
	GenerateText(ctx context.Context, modelId, system, user string) (string, error)
}

type client struct {
	log         *logger.Logger
	baseURL     string
	apiKey      string
	heliconeKey string
	httpClient  *http.Client
	maxRetries  int
}

func NewClient(log *logger.Logger) (Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	baseURL := strings.TrimSpace(os.Getenv("OPENAI_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeoutSec := 120
	if v := os.Getenv("OPENAI_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	return &client{
		log:         log.With("service", "CompletionClient"),
		baseURL:     baseURL,
		apiKey:      apiKey,
		heliconeKey: strings.TrimSpace(os.Getenv("HELICONE_API_KEY")),
		httpClient:  &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries:  4,
	}, nil
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string         { return fmt.Sprintf("completion http %d: %s", e.StatusCode, e.Body) }
func (e *httpError) HTTPStatusCode() int    { return e.StatusCode }

func (c *client) doOnce(ctx context.Context, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/responses", &buf)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if c.heliconeKey != "" {
		req.Header.Set("Helicone-Auth", "Bearer "+c.heliconeKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

func (c *client) do(ctx context.Context, body any, out any) error {
	backoff := 1 * time.Second
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, raw, err := c.doOnce(ctx, body)
		if err == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("completion decode: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}
		if !httpx.IsRetryableError(err) || attempt == c.maxRetries {
			return apperr.TransientBackend("completion.do", err)
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("completion request retrying", "attempt", attempt+1, "sleep", sleepFor.String(), "error", err.Error())
		time.Sleep(sleepFor)
		backoff *= 2
	}
	return apperr.TransientBackend("completion.do", errors.New("unreachable retry loop"))
}

type responsesRequest struct {
	Model string `json:"model"`
	Input []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"input"`
	Text struct {
		Format map[string]any `json:"format,omitempty"`
	} `json:"text,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role,omitempty"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text,omitempty"`
		} `json:"content,omitempty"`
	} `json:"output"`
	Refusal string `json:"refusal,omitempty"`
}

func extractOutputText(resp responsesResponse) string {
	var out strings.Builder
	for _, item := range resp.Output {
		if item.Type == "message" && item.Role == "assistant" {
			for _, c := range item.Content {
				if c.Type == "output_text" && c.Text != "" {
					out.WriteString(c.Text)
				}
			}
		}
	}
	return out.String()
}

func (c *client) GenerateJSON(ctx context.Context, modelId, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	if schemaName == "" || schema == nil {
		return nil, apperr.Validation("completion.GenerateJSON", errors.New("schemaName and schema required"))
	}
	req := responsesRequest{
		Model: modelId,
		Input: []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
	}
	req.Text.Format = map[string]any{
		"type":   "json_schema",
		"name":   schemaName,
		"schema": schema,
		"strict": true,
	}

	var resp responsesResponse
	if err := c.do(ctx, req, &resp); err != nil {
		return nil, err
	}
	if resp.Refusal != "" {
		return nil, apperr.LLMParse("completion.GenerateJSON", fmt.Errorf("model refused: %s", resp.Refusal))
	}
	text := extractOutputText(resp)
	if strings.TrimSpace(text) == "" {
		return nil, apperr.LLMParse("completion.GenerateJSON", errors.New("no output_text in response"))
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, apperr.LLMParse("completion.GenerateJSON", fmt.Errorf("parse model JSON: %w", err))
	}
	return obj, nil
}

func (c *client) GenerateText(ctx context.Context, modelId, system, user string) (string, error) {
	req := responsesRequest{
		Model: modelId,
		Input: []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		}{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.4,
	}
	var resp responsesResponse
	if err := c.do(ctx, req, &resp); err != nil {
		return "", err
	}
	if resp.Refusal != "" {
		return "", apperr.LLMParse("completion.GenerateText", fmt.Errorf("model refused: %s", resp.Refusal))
	}
	text := extractOutputText(resp)
	if strings.TrimSpace(text) == "" {
		return "", apperr.LLMParse("completion.GenerateText", errors.New("no output_text in response"))
	}
	return text, nil
}
