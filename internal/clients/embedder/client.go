// Package embedder wraps the embedding + rerank service (Jina, configured
// via JINA_API_KEY), following the same do/retry shape as the completion
// client so both external services share one resilience idiom.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/brightloom-ai/episodic/internal/pkg/apperr"
	"github.com/brightloom-ai/episodic/internal/pkg/httpx"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
)

// InputKind distinguishes a query embedding from a passage embedding, since
// retrieval.query and retrieval.passage inputs are asymmetric for this model family.
type InputKind string

const (
	InputQuery   InputKind = "retrieval.query"
	InputPassage InputKind = "retrieval.passage"
)

// RerankResult is one scored document from a rerank call, index into the
// original input slice.
type RerankResult struct {
	Index          int
	RelevanceScore float64
}

type Client interface {
	Embed(ctx context.Context, inputs []string, kind InputKind) ([][]float32, error)
	Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error)
}

type client struct {
	log         *logger.Logger
	baseURL     string
	apiKey      string
	model       string
	rerankModel string
	httpClient  *http.Client
	maxRetries  int
}

func NewClient(log *logger.Logger) (Client, error) {
	apiKey := strings.TrimSpace(os.Getenv("JINA_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("missing JINA_API_KEY")
	}
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &client{
		log:         log.With("service", "EmbedderClient"),
		baseURL:     "https://api.jina.ai",
		apiKey:      apiKey,
		model:       "jina-embeddings-v3",
		rerankModel: "jina-reranker-v2-base-multilingual",
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		maxRetries:  4,
	}, nil
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string      { return fmt.Sprintf("embedder http %d: %s", e.StatusCode, e.Body) }
func (e *httpError) HTTPStatusCode() int { return e.StatusCode }

func (c *client) do(ctx context.Context, path string, body any, out any) error {
	backoff := 1 * time.Second
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, &buf)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		var raw []byte
		var herr error
		if err == nil {
			raw, err = io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if err == nil && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
				herr = &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
			}
		}
		if err == nil && herr == nil {
			if out == nil {
				return nil
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return fmt.Errorf("embedder decode: %w; raw=%s", uErr, string(raw))
			}
			return nil
		}
		effective := err
		if effective == nil {
			effective = herr
		}
		if !httpx.IsRetryableError(effective) || attempt == c.maxRetries {
			return apperr.TransientBackend("embedder.do", effective)
		}
		sleepFor := httpx.JitterSleep(httpx.RetryAfterDuration(resp, backoff, 10*time.Second))
		c.log.Warn("embedder request retrying", "path", path, "attempt", attempt+1, "sleep", sleepFor.String())
		time.Sleep(sleepFor)
		backoff *= 2
	}
	return apperr.TransientBackend("embedder.do", errors.New("unreachable retry loop"))
}

type embedRequest struct {
	Model string   `json:"model"`
	Task  string   `json:"task"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (c *client) Embed(ctx context.Context, inputs []string, kind InputKind) ([][]float32, error) {
	if len(inputs) == 0 {
		return [][]float32{}, nil
	}
	clean := make([]string, len(inputs))
	for i, s := range inputs {
		s = strings.TrimSpace(s)
		if s == "" {
			s = " "
		}
		clean[i] = s
	}

	var resp embedResponse
	if err := c.do(ctx, "/v1/embeddings", embedRequest{Model: c.model, Task: string(kind), Input: clean}, &resp); err != nil {
		return nil, err
	}
	out := make([][]float32, len(clean))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for i, f := range d.Embedding {
			vec[i] = float32(f)
		}
		if d.Index >= 0 && d.Index < len(out) {
			out[d.Index] = vec
		}
	}
	for i := range out {
		if out[i] == nil {
			return nil, apperr.TransientBackend("embedder.Embed", fmt.Errorf("missing embedding for index %d", i))
		}
	}
	return out, nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

func (c *client) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	var resp rerankResponse
	if err := c.do(ctx, "/v1/rerank", rerankRequest{Model: c.rerankModel, Query: query, Documents: documents}, &resp); err != nil {
		return nil, err
	}
	out := make([]RerankResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		out = append(out, RerankResult{Index: r.Index, RelevanceScore: r.RelevanceScore})
	}
	return out, nil
}
