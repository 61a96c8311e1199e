// Package vectorindex is the adapter for the RAG vector-store service.
// The Index stage delivers chunk documents through it and the analysis
// workers query it for cross-file context.
package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/c360studio/repolens/errkind"
)

// maxResponseSize bounds response body reads.
const maxResponseSize = 32 * 1024 * 1024 // 32MB

// vectorField names the document field the service embeds.
const vectorField = "content"

// Document is one indexable unit. The Index stage produces one document
// per chunk; start_line/end_line locate the chunk in its file.
type Document struct {
	Title     string `json:"title"`
	File      string `json:"file"`
	Content   string `json:"content"`
	Category  string `json:"category"`
	Language  string `json:"language"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
}

// Scored is one query hit.
type Scored struct {
	Document Document `json:"document"`
	Score    float64  `json:"score"`
}

// Client talks to one vector-store service instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 300 * time.Second, // Embedding batches are slow
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// documentsRequest creates an index (Index empty) or extends one.
type documentsRequest struct {
	Documents   []Document `json:"documents"`
	VectorField string     `json:"vector_field"`
	Index       string     `json:"index,omitempty"`
}

type documentsResponse struct {
	Index string `json:"index"`
	Count int    `json:"count"`
}

// CreateIndex uploads the first document batch and returns the index
// name assigned by the service.
func (c *Client) CreateIndex(ctx context.Context, docs []Document) (string, error) {
	if len(docs) == 0 {
		return "", errkind.NewInput(fmt.Errorf("no documents to index"))
	}
	var resp documentsResponse
	err := c.post(ctx, "/documents", documentsRequest{Documents: docs, VectorField: vectorField}, &resp)
	if err != nil {
		return "", fmt.Errorf("create index: %w", err)
	}
	if resp.Index == "" {
		return "", errkind.NewTransient(fmt.Errorf("create index: service returned no index name"))
	}
	c.logger.Debug("vector index created", "index", resp.Index, "documents", resp.Count)
	return resp.Index, nil
}

// AddDocuments appends a batch to an existing index and returns the
// number of documents the service accepted.
func (c *Client) AddDocuments(ctx context.Context, index string, docs []Document) (int, error) {
	if index == "" {
		return 0, errkind.NewFatal(fmt.Errorf("add documents: index name is empty"))
	}
	if len(docs) == 0 {
		return 0, nil
	}
	var resp documentsResponse
	err := c.post(ctx, "/documents", documentsRequest{Documents: docs, VectorField: vectorField, Index: index}, &resp)
	if err != nil {
		return 0, fmt.Errorf("add documents to %s: %w", index, err)
	}
	return resp.Count, nil
}

type searchRequest struct {
	Query string `json:"query"`
	Index string `json:"index"`
	TopK  int    `json:"top_k"`
}

type searchResponse struct {
	Results []Scored `json:"results"`
}

// Query returns the topK most similar documents in the index.
func (c *Client) Query(ctx context.Context, index, query string, topK int) ([]Scored, error) {
	if index == "" {
		return nil, errkind.NewFatal(fmt.Errorf("query: index name is empty"))
	}
	if topK <= 0 {
		topK = 5
	}
	var resp searchResponse
	err := c.post(ctx, "/search", searchRequest{Query: query, Index: index, TopK: topK}, &resp)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", index, err)
	}
	return resp.Results, nil
}

// DeleteIndex removes an index. Deleting an index that does not exist
// succeeds, so repeated deletes and delete-after-crash are safe.
func (c *Client) DeleteIndex(ctx context.Context, index string) error {
	if index == "" {
		return nil
	}

	endpoint := c.baseURL + "/indices/" + url.PathEscape(index)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return errkind.NewFatal(fmt.Errorf("delete index: create request: %w", err))
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errkind.NewTransient(fmt.Errorf("delete index %s: %w", index, err))
	}
	defer httpResp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(httpResp.Body, maxResponseSize))

	switch {
	case httpResp.StatusCode == http.StatusOK, httpResp.StatusCode == http.StatusNoContent:
		return nil
	case httpResp.StatusCode == http.StatusNotFound:
		// Already gone.
		return nil
	default:
		return classifyStatus(httpResp.StatusCode, nil, "delete index "+index)
	}
}

// Health probes the service.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return errkind.NewFatal(fmt.Errorf("health: create request: %w", err))
	}
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errkind.NewTransient(fmt.Errorf("vector service unreachable: %w", err))
	}
	defer httpResp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))

	if httpResp.StatusCode != http.StatusOK {
		return errkind.NewTransient(fmt.Errorf("vector service unhealthy (status %d)", httpResp.StatusCode))
	}
	return nil
}

// post sends a JSON request and decodes a JSON response into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errkind.NewFatal(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errkind.NewFatal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errkind.NewTransient(fmt.Errorf("request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return errkind.NewTransient(fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return classifyStatus(httpResp.StatusCode, respBody, "")
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return errkind.NewTransient(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classifyStatus maps an HTTP failure to the errkind taxonomy.
func classifyStatus(statusCode int, body []byte, op string) error {
	detail := string(body)
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}
	if op == "" {
		op = "vector service"
	}
	err := fmt.Errorf("%s: status %d: %s", op, statusCode, detail)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return errkind.NewRateLimited(err, 0)
	case statusCode >= 500:
		return errkind.NewTransient(err)
	case statusCode == http.StatusNotFound:
		return errkind.NewNotFound(err)
	default:
		return errkind.NewFatal(err)
	}
}
