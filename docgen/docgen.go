// Package docgen is the adapter for the external documentation service.
// The Document stage uploads the repository, submits a generation job,
// polls its status, and normalizes the result to markdown.
package docgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"

	"github.com/c360studio/repolens/errkind"
)

// maxResponseSize bounds response body reads.
const maxResponseSize = 32 * 1024 * 1024 // 32MB

// Options tune one generation job.
type Options struct {
	// ProjectName labels the generated document. Empty lets the service
	// derive one from the path.
	ProjectName string

	// Language selects the output language. Empty means "en".
	Language string

	// Provider and Model select the generation backend, when the
	// service honors them.
	Provider string
	Model    string
}

// Status is one poll of a generation job.
type Status struct {
	State    string  `json:"status"`
	Progress float64 `json:"progress"`
	Stage    string  `json:"current_stage"`
	Error    string  `json:"error"`
	Message  string  `json:"message"`
	Result   *struct {
		Markdown string `json:"markdown"`
		HTML     string `json:"html"`
	} `json:"result"`
}

// Completed reports whether the job finished successfully.
func (s *Status) Completed() bool {
	return s.State == "completed"
}

// Failed reports whether the job failed. A populated error field counts
// even when the state says otherwise.
func (s *Status) Failed() bool {
	return s.State == "failed" || s.Error != ""
}

// Terminal reports whether polling can stop.
func (s *Status) Terminal() bool {
	return s.Completed() || s.Failed()
}

// Result is the normalized outcome of a completed job.
type Result struct {
	// Markdown is the document text, converted from HTML when the
	// service returned only HTML.
	Markdown string

	// RenderedHTML preserves the readable HTML when the service
	// produced one, empty otherwise.
	RenderedHTML string
}

// Client talks to one documentation service instance.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	converter  *md.Converter
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
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 600 * time.Second, // Generation submits are slow
		},
		logger:    slog.Default(),
		converter: converter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UploadZip ships a packed repository to the service and returns the
// service-side path to submit against.
func (c *Client) UploadZip(ctx context.Context, name string, zip io.Reader) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", name+".zip")
	if err != nil {
		return "", errkind.NewFatal(fmt.Errorf("upload zip: build form: %w", err))
	}
	if _, err := io.Copy(part, zip); err != nil {
		return "", errkind.NewFatal(fmt.Errorf("upload zip: copy archive: %w", err))
	}
	if err := writer.Close(); err != nil {
		return "", errkind.NewFatal(fmt.Errorf("upload zip: close form: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload/zip", &body)
	if err != nil {
		return "", errkind.NewFatal(fmt.Errorf("upload zip: create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", errkind.NewTransient(fmt.Errorf("upload zip: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return "", errkind.NewTransient(fmt.Errorf("upload zip: read response: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", classifyDocgenStatus(httpResp.StatusCode, respBody, "upload zip")
	}

	var resp struct {
		Success  bool   `json:"success"`
		FilePath string `json:"file_path"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", errkind.NewTransient(fmt.Errorf("upload zip: decode response: %w", err))
	}
	if !resp.Success || resp.FilePath == "" {
		return "", errkind.NewTransient(fmt.Errorf("upload zip rejected: %s", resp.Message))
	}
	return resp.FilePath, nil
}

// submitRequest is the generation job request. The fixed fields mirror
// what the service expects for repository documentation.
type submitRequest struct {
	LocalPath                   string `json:"local_path"`
	ProjectName                 string `json:"project_name,omitempty"`
	GenerateReadme              bool   `json:"generate_readme"`
	AnalyzeDependencies         bool   `json:"analyze_dependencies"`
	GenerateArchitectureDiagram bool   `json:"generate_architecture_diagram"`
	Language                    string `json:"language"`
	Provider                    string `json:"provider,omitempty"`
	Model                       string `json:"model,omitempty"`
	ExportFormat                string `json:"export_format"`
	AnalysisDepth               string `json:"analysis_depth"`
	IncludeCodeExamples         bool   `json:"include_code_examples"`
}

// Submit starts a generation job for a repository path visible to the
// service and returns the job id.
func (c *Client) Submit(ctx context.Context, localPath string, opts Options) (string, error) {
	if localPath == "" {
		return "", errkind.NewFatal(fmt.Errorf("submit: local path is empty"))
	}

	language := opts.Language
	if language == "" {
		language = "en"
	}

	req := submitRequest{
		LocalPath:                   localPath,
		ProjectName:                 opts.ProjectName,
		GenerateReadme:              true,
		AnalyzeDependencies:         true,
		GenerateArchitectureDiagram: true,
		Language:                    language,
		Provider:                    opts.Provider,
		Model:                       opts.Model,
		ExportFormat:                "markdown",
		AnalysisDepth:               "detailed",
		IncludeCodeExamples:         true,
	}

	respBody, err := c.postJSON(ctx, "/api/analyze/local", req, "submit")
	if err != nil {
		return "", err
	}

	var resp struct {
		TaskID json.RawMessage `json:"task_id"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", errkind.NewTransient(fmt.Errorf("submit: decode response: %w", err))
	}
	// The service reports job ids as either strings or numbers.
	jobID := strings.Trim(string(resp.TaskID), `"`)
	if jobID == "" || jobID == "null" {
		return "", errkind.NewTransient(fmt.Errorf("submit: service returned no job id"))
	}

	c.logger.Debug("documentation job submitted", "job_id", jobID, "path", localPath)
	return jobID, nil
}

// Status polls one job.
func (c *Client) Status(ctx context.Context, jobID string) (*Status, error) {
	endpoint := c.baseURL + "/api/analyze/local/" + url.PathEscape(jobID) + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errkind.NewFatal(fmt.Errorf("status: create request: %w", err))
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errkind.NewTransient(fmt.Errorf("status %s: %w", jobID, err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, errkind.NewTransient(fmt.Errorf("status %s: read response: %w", jobID, err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyDocgenStatus(httpResp.StatusCode, respBody, "status "+jobID)
	}

	var st Status
	if err := json.Unmarshal(respBody, &st); err != nil {
		return nil, errkind.NewTransient(fmt.Errorf("status %s: decode response: %w", jobID, err))
	}
	return &st, nil
}

// FetchResult retrieves a completed job's document and normalizes it to
// markdown. HTML-only results go through readable-content extraction and
// markdown conversion; the rendered HTML is preserved alongside.
func (c *Client) FetchResult(ctx context.Context, jobID string) (*Result, error) {
	st, err := c.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if st.Failed() {
		reason := st.Error
		if reason == "" {
			reason = st.Message
		}
		return nil, errkind.NewFatal(fmt.Errorf("job %s failed: %s", jobID, reason))
	}
	if !st.Completed() {
		return nil, errkind.NewConflict(fmt.Errorf("job %s not completed (state %q)", jobID, st.State))
	}
	if st.Result == nil {
		return nil, errkind.NewFatal(fmt.Errorf("job %s completed without a result", jobID))
	}

	if strings.TrimSpace(st.Result.Markdown) != "" {
		return &Result{Markdown: cleanMarkdown(st.Result.Markdown)}, nil
	}
	if strings.TrimSpace(st.Result.HTML) != "" {
		markdown, rendered, err := c.normalizeHTML(st.Result.HTML)
		if err != nil {
			return nil, errkind.NewFatal(fmt.Errorf("job %s: %w", jobID, err))
		}
		return &Result{Markdown: markdown, RenderedHTML: rendered}, nil
	}
	return nil, errkind.NewFatal(fmt.Errorf("job %s produced an empty document", jobID))
}

// postJSON sends a JSON request and returns the raw 200 body.
func (c *Client) postJSON(ctx context.Context, path string, body any, op string) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errkind.NewFatal(fmt.Errorf("%s: marshal request: %w", op, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, errkind.NewFatal(fmt.Errorf("%s: create request: %w", op, err))
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errkind.NewTransient(fmt.Errorf("%s: %w", op, err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, errkind.NewTransient(fmt.Errorf("%s: read response: %w", op, err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyDocgenStatus(httpResp.StatusCode, respBody, op)
	}
	return respBody, nil
}

// classifyDocgenStatus maps an HTTP failure to the errkind taxonomy.
func classifyDocgenStatus(statusCode int, body []byte, op string) error {
	detail := string(body)
	if len(detail) > 200 {
		detail = detail[:200] + "..."
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
