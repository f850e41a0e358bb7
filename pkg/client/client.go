package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/recallio/kermem/pkg/errdefs"
	"github.com/recallio/kermem/pkg/memorydb"
	"github.com/recallio/kermem/pkg/search"
)

// Client talks to a kermem server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// UploadResult is the server's answer to an upload.
type UploadResult struct {
	Index      string `json:"index"`
	DocumentID string `json:"documentId"`
}

// Upload imports local files into an index. Tags are key:value strings;
// steps override the default ingestion list when non-empty.
func (c *Client) Upload(ctx context.Context, index, documentID string, paths, tags, steps []string) (*UploadResult, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if index != "" {
		_ = form.WriteField("index", index)
	}
	if documentID != "" {
		_ = form.WriteField("documentId", documentID)
	}
	for _, tag := range tags {
		_ = form.WriteField("tag", tag)
	}
	for _, step := range steps {
		_ = form.WriteField("step", step)
	}
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		part, err := form.CreateFormFile("file", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to attach %s: %w", path, err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var result UploadResult
	if err := c.do(req, http.StatusAccepted, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status reports a document's pipeline state.
type Status struct {
	Index          string          `json:"index"`
	DocumentID     string          `json:"documentId"`
	Status         string          `json:"status"`
	Ready          bool            `json:"ready"`
	Steps          []string        `json:"steps"`
	CompletedSteps []string        `json:"completed_steps"`
	RemainingSteps []string        `json:"remaining_steps"`
	Logs           json.RawMessage `json:"logs,omitempty"`
}

// UploadStatus fetches a document's pipeline status.
func (c *Client) UploadStatus(ctx context.Context, index, documentID string, withLogs bool) (*Status, error) {
	q := url.Values{"index": {index}, "documentId": {documentID}}
	if withLogs {
		q.Set("logs", "true")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/upload-status?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var status Status
	if err := c.do(req, http.StatusOK, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Search runs a semantic query.
func (c *Client) Search(ctx context.Context, index, query string, filters memorydb.Filters, limit int, minRelevance float64) (*search.Results, error) {
	var results search.Results
	err := c.postJSON(ctx, "/search", map[string]any{
		"index":         index,
		"query":         query,
		"filters":       filters,
		"limit":         limit,
		"min_relevance": minRelevance,
	}, &results)
	if err != nil {
		return nil, err
	}
	return &results, nil
}

// Ask poses a grounded question.
func (c *Client) Ask(ctx context.Context, index, question string, filters memorydb.Filters, minRelevance float64) (*search.Answer, error) {
	var answer search.Answer
	err := c.postJSON(ctx, "/ask", map[string]any{
		"index":         index,
		"question":      question,
		"filters":       filters,
		"min_relevance": minRelevance,
	}, &answer)
	if err != nil {
		return nil, err
	}
	return &answer, nil
}

// ListIndexes returns all collection names.
func (c *Client) ListIndexes(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/indexes", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Indexes []string `json:"indexes"`
	}
	if err := c.do(req, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Indexes, nil
}

// DeleteIndex drops an index and everything under it.
func (c *Client) DeleteIndex(ctx context.Context, index string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/indexes/"+url.PathEscape(index), nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusNoContent, nil)
}

// DeleteDocument drops one document.
func (c *Client) DeleteDocument(ctx context.Context, index, documentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/indexes/"+url.PathEscape(index)+"/documents/"+url.PathEscape(documentID), nil)
	if err != nil {
		return err
	}
	return c.do(req, http.StatusNoContent, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, http.StatusOK, out)
}

func (c *Client) do(req *http.Request, wantStatus int, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		var apiErr struct {
			Error string `json:"error"`
		}
		err := fmt.Errorf("server returned %d", resp.StatusCode)
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			err = fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		// Classify by status so callers (and the CLI's exit codes) can
		// tell user mistakes from server faults.
		switch resp.StatusCode {
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return errdefs.Validation(err)
		case http.StatusNotFound:
			return errdefs.NotFound("%w", err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
