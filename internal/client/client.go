// Package client talks to a running plcgw over its JSON API. The CLI and the
// monitor console both use it.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/plcgw/internal/api"
	"github.com/mattjoyce/plcgw/internal/events"
	"github.com/mattjoyce/plcgw/internal/history"
	"github.com/mattjoyce/plcgw/internal/lifecycle"
)

// APIError is a non-2xx response from the service.
type APIError struct {
	StatusCode int
	api.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%d %s)", e.ErrorResponse.Error, e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("%s (%d)", e.ErrorResponse.Error, e.StatusCode)
}

// Client is an API client. The zero HTTP client is replaced with one that
// has no overall timeout, since uploads block for a whole build.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

// New creates a client for baseURL (for example http://127.0.0.1:8080).
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{},
	}
}

// Health calls GET /healthz.
func (c *Client) Health(ctx context.Context) (*api.HealthzResponse, error) {
	var out api.HealthzResponse
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status calls GET /api/v1/status.
func (c *Client) Status(ctx context.Context) (*lifecycle.Status, error) {
	var out lifecycle.Status
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartRuntime calls POST /api/v1/runtime/start.
func (c *Client) StartRuntime(ctx context.Context) (*lifecycle.Status, error) {
	var out lifecycle.Status
	if err := c.do(ctx, http.MethodPost, "/api/v1/runtime/start", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopRuntime calls POST /api/v1/runtime/stop.
func (c *Client) StopRuntime(ctx context.Context) (*lifecycle.Status, error) {
	var out lifecycle.Status
	if err := c.do(ctx, http.MethodPost, "/api/v1/runtime/stop", nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UploadProgram sends the file at path to POST /api/v1/program and waits for
// the replace to finish. A failed build comes back as an *APIError whose Run
// carries the diagnostic.
func (c *Client) UploadProgram(ctx context.Context, path string) (*api.ProgramResponse, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("program", filepath.Base(path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	var out api.ProgramResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/program", pr, mw.FormDataContentType(), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBuilds calls GET /api/v1/builds.
func (c *Client) ListBuilds(ctx context.Context, limit int) ([]history.RunRecord, error) {
	path := "/api/v1/builds"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out api.BuildListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Builds, nil
}

// RuntimeLog calls GET /api/v1/runtime/log.
func (c *Client) RuntimeLog(ctx context.Context, limit int) ([]history.RuntimeEntry, error) {
	path := "/api/v1/runtime/log"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out api.RuntimeLogResponse
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// GetBuild calls GET /api/v1/builds/{id}.
func (c *Client) GetBuild(ctx context.Context, id string) (*history.RunRecord, error) {
	var out history.RunRecord
	if err := c.do(ctx, http.MethodGet, "/api/v1/builds/"+url.PathEscape(id), nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Subscribe streams GET /api/v1/events into fn until ctx is done or the
// connection drops. lastID resumes after an earlier event.
func (c *Client) Subscribe(ctx context.Context, lastID int64, fn func(events.Event)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	var cur events.Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Type != "" {
				if cur.At.IsZero() {
					cur.At = time.Now()
				}
				fn(cur)
			}
			cur = events.Event{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			cur.ID, _ = strconv.ParseInt(line[len("id: "):], 10, 64)
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			cur.Data = json.RawMessage(line[len("data: "):])
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(body, &apiErr.ErrorResponse); err != nil || apiErr.ErrorResponse.Error == "" {
		apiErr.ErrorResponse.Error = strings.TrimSpace(string(body))
		if apiErr.ErrorResponse.Error == "" {
			apiErr.ErrorResponse.Error = http.StatusText(resp.StatusCode)
		}
	}
	return apiErr
}

// IsBusy reports whether err is the service refusing a request because a
// build is in progress.
func IsBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}
