// Package api talks to the project metadata service: presigned-URL
// negotiation, authoritative page lists, and batched page commits. Object
// bodies themselves never pass through this client; they go directly to
// object storage via the upload gateway.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrPresignRejected = errors.New("presign rejected")

// HTTPError is a non-2xx response from the metadata service.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// PresignError means the service rejected the requested file name or
// content type.
type PresignError struct {
	FileName    string
	ContentType string
	StatusCode  int
	Message     string
}

func (e *PresignError) Error() string {
	return fmt.Sprintf("presign rejected for %s (%s): http %d: %s", e.FileName, e.ContentType, e.StatusCode, e.Message)
}

func (e *PresignError) Is(target error) bool {
	return target == ErrPresignRejected
}

// PageRef is one page in a project's authoritative page list. StrokeURL
// points at the uploaded page JSON; SnapshotURL at a rendered preview.
type PageRef struct {
	PageNumber  int    `json:"pageNumber"`
	StrokeURL   string `json:"strokeUrl,omitempty"`
	SnapshotURL string `json:"snapshotUrl,omitempty"`
}

// Project is the display metadata mirrored from the server. IsLocal marks a
// project that exists only on-device.
type Project struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	Orientation string    `json:"orientation,omitempty"`
	PaperSize   string    `json:"paperSize,omitempty"`
	Pages       []PageRef `json:"pages,omitempty"`
	IsLocal     bool      `json:"isLocal,omitempty"`
}

// PresignResult carries a time-limited write URL and a possibly different,
// proxied read URL.
type PresignResult struct {
	UploadURL   string `json:"uploadUrl"`
	DownloadURL string `json:"downloadUrl"`
}

// Client is the metadata surface the sync engine needs.
type Client interface {
	Presign(ctx context.Context, fileName, contentType string) (PresignResult, error)
	ListPages(ctx context.Context, projectID string) ([]PageRef, error)
	CreatePages(ctx context.Context, projectID string, pages []PageRef) error
}

type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

func (c *HTTPClient) Presign(ctx context.Context, fileName, contentType string) (PresignResult, error) {
	q := url.Values{}
	q.Set("fileName", strings.TrimSpace(fileName))
	q.Set("contentType", strings.TrimSpace(contentType))
	var out PresignResult
	err := c.doJSON(ctx, http.MethodGet, "/v1/storage/presign?"+q.Encode(), nil, &out)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode <= 499 {
			return PresignResult{}, &PresignError{
				FileName:    fileName,
				ContentType: contentType,
				StatusCode:  httpErr.StatusCode,
				Message:     httpErr.Message,
			}
		}
		return PresignResult{}, err
	}
	if strings.TrimSpace(out.UploadURL) == "" {
		return PresignResult{}, &PresignError{
			FileName:    fileName,
			ContentType: contentType,
			StatusCode:  http.StatusOK,
			Message:     "missing uploadUrl in presign response",
		}
	}
	return out, nil
}

func (c *HTTPClient) ListPages(ctx context.Context, projectID string) ([]PageRef, error) {
	var out struct {
		Pages []PageRef `json:"pages"`
	}
	path := fmt.Sprintf("/v1/projects/%s/pages", url.PathEscape(projectID))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Pages == nil {
		return []PageRef{}, nil
	}
	return out.Pages, nil
}

// CreatePages commits the full reconciled page list for a project. The
// server replaces its list wholesale; this is never a delta.
func (c *HTTPClient) CreatePages(ctx context.Context, projectID string, pages []PageRef) error {
	body := map[string]any{
		"projectId": projectID,
		"pages":     pages,
	}
	path := fmt.Sprintf("/v1/projects/%s/pages", url.PathEscape(projectID))
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			return json.Unmarshal(payloadBytes, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		delta := time.Until(ts)
		if delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
