// Package gateway moves page JSON between the client and object storage
// through presigned URLs. Uploads PUT straight to storage; fetches GET with
// a one-shot refresh of expired signed URLs and decode the body off-thread.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/pencraft/pagesync/internal/api"
)

var ErrFetchAborted = errors.New("fetch aborted")

// UploadError is a non-2xx response to an object storage PUT.
type UploadError struct {
	StatusCode int
	Body       string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload failed: http %d: %s", e.StatusCode, e.Body)
}

// FetchError is a failed object fetch. Aborted marks caller cancellation,
// which is not a hard failure and must not be retried.
type FetchError struct {
	URL        string
	StatusCode int
	Aborted    bool
}

func (e *FetchError) Error() string {
	if e.Aborted {
		return fmt.Sprintf("fetch aborted: %s", e.URL)
	}
	return fmt.Sprintf("fetch failed: http %d: %s", e.StatusCode, e.URL)
}

func (e *FetchError) Is(target error) bool {
	return target == ErrFetchAborted && e.Aborted
}

// Presigner re-derives fresh signed URLs. Satisfied by api.Client.
type Presigner interface {
	Presign(ctx context.Context, fileName, contentType string) (api.PresignResult, error)
}

// Parser decodes JSON off the calling goroutine. Satisfied by
// parseworker.Worker.
type Parser interface {
	Parse(ctx context.Context, jsonText string) (any, error)
}

type Gateway struct {
	presigner  Presigner
	parser     Parser
	httpClient *http.Client
	logger     Logger
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Presigner  Presigner
	Parser     Parser
	HTTPClient *http.Client
	Logger     Logger
}

func New(opts Options) (*Gateway, error) {
	if opts.Presigner == nil || opts.Parser == nil {
		return nil, fmt.Errorf("presigner and parser are required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Gateway{
		presigner:  opts.Presigner,
		parser:     opts.Parser,
		httpClient: httpClient,
		logger:     opts.Logger,
	}, nil
}

// UploadObject serializes payload to JSON and PUTs it to the presigned URL.
// Any 2xx is success; anything else surfaces an UploadError carrying the
// response status and body.
func (g *Gateway) UploadObject(ctx context.Context, payload any, uploadURL string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	return &UploadError{StatusCode: resp.StatusCode, Body: string(respBody)}
}

// FetchObject GETs a stored object and decodes it through the background
// parse worker. A 403 means the signed URL expired: the file name is parsed
// out of the stale URL, a fresh download URL is presigned, and the fetch is
// retried exactly once before the error surfaces.
func (g *Gateway) FetchObject(ctx context.Context, objectURL string) (any, error) {
	value, status, err := g.fetchOnce(ctx, objectURL)
	if err != nil || status != http.StatusForbidden {
		return value, err
	}

	fileName, nameErr := fileNameFromURL(objectURL)
	if nameErr != nil {
		return nil, &FetchError{URL: objectURL, StatusCode: http.StatusForbidden}
	}
	g.logf("signed url expired for %s; refreshing", fileName)
	presigned, presignErr := g.presigner.Presign(ctx, fileName, "application/json")
	if presignErr != nil {
		return nil, presignErr
	}
	refreshedURL := presigned.DownloadURL
	if refreshedURL == "" {
		refreshedURL = presigned.UploadURL
	}
	value, status, err = g.fetchOnce(ctx, refreshedURL)
	if err != nil {
		return nil, err
	}
	if status == http.StatusForbidden {
		return nil, &FetchError{URL: refreshedURL, StatusCode: http.StatusForbidden}
	}
	return value, nil
}

// fetchOnce returns (value, 0, nil) on success and (nil, 403, nil) when the
// caller may refresh and retry; every other failure is terminal.
func (g *Gateway) fetchOnce(ctx context.Context, objectURL string) (any, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, objectURL, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, &FetchError{URL: objectURL, Aborted: true}
		}
		return nil, 0, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		if ctx.Err() != nil {
			return nil, 0, &FetchError{URL: objectURL, Aborted: true}
		}
		return nil, 0, readErr
	}
	if resp.StatusCode == http.StatusForbidden {
		return nil, http.StatusForbidden, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, 0, &FetchError{URL: objectURL, StatusCode: resp.StatusCode}
	}
	value, parseErr := g.parser.Parse(ctx, string(body))
	if parseErr != nil {
		return nil, 0, parseErr
	}
	return value, 0, nil
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}

func fileNameFromURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	name := path.Base(parsed.Path)
	if name == "." || name == "/" || strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("no file name in url %s", raw)
	}
	return name, nil
}
