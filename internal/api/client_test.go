package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestPresignReturnsBothURLs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/storage/presign" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.URL.Query().Get("fileName") != "page-1.json" {
			t.Fatalf("expected fileName to be forwarded, got %q", r.URL.Query().Get("fileName"))
		}
		if r.URL.Query().Get("contentType") != "application/json" {
			t.Fatalf("expected contentType to be forwarded, got %q", r.URL.Query().Get("contentType"))
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"uploadUrl":"https://storage.example/put/abc","downloadUrl":"https://cdn.example/get/abc"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	result, err := client.Presign(context.Background(), "page-1.json", "application/json")
	if err != nil {
		t.Fatalf("presign failed: %v", err)
	}
	if result.UploadURL != "https://storage.example/put/abc" {
		t.Fatalf("unexpected uploadUrl %q", result.UploadURL)
	}
	if result.DownloadURL != "https://cdn.example/get/abc" {
		t.Fatalf("unexpected downloadUrl %q", result.DownloadURL)
	}
}

func TestPresignRejectionYieldsPresignError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"invalid_name","message":"file name not allowed"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	_, err := client.Presign(context.Background(), "../escape.json", "application/json")
	if !errors.Is(err, ErrPresignRejected) {
		t.Fatalf("expected ErrPresignRejected, got %v", err)
	}
	var presignErr *PresignError
	if !errors.As(err, &presignErr) {
		t.Fatalf("expected *PresignError, got %T", err)
	}
	if presignErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", presignErr.StatusCode)
	}
}

func TestListPagesRetriesTransientFailure(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pages":[{"pageNumber":0,"strokeUrl":"https://cdn.example/p0"}]}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	pages, err := client.ListPages(context.Background(), "prj_1")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got %v", err)
	}
	if len(pages) != 1 || pages[0].PageNumber != 0 || pages[0].StrokeURL != "https://cdn.example/p0" {
		t.Fatalf("unexpected pages %+v", pages)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
}

func TestCreatePagesSendsFullList(t *testing.T) {
	var received struct {
		ProjectID string    `json:"projectId"`
		Pages     []PageRef `json:"pages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/projects/prj_9/pages" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	pages := []PageRef{
		{PageNumber: 0, StrokeURL: "https://cdn.example/p0"},
		{PageNumber: 1, StrokeURL: "https://cdn.example/p1"},
	}
	if err := client.CreatePages(context.Background(), "prj_9", pages); err != nil {
		t.Fatalf("create pages failed: %v", err)
	}
	if received.ProjectID != "prj_9" {
		t.Fatalf("expected projectId prj_9, got %q", received.ProjectID)
	}
	if len(received.Pages) != 2 {
		t.Fatalf("expected the full page list, got %+v", received.Pages)
	}
}

func TestHTTPErrorSurfacesCodeAndMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":"forbidden","message":"nope"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, "token", server.Client())
	err := client.CreatePages(context.Background(), "prj_1", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected *HTTPError, got %v", err)
	}
	if httpErr.StatusCode != http.StatusForbidden || httpErr.Code != "forbidden" {
		t.Fatalf("unexpected error %+v", httpErr)
	}
}
