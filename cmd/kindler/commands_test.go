package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestGenerateRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/generate": `{"jobId":"job-123"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/v1/generate", map[string]string{
		"prompt":   "a pomodoro timer",
		"template": "base-react-vite",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var created struct {
		JobID string `json:"jobId"`
	}
	if err := decodeJSON(resp, &created); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if created.JobID != "job-123" {
		t.Errorf("jobId = %q, want job-123", created.JobID)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	r := ts.requests[0]
	if r.Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", r.Auth)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(r.Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["prompt"] != "a pomodoro timer" {
		t.Errorf("body.prompt = %q", body["prompt"])
	}
	if body["template"] != "base-react-vite" {
		t.Errorf("body.template = %q", body["template"])
	}
}

func TestGenerateCommand_MissingArgs(t *testing.T) {
	defer rootCmd.SetArgs(nil)

	rootCmd.SetArgs([]string{"generate"})
	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error for missing prompt argument")
	}
	if !strings.Contains(err.Error(), "arg") {
		t.Errorf("error = %q, want it to mention arguments", err.Error())
	}
}

func TestJobStatusDecoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/job/job-123": `{
			"id":"job-123",
			"status":"deployed",
			"details":"Your app is live.",
			"filesReady":true,
			"artifactRef":"blob://job-123.tar.gz",
			"deployment":{"buildRef":"builds/b1","url":"https://app.example.run"}
		}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/v1/job/job-123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var job jobView
	if err := decodeJSON(resp, &job); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if job.Status != "deployed" {
		t.Errorf("status = %q, want deployed", job.Status)
	}
	if job.Deployment.URL != "https://app.example.run" {
		t.Errorf("deployment url = %q", job.Deployment.URL)
	}
	if !job.FilesReady {
		t.Error("filesReady = false, want true")
	}
}

func TestJobNotFoundError(t *testing.T) {
	ts := newTestServer(t, nil)

	client := ts.client()
	resp, err := client.get(ctx, "/v1/job/missing")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var job jobView
	err = decodeJSON(resp, &job)
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error = %q, want it to mention 404", err.Error())
	}
}

func TestChatRequest(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/chat": `{"modifications":[{"filePath":"src/App.jsx","action":{"type":"REPLACE_CONTENT","newContent":"..."}}]}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/v1/chat", map[string]string{
		"jobId":   "job-123",
		"message": "make the header blue",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Modifications []struct {
			FilePath string `json:"filePath"`
		} `json:"modifications"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(result.Modifications) != 1 {
		t.Fatalf("expected 1 modification, got %d", len(result.Modifications))
	}
	if result.Modifications[0].FilePath != "src/App.jsx" {
		t.Errorf("filePath = %q", result.Modifications[0].FilePath)
	}

	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["jobId"] != "job-123" {
		t.Errorf("body.jobId = %q", body["jobId"])
	}
	if body["message"] != "make the header blue" {
		t.Errorf("body.message = %q", body["message"])
	}
}

func TestProjectsListing(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/projects": `{"projects":[
			{"id":"a","prompt":"timer","status":"deployed","updatedAt":"2026-01-02T15:04:05Z"},
			{"id":"b","prompt":"tracker","status":"failed","updatedAt":"2026-01-03T15:04:05Z"}
		]}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/v1/projects")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var listing struct {
		Projects []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"projects"`
	}
	if err := decodeJSON(resp, &listing); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(listing.Projects) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(listing.Projects))
	}
	if listing.Projects[0].ID != "a" || listing.Projects[1].Status != "failed" {
		t.Errorf("unexpected listing: %+v", listing.Projects)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("a very long prompt indeed", 10); got != "a very ..." {
		t.Errorf("truncate long = %q", got)
	}
	if len(truncate("a very long prompt indeed", 10)) != 10 {
		t.Error("truncated string exceeds limit")
	}
}
