package cipoller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/veleda/pipetrack/internal/config"
)

func testClient(baseURL string) *Client {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(config.CIConfig{
		BaseURL: baseURL,
		Token:   "tok",
		Owner:   "acme",
		Repo:    "site",
	}, log)
}

func TestClientListWorkflowRunsSendsAuth(t *testing.T) {
	var gotPath, gotAuth, gotAccept, gotVersion string
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotVersion = r.Header.Get("X-GitHub-Api-Version")
		gotQuery = r.URL.Query()
		json.NewEncoder(w).Encode(map[string]any{
			"total_count": 2,
			"workflow_runs": []map[string]any{
				{"id": 202, "name": "Deploy Site", "status": "in_progress"},
				{"id": 201, "name": "Deploy Site", "status": "completed", "conclusion": "success"},
			},
		})
	}))
	defer srv.Close()

	// Trailing slash must not produce a double-slash URL.
	c := testClient(srv.URL + "/")
	runs, err := c.ListWorkflowRuns(context.Background(), "main", 5)
	if err != nil {
		t.Fatalf("ListWorkflowRuns: %v", err)
	}

	if gotPath != "/repos/acme/site/actions/runs" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAccept != "application/vnd.github+json" {
		t.Errorf("Accept = %q", gotAccept)
	}
	if gotVersion != "2022-11-28" {
		t.Errorf("X-GitHub-Api-Version = %q", gotVersion)
	}
	if got := gotQuery["per_page"]; len(got) != 1 || got[0] != "5" {
		t.Errorf("per_page = %v", got)
	}
	if got := gotQuery["branch"]; len(got) != 1 || got[0] != "main" {
		t.Errorf("branch = %v", got)
	}

	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2", len(runs))
	}
	if runs[0].ID != 202 || runs[1].ID != 201 {
		t.Errorf("run ids = %d, %d, want newest first", runs[0].ID, runs[1].ID)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": 7, "status": "completed", "conclusion": "success"})
	}))
	defer srv.Close()

	run, err := testClient(srv.URL).GetWorkflowRun(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetWorkflowRun: %v", err)
	}
	if run.ID != 7 || run.Conclusion != "success" {
		t.Errorf("run = %+v", run)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such run", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).GetWorkflowRun(context.Background(), 8)
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", apiErr.StatusCode)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want no retries", n)
	}
}

func TestClientListWorkflowJobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/site/actions/runs/42/jobs" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"total_count": 1,
			"jobs": []map[string]any{{
				"id": 9, "run_id": 42, "name": "build-site",
				"status": "completed", "conclusion": "success",
				"steps": []map[string]any{
					{"name": "checkout", "number": 1},
					{"name": "compile", "number": 2},
				},
			}},
		})
	}))
	defer srv.Close()

	jobs, err := testClient(srv.URL).ListWorkflowJobs(context.Background(), 42)
	if err != nil {
		t.Fatalf("ListWorkflowJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Name != "build-site" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if len(jobs[0].Steps) != 2 {
		t.Errorf("steps = %d, want 2", len(jobs[0].Steps))
	}
}

func TestClientDispatchWorkflow(t *testing.T) {
	var gotPath, gotMethod string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := testClient(srv.URL).DispatchWorkflow(context.Background(), "deploy.yml", "main", map[string]any{"campaign_id": "cmp_1"})
	if err != nil {
		t.Fatalf("DispatchWorkflow: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %q", gotMethod)
	}
	if gotPath != "/repos/acme/site/actions/workflows/deploy.yml/dispatches" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["ref"] != "main" {
		t.Errorf("ref = %v", gotBody["ref"])
	}
	inputs, _ := gotBody["inputs"].(map[string]any)
	if inputs["campaign_id"] != "cmp_1" {
		t.Errorf("inputs = %v", gotBody["inputs"])
	}
}

func TestClientDispatchWorkflowSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "workflow does not have workflow_dispatch trigger", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := testClient(srv.URL).DispatchWorkflow(context.Background(), "deploy.yml", "main", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an APIError", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", apiErr.StatusCode)
	}
}

func TestClientJobLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/site/actions/jobs/11/logs" {
			t.Errorf("path = %q", r.URL.Path)
		}
		io.WriteString(w, "##[group]Run tests\n##[error]exit 1\n")
	}))
	defer srv.Close()

	text, err := testClient(srv.URL).JobLogs(context.Background(), 11)
	if err != nil {
		t.Fatalf("JobLogs: %v", err)
	}
	if text != "##[group]Run tests\n##[error]exit 1\n" {
		t.Errorf("text = %q", text)
	}
}
