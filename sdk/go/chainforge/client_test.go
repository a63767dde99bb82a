package chainforge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestSubmitPostsPrompt(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/workflows" {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var sub Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if sub.Prompt != "Create ERC20 TestToken" || !sub.Options.SkipDeployment {
			t.Fatalf("unexpected submission: %+v", sub)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Job{ID: "wf-1", Status: "pending", MaxAttempts: 2})
	}))

	job, err := client.Submit(context.Background(), Submission{
		Prompt:  "Create ERC20 TestToken",
		Options: RunOptions{SkipDeployment: true},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ID != "wf-1" || job.Status != "pending" {
		t.Fatalf("unexpected job: %+v", job)
	}
}

func TestListEncodesFilters(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("limit") != "5" || q.Get("status") != "failed,succeeded" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Job{{ID: "a"}, {ID: "b"}})
	}))

	list, err := client.List(context.Background(), ListOptions{Limit: 5, Statuses: []string{"failed", "succeeded"}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(list))
	}
}

func TestGetReturnsAPIError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "NOT_FOUND", "message": "工作流不存在"})
	}))

	_, err := client.Get(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWaitPollsUntilDone(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/workflows/wf-2" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		status := "running"
		if calls.Add(1) >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(Workflow{Job: &Job{ID: "wf-2", Status: status,
			Outcome: &Outcome{WorkflowStatus: "success"}}})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := client.Wait(ctx, "wf-2", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != "succeeded" || calls.Load() != 3 {
		t.Fatalf("unexpected result: %+v after %d calls", job, calls.Load())
	}
}
