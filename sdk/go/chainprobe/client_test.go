package chainprobe

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

func TestSubmitRunSendsTokenAndPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected authorization %q", got)
		}
		var sub Submission
		if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Run{ID: "run-1", Target: sub.Target, Status: StatusPending, MaxRetries: 3})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetToken("secret")
	run, err := client.SubmitRun(context.Background(), Submission{Target: "0x00000000000000000000000000000000000000aa"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.ID != "run-1" || run.Status != StatusPending {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"TASK_NOT_FOUND","message":"run not found"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetRun(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestWaitRunPollsUntilDone(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs/run-9" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		run := Run{ID: "run-9", Status: StatusRunning, MaxRetries: 3, Attempts: 1}
		if calls.Add(1) >= 3 {
			run.Status = StatusSucceeded
			run.Result = &Result{Status: "completed", Report: "clean", Steps: 4}
		}
		_ = json.NewEncoder(w).Encode(run)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	run, err := client.WaitRun(ctx, "run-9", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !run.Done() || run.Result == nil || run.Result.Report != "clean" {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestListRunsEncodesQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "failed,pending" || q.Get("limit") != "5" || q.Get("q") != "vault" || q.Get("chain") != "sepolia" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"runs":[{"id":"a"},{"id":"b"}],"count":2}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	runs, err := client.ListRuns(context.Background(), ListOptions{Status: []string{"failed", "pending"}, Chain: "sepolia", Limit: 5, Query: "vault"})
	if err != nil || len(runs) != 2 {
		t.Fatalf("unexpected list %v %v", runs, err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("not a url", nil); err == nil {
		t.Fatalf("expected error")
	}
}
