package civicnotice

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func sampleRequest() NoticeRequest {
	return NoticeRequest{
		Title:          "Road Closure",
		Body:           "Main St closed for repair",
		Date:           "15/08/2024",
		Location:       "Main St",
		Audience:       "Residents",
		Category:       "maintenance",
		Department:     "Public Works",
		ContactOfficer: "A. Kumar",
		ContactNumber:  "1234567890",
		Email:          "a@x.gov",
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL+"/", srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestGenerateNoticeReturnsText(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate_notice" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req NoticeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if req.Title != "Road Closure" {
			t.Errorf("unexpected title %q", req.Title)
		}
		_, _ = w.Write([]byte(`{"message":"# PUBLIC NOTICE","error":null}`))
	})

	text, err := client.GenerateNotice(context.Background(), sampleRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "# PUBLIC NOTICE" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestGenerateNoticeSurfacesPipelineFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"message":"","error":"[STAGE_EXECUTION_FAILED] draft stage failed"}`))
	})

	_, err := client.GenerateNotice(context.Background(), sampleRequest())
	var noticeErr *NoticeError
	if !errors.As(err, &noticeErr) {
		t.Fatalf("expected NoticeError, got %T %v", err, err)
	}
	if noticeErr.Message != "[STAGE_EXECUTION_FAILED] draft stage failed" {
		t.Fatalf("unexpected message %q", noticeErr.Message)
	}
}

func TestGenerateNoticeValidationError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"","error":"missing required fields: title"}`))
	})

	_, err := client.GenerateNotice(context.Background(), NoticeRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "missing required fields: title" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestSubmitAndWaitForNotice(t *testing.T) {
	polls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/notices":
			var sub NoticeSubmission
			if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
				t.Errorf("decode submission: %v", err)
			}
			if sub.ID != "job-1" || sub.Department != "Public Works" {
				t.Errorf("unexpected submission: %+v", sub)
			}
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"id":"job-1","status":"pending"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/notices/job-1":
			polls++
			job := NoticeJob{ID: "job-1", Status: "running"}
			if polls > 1 {
				job.Status = "succeeded"
				job.Finished = true
				job.Result = &NoticeResult{Draft: "draft", Notice: "final"}
			}
			_ = json.NewEncoder(w).Encode(job)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	receipt, err := client.SubmitNotice(ctx, NoticeSubmission{ID: "job-1", NoticeRequest: sampleRequest()})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.Status != "pending" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}

	job, err := client.WaitForNotice(ctx, receipt.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Result == nil || job.Result.Notice != "final" {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestGetNoticeNotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"TASK_NOT_FOUND","message":"[TASK_NOT_FOUND] task not found"}}`))
	})

	_, err := client.GetNotice(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "TASK_NOT_FOUND" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient("localhost:8080", nil); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}
