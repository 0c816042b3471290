package agent

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

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "reconnected"})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, ts.Client())
	result, err := client.Reconnect(context.Background(), "dev-a", nil)
	if err != nil {
		t.Fatalf("expected retries to succeed: %v", err)
	}
	if result.Status != "reconnected" {
		t.Fatalf("unexpected status %q", result.Status)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "bad_request", "message": "invalid"},
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, ts.Client())
	_, err := client.Reconnect(context.Background(), "dev-a", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected http error, got %v", err)
	}
	if httpErr.StatusCode != http.StatusBadRequest || httpErr.Code != "bad_request" {
		t.Fatalf("unexpected error detail: %+v", httpErr)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("4xx must not retry, got %d attempts", got)
	}
}

func TestClientMapsSyncBusy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "sync_busy", "message": "sync in progress"},
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, ts.Client())
	_, err := client.DeltaPull(context.Background(), "dev-a", nil, 0)
	if !errors.Is(err, ErrServerBusy) {
		t.Fatalf("expected server busy sentinel, got %v", err)
	}
}

func TestRetryDelayBacksOffAndCaps(t *testing.T) {
	client := NewClient("http://example.invalid", nil)
	if d := client.retryDelay(1, ""); d != 100*time.Millisecond {
		t.Fatalf("attempt 1: expected 100ms, got %s", d)
	}
	if d := client.retryDelay(2, ""); d != 200*time.Millisecond {
		t.Fatalf("attempt 2: expected 200ms, got %s", d)
	}
	if d := client.retryDelay(10, ""); d != 2*time.Second {
		t.Fatalf("deep attempt must cap at max delay, got %s", d)
	}
	if d := client.retryDelay(1, "1"); d != time.Second {
		t.Fatalf("retry-after header must win, got %s", d)
	}
	if d := client.retryDelay(1, "3600"); d != 2*time.Second {
		t.Fatalf("retry-after is still capped, got %s", d)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := parseRetryAfter("2"); d != 2*time.Second {
		t.Fatalf("expected 2s, got %s", d)
	}
	if d := parseRetryAfter(""); d != 0 {
		t.Fatalf("expected 0 for empty header, got %s", d)
	}
	if d := parseRetryAfter("garbage"); d != 0 {
		t.Fatalf("expected 0 for malformed header, got %s", d)
	}
}
