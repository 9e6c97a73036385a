// Package httpx tests for the retrying HTTP client.
package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// TestDoRetriesServerErrors verifies 5xx responses are retried until a
// success arrives.
func TestDoRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := Do(context.Background(), nil, Request{Method: http.MethodGet, URL: srv.URL}, Options{
		Attempts:  5,
		Timeout:   2 * time.Second,
		BaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

// TestDoReturnsNonRetryableStatus verifies 4xx responses come back on the
// first attempt for the caller to classify.
func TestDoReturnsNonRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte("duplicate key"))
	}))
	defer srv.Close()

	resp, err := Do(context.Background(), nil, Request{Method: http.MethodGet, URL: srv.URL}, Options{
		Attempts:  5,
		Timeout:   2 * time.Second,
		BaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
	if string(resp.Body) != "duplicate key" {
		t.Errorf("body = %q, want duplicate key", resp.Body)
	}
}

// TestDoExhaustedRetriesReturnsLastResponse verifies a retryable status on
// the final attempt is still returned as a usable response.
func TestDoExhaustedRetriesReturnsLastResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	resp, err := Do(context.Background(), nil, Request{Method: http.MethodGet, URL: srv.URL}, Options{
		Attempts:  2,
		Timeout:   2 * time.Second,
		BaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

// TestDoAllowOffline verifies transport failures map to ErrOffline when
// the caller opted in.
func TestDoAllowOffline(t *testing.T) {
	_, err := Do(context.Background(), nil, Request{
		Method: http.MethodGet,
		URL:    "http://127.0.0.1:1", // nothing listens here
	}, Options{
		Attempts:     2,
		Timeout:      500 * time.Millisecond,
		BaseDelay:    time.Millisecond,
		AllowOffline: true,
	})
	if err != ErrOffline {
		t.Errorf("Do() error = %v, want ErrOffline", err)
	}
}

// TestDoJSON verifies decoding on 2xx and *HTTPError on other statuses.
func TestDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte(`{"ok":true,"value":7}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("invalid row in entities"))
		}
	}))
	defer srv.Close()

	var out struct {
		OK    bool  `json:"ok"`
		Value int64 `json:"value"`
	}
	_, err := DoJSON(context.Background(), nil, Request{Method: http.MethodGet, URL: srv.URL + "/ok"}, Options{
		Attempts: 1, Timeout: 2 * time.Second,
	}, &out)
	if err != nil {
		t.Fatalf("DoJSON() error = %v", err)
	}
	if !out.OK || out.Value != 7 {
		t.Errorf("decoded = %+v, want ok true value 7", out)
	}

	_, err = DoJSON(context.Background(), nil, Request{Method: http.MethodGet, URL: srv.URL + "/bad"}, Options{
		Attempts: 1, Timeout: 2 * time.Second,
	}, nil)
	httpErr, ok := err.(*HTTPError)
	if !ok {
		t.Fatalf("DoJSON() error = %T, want *HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", httpErr.StatusCode)
	}
	if httpErr.Body != "invalid row in entities" {
		t.Errorf("Body = %q", httpErr.Body)
	}
}

// TestBackoffDelayCapped verifies the exponential delay never exceeds the
// configured ceiling.
func TestBackoffDelayCapped(t *testing.T) {
	opts := Options{BaseDelay: time.Second, MaxDelay: 4 * time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		if d := backoffDelay(opts, attempt); d > 4*time.Second {
			t.Errorf("backoffDelay(attempt %d) = %v, want <= 4s", attempt, d)
		}
	}
}
