// Package httpx provides the retrying HTTP fetch primitive used by every
// network call in the sync engine.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// ErrOffline is returned for transport-level failures when the caller opted
// into offline mode, so probes can distinguish "no connectivity" from a
// server error.
var ErrOffline = errors.New("offline")

// HTTPError is a non-2xx response surfaced as an error by DoJSON.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, body)
}

// Request describes one HTTP call. The body is held as bytes so the request
// can be rebuilt for every retry attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Options controls retry behavior for one call.
type Options struct {
	Attempts     int           // total attempts, minimum 1
	Timeout      time.Duration // per-attempt timeout
	BaseDelay    time.Duration // first backoff delay
	MaxDelay     time.Duration // backoff ceiling
	AllowOffline bool          // map transport failures to ErrOffline
}

// Response is a fully-read HTTP response.
type Response struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Do executes a request with bounded retries and exponential backoff with
// jitter. Transport errors and 5xx/429 statuses are retried; any other
// status is returned to the caller for classification. The response body is
// always fully read before returning.
func Do(ctx context.Context, client *http.Client, req Request, opts Options) (*Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	attempts := opts.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	var lastResp *Response
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, backoffDelay(opts, attempt)); err != nil {
				return nil, err
			}
		}

		resp, err := doOnce(ctx, client, req, opts.Timeout)
		if err != nil {
			lastErr = err
			lastResp = nil
			continue
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = &HTTPError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
			lastResp = resp
			continue
		}
		return resp, nil
	}

	// A retryable status on the final attempt is still a usable response.
	if lastResp != nil {
		return lastResp, nil
	}
	if opts.AllowOffline && isTransportError(lastErr) {
		return nil, ErrOffline
	}
	return nil, lastErr
}

// DoJSON executes a request carrying and expecting JSON. On a 2xx response
// the body is unmarshaled into out (when non-nil); any other status is
// returned as an *HTTPError.
func DoJSON(ctx context.Context, client *http.Client, req Request, opts Options, out any) (*Response, error) {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := Do(ctx, client, req, opts)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, &HTTPError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp, nil
}

func doOnce(ctx context.Context, client *http.Client, req Request, timeout time.Duration) (*Response, error) {
	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	start := time.Now()
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       data,
		Duration:   time.Since(start),
	}, nil
}

func backoffDelay(opts Options, attempt int) time.Duration {
	base := opts.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := opts.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	delay := base << uint(attempt-1)
	if delay > max || delay <= 0 {
		delay = max
	}
	// Full jitter over the upper half keeps retries spread out without
	// collapsing the minimum wait.
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) || errors.Is(err, context.DeadlineExceeded)
}
