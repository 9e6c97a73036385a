package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Valstan/MatricaRMZ-sub000/internal/httpx"
	"github.com/Valstan/MatricaRMZ-sub000/internal/logging"
)

var errRefreshRejected = errors.New("refresh rejected by server")

func jsonMarshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Gateway wraps requests with bearer auth and performs exactly one
// refresh-and-retry on an authorization failure. When the refresh itself
// fails the local session is cleared and the original failed response is
// returned, forcing re-authentication upstream instead of looping.
type Gateway struct {
	provider Provider
	client   *http.Client
}

// NewGateway creates a Gateway over a session provider.
func NewGateway(provider Provider, client *http.Client) *Gateway {
	return &Gateway{provider: provider, client: client}
}

// Do executes the request through the retrying transport with the current
// access token attached.
func (g *Gateway) Do(ctx context.Context, req httpx.Request, opts httpx.Options) (*httpx.Response, error) {
	sess, err := g.provider.GetSession()
	if err != nil {
		return nil, err
	}
	if sess != nil && sess.AccessToken != "" {
		req = withBearer(req, sess.AccessToken)
	}

	resp, err := httpx.Do(ctx, g.client, req, opts)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}
	if sess == nil || sess.RefreshToken == "" {
		return resp, nil
	}

	token, refreshErr := g.provider.Refresh(ctx, sess.RefreshToken)
	if refreshErr != nil {
		logging.Warn("Token refresh failed, clearing session", map[string]interface{}{
			"status": resp.StatusCode,
		})
		if clearErr := g.provider.ClearSession(); clearErr != nil {
			logging.Error("Failed to clear session", clearErr)
		}
		return resp, nil
	}

	return httpx.Do(ctx, g.client, withBearer(req, token), opts)
}

// DoJSON is Do with JSON encoding/decoding, mirroring httpx.DoJSON.
func (g *Gateway) DoJSON(ctx context.Context, req httpx.Request, opts httpx.Options, out any) (*httpx.Response, error) {
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.Do(ctx, req, opts)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, &httpx.HTTPError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	if out != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, err
		}
	}
	return resp, nil
}

func withBearer(req httpx.Request, token string) httpx.Request {
	header := http.Header{}
	for k, vs := range req.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	header.Set("Authorization", "Bearer "+token)
	req.Header = header
	return req
}
