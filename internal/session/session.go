// Package session manages the local auth session and wraps every server
// request with bearer auth.
package session

import (
	"context"
	"net/http"
	"time"

	"github.com/Valstan/MatricaRMZ-sub000/internal/httpx"
	"github.com/Valstan/MatricaRMZ-sub000/internal/logging"
	"github.com/Valstan/MatricaRMZ-sub000/internal/settings"
)

// Session holds the current auth material.
type Session struct {
	AccessToken  string
	RefreshToken string
	UserID       string
}

// Provider exposes the auth session to the sync engine.
type Provider interface {
	// GetSession returns the current session, or nil when signed out.
	GetSession() (*Session, error)
	// Refresh exchanges a refresh token for a new access token.
	Refresh(ctx context.Context, refreshToken string) (string, error)
	// ClearSession drops all local auth material.
	ClearSession() error
}

// SettingsProvider persists the session in the local settings store and
// refreshes tokens against the server's auth endpoint.
type SettingsProvider struct {
	settings *settings.Store
	apiBase  string
	client   *http.Client
}

// NewSettingsProvider creates a Provider over the settings store.
func NewSettingsProvider(s *settings.Store, apiBase string, client *http.Client) *SettingsProvider {
	return &SettingsProvider{settings: s, apiBase: apiBase, client: client}
}

// GetSession implements Provider.
func (p *SettingsProvider) GetSession() (*Session, error) {
	access, err := p.settings.GetString(settings.KeyAccessToken)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, nil
	}
	refresh, err := p.settings.GetString(settings.KeyRefreshToken)
	if err != nil {
		return nil, err
	}
	userID, err := p.settings.GetString(settings.KeyUserID)
	if err != nil {
		return nil, err
	}
	return &Session{AccessToken: access, RefreshToken: refresh, UserID: userID}, nil
}

// SetSession stores auth material after a successful sign-in.
func (p *SettingsProvider) SetSession(s *Session) error {
	if err := p.settings.SetString(settings.KeyAccessToken, s.AccessToken); err != nil {
		return err
	}
	if err := p.settings.SetString(settings.KeyRefreshToken, s.RefreshToken); err != nil {
		return err
	}
	return p.settings.SetString(settings.KeyUserID, s.UserID)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	OK          bool   `json:"ok"`
	AccessToken string `json:"access_token"`
}

// Refresh implements Provider.
func (p *SettingsProvider) Refresh(ctx context.Context, refreshToken string) (string, error) {
	body, _ := jsonMarshal(refreshRequest{RefreshToken: refreshToken})
	var out refreshResponse
	_, err := httpx.DoJSON(ctx, p.client, httpx.Request{
		Method: http.MethodPost,
		URL:    p.apiBase + "/auth/refresh",
		Body:   body,
	}, httpx.Options{Attempts: 1, Timeout: 15 * time.Second}, &out)
	if err != nil {
		return "", err
	}
	if !out.OK || out.AccessToken == "" {
		return "", errRefreshRejected
	}
	if err := p.settings.SetString(settings.KeyAccessToken, out.AccessToken); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

// ClearSession implements Provider.
func (p *SettingsProvider) ClearSession() error {
	for _, key := range []string{settings.KeyAccessToken, settings.KeyRefreshToken, settings.KeyUserID} {
		if err := p.settings.Delete(key); err != nil {
			return err
		}
	}
	logging.Info("Session cleared, re-authentication required")
	return nil
}
