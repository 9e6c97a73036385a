package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Valstan/MatricaRMZ-sub000/internal/crypto"
	"github.com/Valstan/MatricaRMZ-sub000/internal/db"
	"github.com/Valstan/MatricaRMZ-sub000/internal/httpx"
	"github.com/Valstan/MatricaRMZ-sub000/internal/logging"
	"github.com/Valstan/MatricaRMZ-sub000/internal/session"
	"github.com/Valstan/MatricaRMZ-sub000/internal/settings"
	"github.com/Valstan/MatricaRMZ-sub000/internal/sync"
	"github.com/Valstan/MatricaRMZ-sub000/internal/uuid"
)

// app bundles the wired collaborators every subcommand needs.
type app struct {
	database *db.DB
	settings *settings.Store
	gateway  *session.Gateway
	engine   *sync.Engine
	buffer   *logging.ShipBuffer
	apiBase  string
	clientID string
}

// newApp opens local storage and wires the sync engine from configuration.
func newApp() (*app, error) {
	apiBase := strings.TrimRight(viper.GetString("api_base"), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("api_base is not configured")
	}

	database, err := db.Open(viper.GetString("data_dir"))
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, err
	}

	set := settings.NewStore(database.DB)
	clientID, err := ensureClientID(set)
	if err != nil {
		database.Close()
		return nil, err
	}

	var ring *crypto.Keyring
	if keys := viper.GetStringSlice("encryption_keys"); len(keys) > 0 {
		ring, err = crypto.ParseKeyring(keys)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("invalid encryption_keys: %w", err)
		}
	}

	httpClient := &http.Client{}
	provider := session.NewSettingsProvider(set, apiBase, httpClient)
	gateway := session.NewGateway(provider, httpClient)

	engine, err := sync.NewEngine(database, gateway, sync.Config{
		APIBase:  apiBase,
		ClientID: clientID,
		Ring:     ring,
	})
	if err != nil {
		database.Close()
		return nil, err
	}

	buffer := logging.NewShipBuffer(1000)
	logging.Get().AttachBuffer(buffer)

	return &app{
		database: database,
		settings: set,
		gateway:  gateway,
		engine:   engine,
		buffer:   buffer,
		apiBase:  apiBase,
		clientID: clientID,
	}, nil
}

func (a *app) Close() {
	if err := a.database.Close(); err != nil {
		logging.Error("Failed to close database", err)
	}
}

// ensureClientID returns the stable client identifier, allocating and
// persisting one on first run.
func ensureClientID(set *settings.Store) (string, error) {
	id, err := set.GetString(settings.KeyClientID)
	if err != nil {
		return "", err
	}
	if id != "" {
		return id, nil
	}
	id = uuid.New()
	if err := set.SetString(settings.KeyClientID, id); err != nil {
		return "", err
	}
	return id, nil
}

// serverReachable probes the server health endpoint. An unreachable server
// is normal for an offline-first client and skips the cycle quietly.
func (a *app) serverReachable(ctx context.Context) bool {
	_, err := httpx.Do(ctx, nil, httpx.Request{
		Method: http.MethodGet,
		URL:    a.apiBase + "/health",
	}, httpx.Options{
		Attempts:     2,
		Timeout:      6 * time.Second,
		BaseDelay:    500 * time.Millisecond,
		AllowOffline: true,
	})
	if err == httpx.ErrOffline {
		return false
	}
	if err != nil {
		logging.Debug("Health probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}

// shipLogs drains the buffered log entries to the server. Entries are
// dropped on failure; the buffer exists to survive bursts, not outages.
func (a *app) shipLogs(ctx context.Context) {
	entries := a.buffer.Drain()
	if len(entries) == 0 {
		return
	}
	body, err := json.Marshal(map[string]interface{}{
		"client_id": a.clientID,
		"entries":   entries,
		"dropped":   a.buffer.Dropped(),
	})
	if err != nil {
		return
	}
	_, err = a.gateway.DoJSON(ctx, httpx.Request{
		Method: http.MethodPost,
		URL:    a.apiBase + "/diagnostics/client-logs",
		Body:   body,
	}, httpx.Options{
		Attempts:     1,
		Timeout:      30 * time.Second,
		AllowOffline: true,
	}, nil)
	if err != nil && err != httpx.ErrOffline {
		logging.Debug("Log shipment failed", map[string]interface{}{"error": err.Error()})
	}
}
