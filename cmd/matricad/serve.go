package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apperrors "github.com/Valstan/MatricaRMZ-sub000/internal/errors"
	"github.com/Valstan/MatricaRMZ-sub000/internal/logging"
)

// shipInterval spaces out log shipments while the daemon runs.
const shipInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run periodic sync with a local WebSocket progress feed",
	Long: `Run the sync engine on an interval (sync_interval, default 5m) and
serve sync progress events to local UI clients over WebSocket at ws_listen
(default localhost:8090, path /ws).

Each cycle is gated on a short server health probe; an unreachable server
skips the cycle instead of burning the full retry budget while offline.`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hub := NewWSHub()
		go hub.PublishEngineEvents(app.engine.Events())

		mux := http.NewServeMux()
		mux.HandleFunc("/ws", HandleWebSocket(hub))
		server := &http.Server{Addr: viper.GetString("ws_listen"), Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error("WebSocket server failed", err)
			}
		}()
		logging.Info("Serving sync progress events", map[string]interface{}{
			"listen": viper.GetString("ws_listen"),
		})

		interval := viper.GetDuration("sync_interval")
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		syncTicker := time.NewTicker(interval)
		defer syncTicker.Stop()
		shipTicker := time.NewTicker(shipInterval)
		defer shipTicker.Stop()

		runCycle(ctx, app)
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				server.Shutdown(shutdownCtx)
				cancel()
				app.shipLogs(context.Background())
				return
			case <-shipTicker.C:
				app.shipLogs(ctx)
			case <-syncTicker.C:
				runCycle(ctx, app)
			}
		}
	},
}

// runCycle executes one sync cycle when the server is reachable. Auth and
// rebuild failures are logged and left for the operator; the daemon keeps
// running so a later cycle can succeed once the user signs in again.
func runCycle(ctx context.Context, app *app) {
	if ctx.Err() != nil {
		return
	}
	if !app.serverReachable(ctx) {
		logging.Debug("Server unreachable, skipping sync cycle", nil)
		return
	}
	if _, err := app.engine.RunSync(ctx); err != nil {
		if apperrors.Is(err, apperrors.ErrAuthRequired) {
			logging.Warn("Sync requires authentication", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		logging.Error("Sync cycle failed", err)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
