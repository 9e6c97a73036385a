package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync cycle and exit",
	Long: `Run a single full sync cycle: schema reconciliation, push of
pending local changes, pull of the server change feed, ledger replication
and a consistency report. Exits non-zero when the cycle cannot complete.`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		start := time.Now()
		result, err := app.engine.RunSync(ctx)
		app.shipLogs(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pushed: %d\n", result.Pushed)
		fmt.Printf("   Pulled: %d\n", result.Pulled)
		if result.PushErr != nil {
			fmt.Printf("   Push error: %v\n", result.PushErr)
		}
		if result.PullErr != nil {
			fmt.Printf("   Pull error: %v\n", result.PullErr)
		}
		if result.PushErr != nil || result.PullErr != nil {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
