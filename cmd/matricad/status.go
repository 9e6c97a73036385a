package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Valstan/MatricaRMZ-sub000/internal/models"
	"github.com/Valstan/MatricaRMZ-sub000/internal/settings"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Long: `Display per-table pending and error counts, the server cursor
position and the time of the last successful sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := newApp()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer app.Close()

		store := app.engine.Store()

		fmt.Printf("%-18s %8s %8s\n", "TABLE", "PENDING", "ERROR")
		totalPending, totalError := 0, 0
		for _, table := range models.SyncOrder {
			pending, err := store.CountByStatus(table, models.StatusPending)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", table, err)
				os.Exit(1)
			}
			errCount, err := store.CountByStatus(table, models.StatusError)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", table, err)
				os.Exit(1)
			}
			totalPending += pending
			totalError += errCount
			fmt.Printf("%-18s %8d %8d\n", table, pending, errCount)
		}
		fmt.Printf("%-18s %8d %8d\n", "total", totalPending, totalError)

		cursor, _ := app.settings.GetInt64(settings.KeyServerCursor)
		fmt.Printf("\nServer cursor: %d\n", cursor)
		fmt.Printf("Client id:     %s\n", app.clientID)
		if lastSync, _ := app.settings.GetInt64(settings.KeyLastSyncAt); lastSync > 0 {
			fmt.Printf("Last sync:     %s\n", time.UnixMilli(lastSync).Format(time.RFC3339))
		} else {
			fmt.Printf("Last sync:     never\n")
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
