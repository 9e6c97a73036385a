package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Valstan/MatricaRMZ-sub000/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "matricad",
	Short: "MatricaRMZ offline-first sync client",
	Long: `matricad keeps a local MatricaRMZ database in sync with the central
server: it pushes pending local changes, pulls the server change feed,
repairs local schema drift and mirrors the audit ledger.

Configuration is read from --config, $MATRICARMZ_* environment variables
or ~/.matricarmz/config.yaml, in that order of precedence.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.matricarmz/config.yaml)")
	rootCmd.PersistentFlags().String("api-base", "", "server API base URL")
	rootCmd.PersistentFlags().String("data-dir", "", "local data directory (default ~/.matricarmz)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	viper.BindPFlag("api_base", rootCmd.PersistentFlags().Lookup("api-base"))
	viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))

	viper.SetDefault("sync_interval", 5*time.Minute)
	viper.SetDefault("ws_listen", "localhost:8090")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(filepath.Join(home, ".matricarmz"))
		}
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MATRICARMZ")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config %s: %v\n", cfgFile, err)
			os.Exit(1)
		}
	}

	if viper.GetString("data_dir") == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot determine home directory, set data_dir explicitly: %v\n", err)
			os.Exit(1)
		}
		viper.Set("data_dir", filepath.Join(home, ".matricarmz"))
	}

	level := logging.LevelInfo
	if viper.GetBool("debug") {
		level = logging.LevelDebug
	}
	if logFile := viper.GetString("log_file"); logFile != "" {
		logging.InitFile(logFile, level)
	} else {
		logging.Init(os.Stderr, level)
	}
}
