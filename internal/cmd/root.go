// Package cmd implements the acweb command line.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yingjunnan/acweb/internal/config"
	"github.com/yingjunnan/acweb/internal/database"
	"github.com/yingjunnan/acweb/internal/logging"
)

var (
	verbose   bool
	serverURL string
)

var rootCmd = &cobra.Command{
	Use:   "acweb",
	Short: "Client for the acweb web terminal service",
	Long: `acweb signs in to a web terminal service, keeps a list of named terminal
sessions across runs, and attaches the local terminal to any of them.

Settings are read from ACWEB_* environment variables (ACWEB_SERVER_URL,
ACWEB_DATA_PATH, ACWEB_REQUEST_TIMEOUT, ...).`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "also write logs to stderr")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "service base URL (overrides ACWEB_SERVER_URL)")
}

func setup(cmd *cobra.Command, args []string) error {
	s, err := config.Parse()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serverURL != "" {
		s.ServerURL = serverURL
	}
	config.Cfg = s

	logging.Init(verbose)
	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	err := database.Close()
	logging.Close()
	return err
}
