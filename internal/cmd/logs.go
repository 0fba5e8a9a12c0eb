package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yingjunnan/acweb/internal/config"
	"github.com/yingjunnan/acweb/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect the client log",
}

var logsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the last lines of the client log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, err := logging.ReadTail(tailLines)
		if err != nil {
			return err
		}
		if tail != "" {
			fmt.Fprintln(cmd.OutOrStdout(), tail)
		}
		return nil
	},
}

var logsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Truncate the client log",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Clear(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %s.\n", config.Cfg.LogPath)
		return nil
	},
}

var tailLines int

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.AddCommand(logsTailCmd)
	logsCmd.AddCommand(logsClearCmd)
	logsTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 50, "number of lines")
}
