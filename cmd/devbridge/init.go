package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/devbridge/internal/bridge"
	"github.com/standardbeagle/devbridge/internal/config"
	"github.com/standardbeagle/devbridge/internal/daemon"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Write a documented " + config.ConfigFileName + " with the defaults",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		path := filepath.Join(dir, config.ConfigFileName)
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "devbridge %s (handler protocol %s)\n", daemon.Version, bridge.Version)
		if daemon.GitCommit != "" {
			fmt.Fprintf(out, "commit: %s\n", daemon.GitCommit)
		}
		if daemon.BuildTime != "" {
			fmt.Fprintf(out, "built:  %s\n", daemon.BuildTime)
		}
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
}
