// Command devbridge drives the devtools handler inside a running browser.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/devbridge/internal/config"
	"github.com/standardbeagle/devbridge/internal/daemon"
	"github.com/standardbeagle/devbridge/internal/debug"
)

const stopTimeout = 5 * time.Second

var rootCmd = &cobra.Command{
	Use:   "devbridge",
	Short: "Send commands to the devtools overlay in every open browser tab",
	Long: `devbridge talks to a Chromium browser over its remote debugging port,
installs the devtools handler into each page that lacks one, and delivers
commands with retries.

Start the browser with --remote-debugging-port=9222, then:
  devbridge targets
  devbridge toggle
  devbridge theme dark
  devbridge send GET_STATE --target <id>
  devbridge serve          # relay hub + MCP server on stdio`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if on, _ := cmd.Flags().GetBool("debug"); on {
			debug.Enable()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to "+config.ConfigFileName+" (default: searched upward from the working directory)")
	rootCmd.PersistentFlags().String("browser", "", "Browser remote debugging endpoint (overrides config)")
	rootCmd.PersistentFlags().Bool("debug", false, "Verbose logging to stderr")
}

// loadConfig reads the config named by --config, or the nearest one, and
// applies --browser.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		var cwd string
		cwd, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg, err = config.Load(cwd)
	}
	if err != nil {
		return nil, err
	}

	if endpoint, _ := cmd.Flags().GetString("browser"); endpoint != "" {
		cfg.Browser.Endpoint = endpoint
	}
	if cfg.Debug {
		debug.Enable()
	}
	return cfg, nil
}

// withDaemon runs fn against a started daemon that does not bind the hub,
// so one-shot commands can run next to `devbridge serve`.
func withDaemon(cmd *cobra.Command, fn func(ctx context.Context, d *daemon.Daemon) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	d := daemon.New(cfg, daemon.Options{NoHub: true, Log: debug.Logger("devbridge")})
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = d.Stop(stopCtx)
	}()
	return fn(ctx, d)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		debug.Close()
		os.Exit(1)
	}
	debug.Close()
}
