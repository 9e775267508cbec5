package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/standardbeagle/devbridge/internal/daemon"
	"github.com/standardbeagle/devbridge/internal/debug"
	"github.com/standardbeagle/devbridge/internal/tools"
)

const serverName = "devbridge"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay hub and an MCP server on stdio",
	Long: `Run devbridge as a long-lived process.

The relay hub serves the handler bundle and the websocket that page-side
forwarders connect to, which is how commands reach handlers inside sandboxed
frames. The MCP server on stdio exposes browser_targets, browser_command and
bridge_status.

Use --no-mcp to run only the hub (for example from a terminal).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("no-mcp", false, "Run the hub only; wait for Ctrl-C instead of serving MCP on stdio")
	serveCmd.Flags().String("log-file", "", "Also write logs to this file in the user cache directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if name, _ := cmd.Flags().GetString("log-file"); name != "" {
		if err := debug.SetLogFile(name); err != nil {
			return err
		}
	}
	noMCP, _ := cmd.Flags().GetBool("no-mcp")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Logs go to stderr; stdout belongs to the MCP transport.
	log := debug.Logger("devbridge")

	d := daemon.New(cfg, daemon.Options{Log: log})
	if err := d.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), stopTimeout)
		defer stop()
		if err := d.Stop(stopCtx); err != nil {
			log.Error(err, "shutdown")
		}
	}()

	if info := d.Info(); info.Hub != nil {
		fmt.Fprintf(os.Stderr, "devbridge %s: hub on %s, bundle at %s\n", daemon.Version, info.Hub.Addr, info.Hub.BundleURL)
	}

	if noMCP {
		<-ctx.Done()
		return nil
	}

	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    serverName,
			Version: daemon.Version,
		},
		&mcp.ServerOptions{
			Instructions: `Browser devtools bridge.

Delivers commands to the devtools overlay handler in every open browser tab,
installing the handler when a page lacks it. Handlers in sandboxed frames are
reached through the relay hub.

Available tools:
- browser_targets: list tabs and frames
- browser_command: send PING, TOGGLE, CHANGE_THEME or GET_STATE to one or all targets
- bridge_status: version, connections and pending relay requests`,
		},
	)
	tools.NewBridgeTools(d).Register(server)

	log.Info("serving MCP on stdio", "version", daemon.Version)
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}
