package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/devbridge/internal/bridge"
	"github.com/standardbeagle/devbridge/internal/daemon"
	"github.com/standardbeagle/devbridge/internal/dispatch"
	"github.com/standardbeagle/devbridge/internal/protocol"
)

// errSomeFailed makes the process exit non-zero when any target failed.
var errSomeFailed = errors.New("command failed on one or more targets")

var pingCmd = &cobra.Command{
	Use:   "ping <target-id>",
	Short: "Check whether a target's handler answers, without installing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPing,
}

var sendCmd = &cobra.Command{
	Use:   "send <kind> [key=value...]",
	Short: "Send a command to one target or broadcast it",
	Long: `Send a command to the handler in one target (--target) or in every
eligible target.

Values are parsed as JSON when they can be, so theme=dark, count=3 and
enabled=true all do what you expect. Older kind names such as
toggle-debugger are accepted.

Examples:
  devbridge send PING --target 8F3A
  devbridge send CHANGE_THEME theme=high-contrast
  devbridge send get-state`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Show or hide the overlay everywhere (or in --target)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return deliver(cmd, protocol.Toggle())
	},
}

var themeCmd = &cobra.Command{
	Use:       "theme <name>",
	Short:     "Change the overlay theme everywhere (or in --target)",
	Args:      cobra.ExactArgs(1),
	ValidArgs: bridge.Themes,
	RunE: func(cmd *cobra.Command, args []string) error {
		return deliver(cmd, protocol.ChangeTheme(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
	for _, c := range []*cobra.Command{sendCmd, toggleCmd, themeCmd} {
		rootCmd.AddCommand(c)
		c.Flags().String("target", "", "Target ID (default: all eligible targets)")
		c.Flags().Bool("json", false, "Print results as JSON")
	}
}

func runPing(cmd *cobra.Command, args []string) error {
	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		ok, err := d.Ping(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: no handler\n", args[0])
			return errSomeFailed
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: PONG\n", args[0])
		return nil
	})
}

func runSend(cmd *cobra.Command, args []string) error {
	c, err := parseCommand(args[0], args[1:])
	if err != nil {
		return err
	}
	return deliver(cmd, c)
}

// parseCommand builds a command from a kind and key=value pairs.
func parseCommand(kind string, pairs []string) (protocol.Command, error) {
	raw := map[string]any{"kind": kind}
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return protocol.Command{}, fmt.Errorf("invalid field %q (want key=value)", p)
		}
		if key == "kind" {
			return protocol.Command{}, errors.New("kind is given as the first argument")
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		raw[key] = v
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return protocol.Command{}, err
	}
	return protocol.ParseLegacy(data)
}

func deliver(cmd *cobra.Command, c protocol.Command) error {
	target, _ := cmd.Flags().GetString("target")
	asJSON, _ := cmd.Flags().GetBool("json")

	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		var results dispatch.Results
		if target != "" {
			out, err := d.Send(ctx, target, c)
			if err != nil {
				return err
			}
			results = dispatch.Results{target: out}
		} else {
			var err error
			results, err = d.Broadcast(ctx, c, nil)
			if err != nil {
				return err
			}
		}

		if asJSON || !isTerminal(cmd.OutOrStdout()) {
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
		} else {
			printResults(cmd.OutOrStdout(), c, results)
		}
		if results.Failed() > 0 {
			return errSomeFailed
		}
		return nil
	})
}

func printResults(w io.Writer, c protocol.Command, results dispatch.Results) {
	if len(results) == 0 {
		fmt.Fprintf(w, "%s: no eligible targets\n", c.Kind())
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tRESULT\tATTEMPTS\tDETAIL")
	for _, id := range slices.Sorted(maps.Keys(results)) {
		o := results[id]
		if o.OK() {
			fmt.Fprintf(tw, "%s\tok\t%d\t%s\n", id, o.Attempts, string(o.Value))
		} else {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%v\n", id, o.Class(), o.Attempts, o.Err)
		}
	}
	tw.Flush()
	fmt.Fprintf(w, "%s: %d ok, %d failed\n", c.Kind(), results.Succeeded(), results.Failed())
}
