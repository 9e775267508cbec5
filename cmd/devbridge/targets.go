package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/standardbeagle/devbridge/internal/daemon"
	"github.com/standardbeagle/devbridge/internal/dispatch"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List browser targets",
	Long: `List the browser's pages and frames.

Prints a table on a terminal and JSON otherwise, so the output can be piped
into jq.`,
	Args: cobra.NoArgs,
	RunE: runTargets,
}

func init() {
	rootCmd.AddCommand(targetsCmd)
	targetsCmd.Flags().Bool("json", false, "Always print JSON")
	targetsCmd.Flags().Bool("all", false, "Include targets that cannot host the handler")
}

func runTargets(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	all, _ := cmd.Flags().GetBool("all")

	return withDaemon(cmd, func(ctx context.Context, d *daemon.Daemon) error {
		targets, err := d.Targets(ctx)
		if err != nil {
			return err
		}
		if !all {
			targets = filterTargets(targets, dispatch.Eligible)
		}
		if asJSON || !isTerminal(cmd.OutOrStdout()) {
			return writeJSON(cmd.OutOrStdout(), targets)
		}
		printTargets(cmd.OutOrStdout(), targets)
		return nil
	})
}

func filterTargets(targets []dispatch.Target, pred dispatch.Predicate) []dispatch.Target {
	out := make([]dispatch.Target, 0, len(targets))
	for _, t := range targets {
		if pred(t) {
			out = append(out, t)
		}
	}
	return out
}

func printTargets(w io.Writer, targets []dispatch.Target) {
	if len(targets) == 0 {
		fmt.Fprintln(w, "No targets")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tELIGIBLE\tISOLATED\tURL")
	for _, t := range targets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.ID, yesNo(t.Eligible), yesNo(t.Isolated), t.URL)
	}
	tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
