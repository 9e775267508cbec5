// Package tools exposes the bridge to MCP clients.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/standardbeagle/devbridge/internal/daemon"
	"github.com/standardbeagle/devbridge/internal/dispatch"
	"github.com/standardbeagle/devbridge/internal/protocol"
)

// Bridge is what the tools drive. *daemon.Daemon implements it.
type Bridge interface {
	Targets(ctx context.Context) ([]dispatch.Target, error)
	Send(ctx context.Context, id string, cmd protocol.Command) (dispatch.Outcome, error)
	Broadcast(ctx context.Context, cmd protocol.Command, pred dispatch.Predicate) (dispatch.Results, error)
	Info() daemon.Info
}

// TargetsInput defines input for browser_targets.
type TargetsInput struct {
	All bool `json:"all,omitempty" jsonschema:"Include targets that cannot host the handler (chrome://, devtools://)"`
}

// TargetsOutput lists browser targets.
type TargetsOutput struct {
	Targets []dispatch.Target `json:"targets"`
	Count   int               `json:"count"`
}

// CommandInput defines input for browser_command.
type CommandInput struct {
	Kind   string         `json:"kind" jsonschema:"Command kind: PING, TOGGLE, CHANGE_THEME, GET_STATE"`
	Fields map[string]any `json:"fields,omitempty" jsonschema:"Extra command fields, e.g. {\"theme\": \"dark\"} for CHANGE_THEME"`
	Target string         `json:"target,omitempty" jsonschema:"Target ID. Omit to broadcast to every eligible target"`
}

// TargetResult is one target's outcome.
type TargetResult struct {
	Target   string `json:"target"`
	URL      string `json:"url,omitempty"`
	OK       bool   `json:"ok"`
	Class    string `json:"class,omitempty"`
	Attempts int    `json:"attempts"`
	Response any    `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// CommandOutput reports a command's outcomes, ordered by target ID.
type CommandOutput struct {
	Kind      string         `json:"kind"`
	Results   []TargetResult `json:"results"`
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
}

// StatusInput defines input for bridge_status.
type StatusInput struct{}

// StatusOutput summarizes the running bridge.
type StatusOutput struct {
	Version    string               `json:"version"`
	Running    bool                 `json:"running"`
	Uptime     string               `json:"uptime,omitempty"`
	Browser    string               `json:"browser"`
	Sessions   int64                `json:"sessions"`
	Dials      int64                `json:"dials"`
	Strategies []string             `json:"strategies,omitempty"`
	Hub        string               `json:"hub,omitempty"`
	BundleURL  string               `json:"bundle_url,omitempty"`
	Forwarders int                  `json:"forwarders"`
	Pending    []PendingCorrelation `json:"pending,omitempty"`
}

// PendingCorrelation is a relay request still waiting for its response.
type PendingCorrelation struct {
	ID       string `json:"id"`
	Target   string `json:"target"`
	Deadline string `json:"deadline"`
}

// BridgeTools registers devbridge's tools against one Bridge.
type BridgeTools struct {
	bridge Bridge
}

// NewBridgeTools wraps b.
func NewBridgeTools(b Bridge) *BridgeTools {
	return &BridgeTools{bridge: b}
}

// Register adds every devbridge tool to server.
func (bt *BridgeTools) Register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name: "browser_targets",
		Description: `List browser targets the bridge can see.

Each target has an id, url, and whether it can host the devtools handler
(eligible) or lives in an isolated frame reached through the relay.

Examples:
  browser_targets {}
  browser_targets {all: true}`,
	}, bt.handleTargets)

	mcp.AddTool(server, &mcp.Tool{
		Name: "browser_command",
		Description: `Send a command to the devtools handler in one or all browser targets.

The handler is installed on demand. Delivery is retried with backoff on
transient failures; application errors from the handler are reported as is.

Kinds:
  PING: check the handler answers
  TOGGLE: show or hide the overlay
  CHANGE_THEME: set the theme (fields: {theme: light|dark|system|high-contrast})
  GET_STATE: read the overlay state

Examples:
  browser_command {kind: "TOGGLE"}
  browser_command {kind: "CHANGE_THEME", fields: {theme: "dark"}}
  browser_command {kind: "GET_STATE", target: "8F3A..."}`,
	}, bt.handleCommand)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "bridge_status",
		Description: `Report bridge version, browser endpoint, connection pool, relay hub and pending relay correlations.`,
	}, bt.handleStatus)
}

func (bt *BridgeTools) handleTargets(ctx context.Context, req *mcp.CallToolRequest, input TargetsInput) (*mcp.CallToolResult, TargetsOutput, error) {
	targets, err := bt.bridge.Targets(ctx)
	if err != nil {
		return errorResult(err.Error()), TargetsOutput{}, nil
	}
	if !input.All {
		targets = slices.DeleteFunc(targets, func(t dispatch.Target) bool { return !t.Eligible })
	}
	if targets == nil {
		targets = []dispatch.Target{}
	}
	return nil, TargetsOutput{Targets: targets, Count: len(targets)}, nil
}

func (bt *BridgeTools) handleCommand(ctx context.Context, req *mcp.CallToolRequest, input CommandInput) (*mcp.CallToolResult, CommandOutput, error) {
	kind := protocol.Kind(strings.ToUpper(strings.TrimSpace(input.Kind)))
	if kind == "" {
		return errorResult("kind required (PING, TOGGLE, CHANGE_THEME, GET_STATE)"), CommandOutput{}, nil
	}
	cmd := protocol.NewCommand(kind, input.Fields)

	var results dispatch.Results
	if input.Target != "" {
		out, err := bt.bridge.Send(ctx, input.Target, cmd)
		if err != nil {
			return errorResult(err.Error()), CommandOutput{}, nil
		}
		results = dispatch.Results{input.Target: out}
	} else {
		var err error
		results, err = bt.bridge.Broadcast(ctx, cmd, nil)
		if err != nil {
			return errorResult(err.Error()), CommandOutput{}, nil
		}
	}

	return nil, summarize(kind, results), nil
}

func (bt *BridgeTools) handleStatus(ctx context.Context, req *mcp.CallToolRequest, input StatusInput) (*mcp.CallToolResult, StatusOutput, error) {
	info := bt.bridge.Info()
	out := StatusOutput{
		Version:    info.Version,
		Running:    info.Running,
		Uptime:     info.Uptime,
		Browser:    info.Browser.Endpoint,
		Sessions:   info.Browser.OpenSession,
		Dials:      info.Browser.TotalDials,
		Strategies: info.Strategies,
	}
	if info.Hub != nil {
		out.Hub = info.Hub.Addr
		out.BundleURL = info.Hub.BundleURL
		out.Forwarders = info.Hub.Forwarders
		for _, p := range info.Hub.Pending {
			out.Pending = append(out.Pending, PendingCorrelation{
				ID:       p.ID,
				Target:   p.Target,
				Deadline: p.Deadline.Format(time.RFC3339Nano),
			})
		}
	}
	return nil, out, nil
}

// decodeResponse turns a handler payload into a plain JSON value.
func decodeResponse(r protocol.Response) any {
	if len(r) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(r, &v); err != nil {
		return string(r)
	}
	return v
}

func summarize(kind protocol.Kind, results dispatch.Results) CommandOutput {
	out := CommandOutput{
		Kind:      string(kind),
		Results:   make([]TargetResult, 0, len(results)),
		Succeeded: results.Succeeded(),
		Failed:    results.Failed(),
	}
	for _, id := range slices.Sorted(maps.Keys(results)) {
		o := results[id]
		r := TargetResult{
			Target:   id,
			URL:      o.Target.URL,
			OK:       o.OK(),
			Attempts: o.Attempts,
		}
		if o.OK() {
			r.Response = decodeResponse(o.Value)
		} else {
			r.Class = o.Class().String()
			r.Error = o.Err.Error()
		}
		out.Results = append(out.Results, r)
	}
	return out
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Error: %s", msg)}},
	}
}
