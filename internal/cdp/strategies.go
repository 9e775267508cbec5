package cdp

import (
	"context"
	"errors"
	"fmt"

	"github.com/standardbeagle/devbridge/internal/bridge"
	"github.com/standardbeagle/devbridge/internal/dispatch"
)

// Strategy names accepted by Strategies.
const (
	StrategyEvaluate    = "evaluate"
	StrategyScriptTag   = "script-tag"
	StrategyNewDocument = "new-document"
)

// DefaultStrategies is the installation order used when none is configured.
var DefaultStrategies = []string{StrategyEvaluate, StrategyScriptTag, StrategyNewDocument}

// ErrNoBundleURL is returned by the script-tag strategy when no hub serves
// the bundle.
var ErrNoBundleURL = errors.New("script-tag strategy needs a bundle url")

// StrategyOptions supplies what the strategies install.
type StrategyOptions struct {
	// Source returns the handler bundle.
	Source func() string
	// BundleURL is where the script-tag strategy loads the bundle from.
	BundleURL string
}

// Strategies builds the named installation strategies in order.
func Strategies(client *Client, names []string, opts StrategyOptions) ([]dispatch.Strategy, error) {
	if len(names) == 0 {
		names = DefaultStrategies
	}
	if opts.Source == nil {
		return nil, errors.New("strategies need a bundle source")
	}

	out := make([]dispatch.Strategy, 0, len(names))
	for _, name := range names {
		switch name {
		case StrategyEvaluate:
			out = append(out, dispatch.StrategyFunc(name, func(ctx context.Context, t dispatch.Target) error {
				return installByEvaluate(ctx, client, t, opts.Source())
			}))
		case StrategyScriptTag:
			out = append(out, dispatch.StrategyFunc(name, func(ctx context.Context, t dispatch.Target) error {
				return installByScriptTag(ctx, client, t, opts.BundleURL)
			}))
		case StrategyNewDocument:
			out = append(out, dispatch.StrategyFunc(name, func(ctx context.Context, t dispatch.Target) error {
				return installOnNewDocument(ctx, client, t, opts.Source())
			}))
		default:
			return nil, fmt.Errorf("unknown install strategy %q", name)
		}
	}
	return out, nil
}

// targetConn opens t's session and tells the page which target ID relay
// envelopes for its handler carry.
func targetConn(ctx context.Context, client *Client, t dispatch.Target) (*Conn, error) {
	conn, err := client.Conn(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Evaluate(ctx, bridge.TargetPrelude(t.ID), false); err != nil {
		return nil, fmt.Errorf("assign target id: %w", err)
	}
	return conn, nil
}

// installByEvaluate runs the bundle directly in the page.
func installByEvaluate(ctx context.Context, client *Client, t dispatch.Target, source string) error {
	conn, err := targetConn(ctx, client, t)
	if err != nil {
		return err
	}
	_, err = conn.Evaluate(ctx, source, false)
	return err
}

// installByScriptTag loads the bundle through a <script> element, which
// works on pages whose policy blocks eval but allows the hub's origin.
func installByScriptTag(ctx context.Context, client *Client, t dispatch.Target, bundleURL string) error {
	if bundleURL == "" {
		return ErrNoBundleURL
	}
	conn, err := targetConn(ctx, client, t)
	if err != nil {
		return err
	}
	_, err = conn.Evaluate(ctx, bridge.ScriptTagShim(bundleURL), true)
	return err
}

// installOnNewDocument registers the bundle for every future document in
// the target, then evaluates it once for the current one. Future documents
// get the target prelude too.
func installOnNewDocument(ctx context.Context, client *Client, t dispatch.Target, source string) error {
	conn, err := targetConn(ctx, client, t)
	if err != nil {
		return err
	}
	registered := bridge.TargetPrelude(t.ID) + "\n" + source
	if err := conn.Call(ctx, "Page.addScriptToEvaluateOnNewDocument", map[string]any{"source": registered}, nil); err != nil {
		return err
	}
	_, err = conn.Evaluate(ctx, source, false)
	return err
}
