// Package bridge generates the JavaScript that is installed into browser
// tabs: the overlay command handler, the page-side forwarder that carries
// relay envelopes into isolated frames, and the small expressions the
// controller evaluates to reach them.
package bridge

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/standardbeagle/devbridge/internal/protocol"
)

const (
	// GlobalName is the window property the handler registers under.
	GlobalName = "__devbridge__"
	// AbsentMarker is returned by InvokeExpression when no handler exists.
	AbsentMarker = "__devbridge_absent"
	// BundleMarker opens every generated bundle.
	BundleMarker = "/* devbridge-bundle */"
	// TargetGlobal holds the target ID a frame's handler answers for.
	TargetGlobal = "__devbridge_target__"
	// TargetMarker opens every TargetPrelude expression.
	TargetMarker = "/* devbridge-target */"
	// Version is bumped whenever the handler's behavior changes, so a stale
	// handler left in a long-lived tab gets replaced.
	Version = "1"
)

// Themes lists the overlay palettes CHANGE_THEME accepts.
var Themes = []string{"light", "dark", "system", "high-contrast"}

// ValidTheme reports whether name is a known theme.
func ValidTheme(name string) bool {
	return slices.Contains(Themes, name)
}

// Options customizes a bundle.
type Options struct {
	// HubURL is the websocket the page-side forwarder connects to. Empty
	// disables forwarding.
	HubURL string
	// Theme is the initial overlay palette. Default "system".
	Theme string
	// ControllerSource and HandlerSource tag relay envelopes.
	ControllerSource string
	HandlerSource    string
}

func (o Options) withDefaults() Options {
	if o.Theme == "" || !ValidTheme(o.Theme) {
		o.Theme = "system"
	}
	if o.ControllerSource == "" {
		o.ControllerSource = "devbridge-controller"
	}
	if o.HandlerSource == "" {
		o.HandlerSource = "devbridge-handler"
	}
	return o
}

type cachedBundle struct {
	once sync.Once
	src  string
}

// Generated bundles never change for a given Options value.
var bundles sync.Map // map[Options]*cachedBundle

// Bundle returns the handler source for opts. Results are cached.
func Bundle(opts Options) string {
	opts = opts.withDefaults()
	v, _ := bundles.LoadOrStore(opts, &cachedBundle{})
	cb := v.(*cachedBundle)
	cb.once.Do(func() {
		cb.src = generateBundle(opts)
	})
	return cb.src
}

func generateBundle(opts Options) string {
	themes, _ := json.Marshal(Themes)
	r := strings.NewReplacer(
		"{{MARKER}}", BundleMarker,
		"{{GLOBAL}}", GlobalName,
		"{{TARGET_GLOBAL}}", TargetGlobal,
		"{{VERSION}}", jsString(Version),
		"{{THEMES}}", string(themes),
		"{{THEME}}", jsString(opts.Theme),
		"{{HUB_URL}}", jsString(opts.HubURL),
		"{{CONTROLLER}}", jsString(opts.ControllerSource),
		"{{HANDLER}}", jsString(opts.HandlerSource),
	)
	return r.Replace(bundleTemplate)
}

// InvokeExpression returns a JS expression that passes cmd to the installed
// handler and resolves with its reply. When no handler is registered the
// expression resolves with {AbsentMarker: true}; when the handler throws it
// resolves with {"error": message}.
func InvokeExpression(cmd protocol.Command) (string, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}
	return fmt.Sprintf(invokeTemplate, GlobalName, AbsentMarker, payload), nil
}

// ExtractInvokePayload recovers the command JSON embedded by
// InvokeExpression. It is the inverse used by fakes and log output.
func ExtractInvokePayload(expr string) (json.RawMessage, bool) {
	i := strings.LastIndex(expr, "})(")
	if i < 0 || !strings.HasSuffix(expr, ")") {
		return nil, false
	}
	raw := expr[i+3 : len(expr)-1]
	if !json.Valid([]byte(raw)) {
		return nil, false
	}
	return json.RawMessage(raw), true
}

// TargetPrelude returns an expression that tells the handler in a target
// which ID relay envelopes must carry to reach it. It is evaluated through
// the target's own session before the bundle is installed.
func TargetPrelude(id string) string {
	return fmt.Sprintf("%s window.%s = %s;", TargetMarker, TargetGlobal, jsString(id))
}

// ExtractTarget recovers the ID assigned by TargetPrelude.
func ExtractTarget(expr string) (string, bool) {
	rest, ok := strings.CutPrefix(expr, fmt.Sprintf("%s window.%s = ", TargetMarker, TargetGlobal))
	if !ok {
		return "", false
	}
	var id string
	if err := json.Unmarshal([]byte(strings.TrimSuffix(rest, ";")), &id); err != nil {
		return "", false
	}
	return id, true
}

// ScriptTagShim returns an expression that appends <script src=url> to the
// document and resolves once it has loaded. It runs in the page's main
// world, so the loaded bundle registers on the page's own window.
func ScriptTagShim(url string) string {
	return fmt.Sprintf(scriptTagTemplate, jsString(url))
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

const invokeTemplate = `(async (cmd) => {
  const h = window.%[1]s;
  if (!h || typeof h.handle !== 'function') return { %[2]s: true };
  try {
    return await h.handle(cmd);
  } catch (e) {
    return { error: String((e && e.message) || e) };
  }
})(%[3]s)`

const scriptTagTemplate = `new Promise((resolve, reject) => {
  const s = document.createElement('script');
  s.src = %s;
  s.async = false;
  s.onload = () => resolve(true);
  s.onerror = () => reject(new Error('failed to load ' + s.src));
  (document.head || document.documentElement).appendChild(s);
})`

const bundleTemplate = `{{MARKER}}
(function () {
  'use strict';

  var existing = window.{{GLOBAL}};
  if (existing && existing.version === {{VERSION}}) return;

  var THEMES = {{THEMES}};
  var HUB_URL = {{HUB_URL}};
  var CONTROLLER = {{CONTROLLER}};
  var HANDLER = {{HANDLER}};

  var state = { visible: false, theme: {{THEME}} };

  // The overlay itself is drawn elsewhere; the handler only publishes its
  // state on the root element.
  function render() {
    var el = document.documentElement;
    if (!el) return;
    el.setAttribute('data-devbridge-visible', String(state.visible));
    el.setAttribute('data-devbridge-theme', state.theme);
  }

  function snapshot() {
    return { visible: state.visible, theme: state.theme, url: location.href, top: window === window.top };
  }

  function handle(cmd) {
    if (!cmd || typeof cmd !== 'object') return { error: 'malformed command' };
    var kind = String(cmd.kind || '').toUpperCase();
    switch (kind) {
      case 'PING':
        return { status: 'PONG' };
      case 'TOGGLE':
        state.visible = !state.visible;
        render();
        return { visible: state.visible };
      case 'CHANGE_THEME':
        if (THEMES.indexOf(cmd.theme) < 0) return { error: 'invalid theme name: ' + cmd.theme };
        state.theme = cmd.theme;
        render();
        return { theme: state.theme };
      case 'GET_STATE':
        return snapshot();
      default:
        return { error: 'unknown command kind: ' + kind };
    }
  }

  window.{{GLOBAL}} = { version: {{VERSION}}, handle: handle, state: snapshot };

  // Isolated side: answer controller envelopes posted by the parent forwarder.
  if (window !== window.top) {
    window.addEventListener('message', function (ev) {
      var env = ev.data;
      if (!env || env.source !== CONTROLLER || !env.payload || !env.correlationId) return;
      // Every frame sees every envelope; only the addressed one answers.
      var me = window.{{TARGET_GLOBAL}};
      if (env.target && env.target !== me) return;
      var reply;
      try {
        reply = handle(env.payload);
      } catch (e) {
        reply = { error: String((e && e.message) || e) };
      }
      ev.source.postMessage({ source: HANDLER, target: me || env.target, response: reply, correlationId: env.correlationId }, '*');
    });
  }

  // Page side: carry hub envelopes into frames and responses back out.
  if (HUB_URL && window === window.top) {
    var ws = null;
    var attempts = 0;

    var connect = function () {
      ws = new WebSocket(HUB_URL);
      ws.onopen = function () { attempts = 0; };
      ws.onmessage = function (ev) {
        var env;
        try { env = JSON.parse(ev.data); } catch (e) { return; }
        if (!env || env.source !== CONTROLLER || !env.payload) return;
        for (var i = 0; i < window.frames.length; i++) {
          try { window.frames[i].postMessage(env, '*'); } catch (e) { /* detached */ }
        }
      };
      ws.onclose = function () {
        attempts++;
        setTimeout(connect, Math.min(30000, 500 * Math.pow(2, attempts)));
      };
    };

    window.addEventListener('message', function (ev) {
      var env = ev.data;
      if (!env || env.source !== HANDLER || !env.correlationId) return;
      if (ws && ws.readyState === WebSocket.OPEN) ws.send(JSON.stringify(env));
    });

    connect();
  }

  render();
})();
`
