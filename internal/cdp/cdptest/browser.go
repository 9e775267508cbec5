// Package cdptest provides an in-process stand-in for a browser's DevTools
// endpoint, with tabs that behave like pages running the devbridge handler.
package cdptest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/standardbeagle/devbridge/internal/bridge"
)

// Tab is the browser-side state of one target.
type Tab struct {
	ID, Type, URL string

	// BlockEval makes direct evaluation of the bundle throw, the way a
	// strict content security policy would.
	BlockEval bool
	// AllowScriptTag lets the script-tag shim install the handler.
	AllowScriptTag bool

	// Target is the ID assigned by the target prelude.
	Target string

	Installed bool
	Visible   bool
	Theme     string
	OnNewDoc  []string
}

// Browser serves /json/list and one DevTools websocket per tab.
type Browser struct {
	t      testing.TB
	server *httptest.Server

	mu    sync.Mutex
	tabs  []*Tab
	conns map[string][]*websocket.Conn
	dials int
}

// NewBrowser starts a browser that is shut down with the test.
func NewBrowser(t testing.TB) *Browser {
	t.Helper()
	b := &Browser{t: t, conns: make(map[string][]*websocket.Conn)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /json/list", b.handleList)
	mux.HandleFunc("/devtools/page/{id}", b.handleSession)
	b.server = httptest.NewServer(mux)
	t.Cleanup(b.server.Close)
	return b
}

// URL is the browser endpoint to hand to cdp.Config.
func (b *Browser) URL() string { return b.server.URL }

// AddTab opens a target. typ is a DevTools type such as "page" or "iframe".
func (b *Browser) AddTab(id, typ, url string) *Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	tab := &Tab{ID: id, Type: typ, URL: url, Theme: "system"}
	b.tabs = append(b.tabs, tab)
	return tab
}

// Update mutates tab state under the browser lock.
func (b *Browser) Update(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn()
}

// Tab returns the tab with id, or nil.
func (b *Browser) Tab(id string) *Tab {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tab := range b.tabs {
		if tab.ID == id {
			return tab
		}
	}
	return nil
}

// RemoveTab closes a target.
func (b *Browser) RemoveTab(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, tab := range b.tabs {
		if tab.ID == id {
			b.tabs = append(b.tabs[:i], b.tabs[i+1:]...)
			return
		}
	}
}

// Kill drops every open session to id from the browser side.
func (b *Browser) Kill(id string) {
	b.mu.Lock()
	conns := b.conns[id]
	delete(b.conns, id)
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Dials counts DevTools sessions opened so far.
func (b *Browser) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *Browser) handleList(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wsBase := "ws" + strings.TrimPrefix(b.server.URL, "http") + "/devtools/page/"
	var out []targetInfo
	for _, tab := range b.tabs {
		out = append(out, targetInfo{
			ID:                   tab.ID,
			Type:                 tab.Type,
			Title:                tab.ID,
			URL:                  tab.URL,
			WebSocketDebuggerURL: wsBase + tab.ID,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

type targetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{}

func (b *Browser) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if b.Tab(id) == nil {
		http.NotFound(w, r)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conns[id] = append(b.conns[id], ws)
	b.dials++
	b.mu.Unlock()
	defer ws.Close()

	for {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := ws.ReadJSON(&req); err != nil {
			return
		}
		tab := b.Tab(id)
		if tab == nil {
			return
		}
		result, rpcErr := b.execute(tab, req.Method, req.Params)
		resp := map[string]any{"id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		// Interleave an unsolicited event; clients must ignore it.
		_ = ws.WriteJSON(map[string]any{"method": "Runtime.consoleAPICalled", "params": map[string]any{}})
		if err := ws.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (b *Browser) execute(tab *Tab, method string, params json.RawMessage) (any, *rpcError) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch method {
	case "Page.addScriptToEvaluateOnNewDocument":
		var p struct {
			Source string `json:"source"`
		}
		_ = json.Unmarshal(params, &p)
		tab.OnNewDoc = append(tab.OnNewDoc, p.Source)
		return map[string]any{"identifier": "1"}, nil

	case "Runtime.evaluate":
		var p struct {
			Expression string `json:"expression"`
		}
		_ = json.Unmarshal(params, &p)
		return tab.evaluate(p.Expression), nil

	default:
		return nil, &rpcError{Code: -32601, Message: "'" + method + "' wasn't found"}
	}
}

func value(v any) map[string]any {
	return map[string]any{"result": map[string]any{"type": "object", "value": v}}
}

func exception(text string) map[string]any {
	return map[string]any{
		"result":           map[string]any{"type": "object", "subtype": "error"},
		"exceptionDetails": map[string]any{"text": "Uncaught", "exception": map[string]any{"description": text}},
	}
}

func (tab *Tab) evaluate(expr string) map[string]any {
	switch {
	case strings.HasPrefix(expr, bridge.TargetMarker):
		id, ok := bridge.ExtractTarget(expr)
		if !ok {
			return exception("SyntaxError: malformed target prelude")
		}
		tab.Target = id
		return value(id)

	case strings.HasPrefix(expr, bridge.BundleMarker):
		if tab.BlockEval {
			return exception("EvalError: Refused to evaluate a string as JavaScript")
		}
		tab.Installed = true
		return map[string]any{"result": map[string]any{"type": "undefined"}}

	case strings.Contains(expr, "createElement('script')"):
		if !tab.AllowScriptTag {
			return exception("Error: failed to load bundle")
		}
		tab.Installed = true
		return value(true)

	case strings.HasPrefix(expr, "throw "):
		return exception("Error: " + strings.TrimPrefix(expr, "throw "))
	}

	payload, ok := bridge.ExtractInvokePayload(expr)
	if !ok {
		return exception("SyntaxError: unexpected expression")
	}
	if !tab.Installed {
		return value(map[string]any{bridge.AbsentMarker: true})
	}

	var cmd map[string]any
	_ = json.Unmarshal(payload, &cmd)
	switch cmd["kind"] {
	case "PING":
		return value(map[string]any{"status": "PONG"})
	case "TOGGLE":
		tab.Visible = !tab.Visible
		return value(map[string]any{"visible": tab.Visible})
	case "CHANGE_THEME":
		theme, _ := cmd["theme"].(string)
		if !bridge.ValidTheme(theme) {
			return value(map[string]any{"error": "invalid theme name: " + theme})
		}
		tab.Theme = theme
		return value(map[string]any{"theme": theme})
	case "GET_STATE":
		return value(map[string]any{"visible": tab.Visible, "theme": tab.Theme, "url": tab.URL, "top": tab.Type == "page"})
	default:
		return value(map[string]any{"error": "unknown command kind: " + cmd["kind"].(string)})
	}
}
