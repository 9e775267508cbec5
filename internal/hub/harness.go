package hub

import (
	"html"
	"net/http"
	"strings"

	"github.com/standardbeagle/devbridge/internal/bridge"
)

const harnessPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>devbridge harness</title>
</head>
<body>
<h1>devbridge harness</h1>
<p>The top document runs the forwarder. The sandboxed frame below only
answers relayed envelopes.</p>
<iframe id="isolated" sandbox="allow-scripts" srcdoc="{{SRCDOC}}" width="480" height="160"></iframe>
</body>
</html>
`

// handleHarness serves a page with the handler installed in both the top
// document and a sandboxed frame, for trying the relay by hand.
func (h *Hub) handleHarness(w http.ResponseWriter, r *http.Request) {
	frameOpts := h.config.Bundle
	frameOpts.HubURL = ""
	frame := bridge.InjectIntoHTML([]byte("<html><head></head><body>isolated frame</body></html>"), frameOpts)

	page := strings.Replace(harnessPage, "{{SRCDOC}}", html.EscapeString(string(frame)), 1)
	out := bridge.InjectIntoHTML([]byte(page), h.bundleOptions(r))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(out)
}
