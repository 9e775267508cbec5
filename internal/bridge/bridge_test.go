package bridge

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/devbridge/internal/protocol"
)

func TestShouldInject(t *testing.T) {
	tests := []struct {
		contentType string
		expected    bool
	}{
		{"text/html", true},
		{"text/html; charset=utf-8", true},
		{"TEXT/HTML", true},
		{"application/json", false},
		{"application/javascript", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			if got := ShouldInject(tt.contentType); got != tt.expected {
				t.Errorf("ShouldInject(%q) = %v, expected %v", tt.contentType, got, tt.expected)
			}
		})
	}
}

func TestInjectIntoHTML(t *testing.T) {
	tests := []struct {
		name  string
		html  string
		after string // script must follow this marker
		below string // and precede this one
	}{
		{
			name:  "before head close",
			html:  "<html><head><title>x</title></head><body></body></html>",
			after: "<title>x</title>",
			below: "</head>",
		},
		{
			name:  "after head open",
			html:  "<html><head><title>x</title><body></body></html>",
			after: "<head>",
			below: "<title>",
		},
		{
			name:  "after body open",
			html:  `<html><body class="app"><h1>hi</h1></body></html>`,
			after: `<body class="app">`,
			below: "<h1>",
		},
		{
			name:  "after html open",
			html:  `<html lang="en"><h1>hi</h1></html>`,
			after: `<html lang="en">`,
			below: "<h1>",
		},
		{
			name:  "fragment",
			html:  "<h1>hi</h1>",
			below: "<h1>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := InjectIntoHTML([]byte(tt.html), Options{})
			script := bytes.Index(out, []byte("<script>"))
			require.NotEqual(t, -1, script, "script not injected")
			assert.Contains(t, string(out), BundleMarker)

			if tt.after != "" {
				assert.Less(t, bytes.Index(out, []byte(tt.after)), script)
			}
			assert.Less(t, script, bytes.Index(out, []byte(tt.below)))
		})
	}
}

func TestScriptElementEscapesClosingTag(t *testing.T) {
	out := string(ScriptElement(`var s = "</script>";`))
	assert.Equal(t, 1, strings.Count(out, "</script>"))
	assert.Contains(t, out, `<\/script>`)
}

func TestBundle(t *testing.T) {
	src := Bundle(Options{Theme: "dark", HubURL: "ws://127.0.0.1:9/__devbridge/ws"})

	assert.True(t, strings.HasPrefix(src, BundleMarker))
	assert.Contains(t, src, "window."+GlobalName+" =")
	assert.Contains(t, src, `theme: "dark"`)
	assert.Contains(t, src, `"ws://127.0.0.1:9/__devbridge/ws"`)
	for _, theme := range Themes {
		assert.Contains(t, src, `"`+theme+`"`)
	}
	assert.NotContains(t, src, "{{", "unreplaced placeholder")
	assert.Contains(t, src, "var me = window."+TargetGlobal+";")
	assert.Contains(t, src, "if (env.target && env.target !== me) return;")
	assert.Contains(t, src, "target: me || env.target")

	// Cached per options.
	assert.Equal(t, src, Bundle(Options{Theme: "dark", HubURL: "ws://127.0.0.1:9/__devbridge/ws"}))
	assert.NotEqual(t, src, Bundle(Options{}))
}

func TestBundleFallsBackToSystemTheme(t *testing.T) {
	src := Bundle(Options{Theme: "neon"})
	assert.Contains(t, src, `theme: "system"`)
}

func TestValidTheme(t *testing.T) {
	assert.True(t, ValidTheme("high-contrast"))
	assert.False(t, ValidTheme("neon"))
	assert.False(t, ValidTheme(""))
}

func TestInvokeExpression(t *testing.T) {
	expr, err := InvokeExpression(protocol.ChangeTheme("dark"))
	require.NoError(t, err)
	assert.Contains(t, expr, "window."+GlobalName)
	assert.Contains(t, expr, AbsentMarker)

	payload, ok := ExtractInvokePayload(expr)
	require.True(t, ok)
	assert.JSONEq(t, `{"kind":"CHANGE_THEME","theme":"dark"}`, string(payload))

	_, err = InvokeExpression(protocol.Command{})
	assert.ErrorIs(t, err, protocol.ErrMissingKind)

	_, ok = ExtractInvokePayload("1 + 1")
	assert.False(t, ok)
}

func TestTargetPrelude(t *testing.T) {
	expr := TargetPrelude(`frame "7"`)
	assert.True(t, strings.HasPrefix(expr, TargetMarker))
	assert.Equal(t, TargetMarker+` window.`+TargetGlobal+` = "frame \"7\"";`, expr)

	id, ok := ExtractTarget(expr)
	require.True(t, ok)
	assert.Equal(t, `frame "7"`, id)

	_, ok = ExtractTarget("window.x = 1;")
	assert.False(t, ok)
}

func TestScriptTagShim(t *testing.T) {
	shim := ScriptTagShim(`http://127.0.0.1:7777/__devbridge/bundle.js?v="1"`)
	assert.Contains(t, shim, `s.src = "http://127.0.0.1:7777/__devbridge/bundle.js?v=\"1\""`)
	assert.Contains(t, shim, "appendChild")
}
