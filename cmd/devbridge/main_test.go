package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/devbridge/internal/cdp/cdptest"
	"github.com/standardbeagle/devbridge/internal/config"
	"github.com/standardbeagle/devbridge/internal/dispatch"
	"github.com/standardbeagle/devbridge/internal/protocol"
)

// run executes the root command with a fresh config pointing at b.
func run(t *testing.T, b *cdptest.Browser, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), config.ConfigFileName)
	require.NoError(t, config.WriteDefaultConfig(cfgPath))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", cfgPath, "--browser", b.URL()}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestParseCommand(t *testing.T) {
	c, err := parseCommand("change-theme", []string{"theme=dark", "count=3", "flag=true", `label="quoted"`})
	require.NoError(t, err)
	assert.Equal(t, protocol.KindChangeTheme, c.Kind())

	theme, _ := c.Field("theme")
	assert.Equal(t, "dark", theme)
	count, _ := c.Field("count")
	assert.Equal(t, float64(3), count)
	flag, _ := c.Field("flag")
	assert.Equal(t, true, flag)
	label, _ := c.Field("label")
	assert.Equal(t, "quoted", label)

	c, err = parseCommand("toggle-debugger", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindToggle, c.Kind())

	_, err = parseCommand("PING", []string{"novalue"})
	assert.Error(t, err)
	_, err = parseCommand("PING", []string{"kind=TOGGLE"})
	assert.Error(t, err)
}

func TestPrintTargets(t *testing.T) {
	var buf bytes.Buffer
	printTargets(&buf, []dispatch.Target{
		{ID: "A", URL: "http://localhost/", Eligible: true},
		{ID: "B", URL: "https://x.test/sandbox", Eligible: true, Isolated: true},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"ID", "ELIGIBLE", "ISOLATED", "URL"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"B", "yes", "yes", "https://x.test/sandbox"}, strings.Fields(lines[2]))

	buf.Reset()
	printTargets(&buf, nil)
	assert.Equal(t, "No targets\n", buf.String())
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	printResults(&buf, protocol.Toggle(), dispatch.Results{
		"b": dispatch.Failure(dispatch.Target{ID: "b"}, dispatch.ErrNotReady, 0),
		"a": dispatch.Success(dispatch.Target{ID: "a"}, protocol.Response(`{"visible":true}`), 1),
	})
	out := buf.String()
	assert.Less(t, strings.Index(out, "a "), strings.Index(out, "b "), "rows sorted by target")
	assert.Contains(t, out, "not_ready")
	assert.Contains(t, out, "TOGGLE: 1 ok, 1 failed")
}

func TestTargetsCommand(t *testing.T) {
	b := cdptest.NewBrowser(t)
	b.AddTab("1", "page", "http://localhost:3000/")
	b.AddTab("2", "page", "chrome://newtab/")

	out, err := run(t, b, "targets", "--all=false")
	require.NoError(t, err)

	var targets []dispatch.Target
	require.NoError(t, json.Unmarshal([]byte(out), &targets))
	require.Len(t, targets, 1)
	assert.Equal(t, "1", targets[0].ID)
}

func TestToggleCommand(t *testing.T) {
	b := cdptest.NewBrowser(t)
	b.AddTab("1", "page", "http://localhost:3000/")
	b.AddTab("2", "page", "http://localhost:4000/")

	out, err := run(t, b, "toggle", "--target", "")
	require.NoError(t, err, out)

	var results map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	assert.JSONEq(t, `{"visible":true}`, string(results["1"]))
	assert.JSONEq(t, `{"visible":true}`, string(results["2"]))
	assert.True(t, b.Tab("1").Visible)
}

func TestThemeCommandRejectedByHandler(t *testing.T) {
	b := cdptest.NewBrowser(t)
	tab := b.AddTab("1", "page", "http://localhost:3000/")
	b.Update(func() { tab.Installed = true })

	out, err := run(t, b, "theme", "neon", "--target", "1")
	assert.ErrorIs(t, err, errSomeFailed)
	assert.Contains(t, out, "invalid theme name: neon")
}

func TestPingCommand(t *testing.T) {
	b := cdptest.NewBrowser(t)
	b.AddTab("1", "page", "http://localhost:3000/")

	out, err := run(t, b, "ping", "1")
	assert.ErrorIs(t, err, errSomeFailed)
	assert.Equal(t, "1: no handler\n", out)

	_, err = run(t, b, "ping", "missing")
	assert.ErrorIs(t, err, dispatch.ErrTargetNotFound)
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"init", dir})
	require.NoError(t, rootCmd.Execute())
	assert.FileExists(t, filepath.Join(dir, config.ConfigFileName))

	rootCmd.SetArgs([]string{"init", dir})
	assert.Error(t, rootCmd.Execute(), "init must not overwrite")
}
