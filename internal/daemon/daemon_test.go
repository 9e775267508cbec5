package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/standardbeagle/devbridge/internal/cdp/cdptest"
	"github.com/standardbeagle/devbridge/internal/config"
	"github.com/standardbeagle/devbridge/internal/dispatch"
	"github.com/standardbeagle/devbridge/internal/hub"
	"github.com/standardbeagle/devbridge/internal/protocol"
)

func testConfig(b *cdptest.Browser) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Browser.Endpoint = b.URL()
	cfg.Relay.Listen = "127.0.0.1:0"
	cfg.Dispatch.SettleDelay = 0
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config, opts Options) *Daemon {
	t.Helper()
	if opts.Log.GetSink() == nil {
		opts.Log = testr.New(t)
	}
	d := New(cfg, opts)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = d.Stop(ctx)
	})
	return d
}

func TestLifecycle(t *testing.T) {
	b := cdptest.NewBrowser(t)
	d := New(testConfig(b), Options{Log: testr.New(t)})

	_, err := d.Targets(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.False(t, d.Info().Running)

	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Start(context.Background()), "second Start is a no-op")

	info := d.Info()
	assert.True(t, info.Running)
	assert.Equal(t, Version, info.Version)
	assert.Equal(t, []string{"evaluate", "script-tag", "new-document"}, info.Strategies)
	require.NotNil(t, info.Hub)
	assert.NotEqual(t, "127.0.0.1:0", info.Hub.Addr)
	assert.Empty(t, info.Hub.Pending)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	require.NoError(t, d.Stop(ctx), "second Stop is a no-op")
	assert.ErrorIs(t, d.Start(context.Background()), ErrShutdown)

	_, err = d.Send(context.Background(), "1", protocol.Ping())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestWaitReturnsAfterStop(t *testing.T) {
	b := cdptest.NewBrowser(t)
	d := startDaemon(t, testConfig(b), Options{})

	done := make(chan struct{})
	go func() {
		d.Wait()
		close(done)
	}()
	require.NoError(t, d.Stop(context.Background()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Stop")
	}
}

func TestSendInstallsHandler(t *testing.T) {
	b := cdptest.NewBrowser(t)
	b.AddTab("1", "page", "http://localhost:3000/")
	d := startDaemon(t, testConfig(b), Options{})
	ctx := context.Background()

	ready, err := d.Ping(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ready, "nothing installed yet")

	out, err := d.Send(ctx, "1", protocol.Toggle())
	require.NoError(t, err)
	require.True(t, out.OK(), "outcome: %v", out.Err)
	assert.JSONEq(t, `{"visible":true}`, string(out.Value))
	assert.True(t, b.Tab("1").Installed)

	ready, err = d.Ping(ctx, "1")
	require.NoError(t, err)
	assert.True(t, ready)

	_, err = d.Send(ctx, "missing", protocol.Ping())
	assert.ErrorIs(t, err, dispatch.ErrTargetNotFound)
}

func TestBroadcastSkipsSystemPages(t *testing.T) {
	b := cdptest.NewBrowser(t)
	b.AddTab("a", "page", "http://localhost:3000/")
	b.AddTab("b", "page", "https://example.test/")
	b.AddTab("c", "page", "chrome://settings/")
	d := startDaemon(t, testConfig(b), Options{})

	results, err := d.Broadcast(context.Background(), protocol.ChangeTheme("dark"), nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 2, results.Succeeded())
	assert.Equal(t, "dark", b.Tab("a").Theme)
	assert.Equal(t, "dark", b.Tab("b").Theme)
	assert.Equal(t, "system", b.Tab("c").Theme)
}

func TestNoHubUsesDirectDelivery(t *testing.T) {
	b := cdptest.NewBrowser(t)
	tab := b.AddTab("1", "page", "http://localhost/")
	b.Update(func() { tab.Installed = true })

	d := startDaemon(t, testConfig(b), Options{NoHub: true})
	info := d.Info()
	assert.Nil(t, info.Hub)

	out, err := d.Send(context.Background(), "1", protocol.Ping())
	require.NoError(t, err)
	assert.True(t, out.OK())
}

func TestHubStatusReportsRelay(t *testing.T) {
	b := cdptest.NewBrowser(t)
	d := startDaemon(t, testConfig(b), Options{})

	resp, err := http.Get("http://" + d.Info().Hub.Addr + hub.PathStatus)
	require.NoError(t, err)
	defer resp.Body.Close()

	var status map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, b.URL(), status["browser"])
	assert.Contains(t, status, "pending")
}

func TestSweepForgetsClosedTargets(t *testing.T) {
	b := cdptest.NewBrowser(t)
	tab := b.AddTab("1", "page", "http://localhost/")
	b.Update(func() { tab.Installed = true })

	fc := testingclock.NewFakeClock(time.Unix(100, 0))
	d := startDaemon(t, testConfig(b), Options{Clock: fc, SweepInterval: time.Second, NoHub: true})

	out, err := d.Send(context.Background(), "1", protocol.Ping())
	require.NoError(t, err)
	require.True(t, out.OK())
	_, ok := d.Controller().Readiness().LastReady("1")
	require.True(t, ok)

	b.RemoveTab("1")
	require.Eventually(t, fc.HasWaiters, time.Second, 5*time.Millisecond)
	fc.Step(time.Second)

	require.Eventually(t, func() bool {
		_, ok := d.Controller().Readiness().LastReady("1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}
