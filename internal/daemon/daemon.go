// Package daemon assembles the browser client, the dispatch pipeline and the
// relay hub into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/standardbeagle/devbridge/internal/bridge"
	"github.com/standardbeagle/devbridge/internal/cdp"
	"github.com/standardbeagle/devbridge/internal/config"
	"github.com/standardbeagle/devbridge/internal/dispatch"
	"github.com/standardbeagle/devbridge/internal/hub"
	"github.com/standardbeagle/devbridge/internal/protocol"
	"github.com/standardbeagle/devbridge/internal/relay"
)

// Version is the devbridge version.
// Can be overridden at build time with: -ldflags "-X github.com/standardbeagle/devbridge/internal/daemon.Version=x.y.z"
var Version = "0.3.0"

// BuildTime is the build timestamp (RFC3339 format).
var BuildTime = ""

// GitCommit is the git commit hash.
var GitCommit = ""

// DefaultSweepInterval is how often the readiness cache is pruned of closed
// targets.
const DefaultSweepInterval = 30 * time.Second

var (
	// ErrNotStarted is returned by operations that need Start first.
	ErrNotStarted = errors.New("daemon not started")
	// ErrShutdown is returned by Start after Stop.
	ErrShutdown = errors.New("daemon already shutdown")
)

// Options carries the collaborators that are not part of the config file.
type Options struct {
	// Clock drives timeouts and the readiness sweep. Default clock.RealClock.
	Clock      clock.WithTicker
	Log        logr.Logger
	HTTPClient *http.Client
	// SweepInterval defaults to DefaultSweepInterval.
	SweepInterval time.Duration
	// NoHub skips the hub even when the relay is enabled. One-shot CLI
	// commands use it so they do not fight a running `serve` for the port.
	NoHub bool
}

// Daemon owns every long-lived component.
type Daemon struct {
	config *config.Config
	opts   Options
	log    logr.Logger
	clock  clock.WithTicker

	browser    *cdp.Client
	hub        *hub.Hub
	relay      *relay.Relay
	controller *dispatch.Controller

	// Lifecycle
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	started    time.Time
	shutdownMu sync.Mutex
	running    bool
	shutdown   bool
}

// New creates a daemon from cfg. Nothing is dialed or bound until Start.
func New(cfg *config.Config, opts Options) *Daemon {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Log.GetSink() == nil {
		opts.Log = logr.Discard()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		opts:   opts,
		log:    opts.Log,
		clock:  opts.Clock,
		ctx:    ctx,
		cancel: cancel,
	}
	d.browser = cdp.NewClient(cdp.Config{
		Endpoint:     cfg.Browser.Endpoint,
		ExtraSchemes: cfg.Browser.Schemes,
		Isolated:     cfg.Relay.Isolated,
		HTTPClient:   opts.HTTPClient,
	}, d.log.WithName("cdp"))
	if cfg.Relay.Enabled && !opts.NoHub {
		d.hub = hub.New(hub.Config{
			Listen: cfg.Relay.Listen,
			Bundle: bridge.Options{
				Theme:            cfg.Inject.Theme,
				ControllerSource: cfg.Relay.Source,
			},
		}, d.log.WithName("hub"))
	}
	return d
}

// Start binds the hub (if enabled), then builds the dispatch pipeline
// around it.
func (d *Daemon) Start(ctx context.Context) error {
	d.shutdownMu.Lock()
	defer d.shutdownMu.Unlock()
	if d.shutdown {
		return ErrShutdown
	}
	if d.running {
		return nil
	}

	if d.hub != nil {
		if err := d.hub.Start(ctx); err != nil {
			return err
		}
		d.relay = relay.New(d.hub, relay.Options{
			Source: d.config.Relay.Source,
			Clock:  d.clock,
			Log:    d.log.WithName("relay"),
		})
		d.hub.SetStatus(d.hubStatus)
	}

	controller, err := d.buildController()
	if err != nil {
		d.closeHub(ctx)
		return err
	}
	d.controller = controller
	d.started = d.clock.Now()
	d.running = true

	d.wg.Add(1)
	go d.sweep()

	d.log.Info("daemon started",
		"browser", d.browser.Endpoint(),
		"hub", d.hubAddr(),
		"strategies", controller.Strategies())
	return nil
}

func (d *Daemon) buildController() (*dispatch.Controller, error) {
	bundleOpts := bridge.Options{
		Theme:            d.config.Inject.Theme,
		ControllerSource: d.config.Relay.Source,
	}
	if d.hub != nil {
		bundleOpts.HubURL = d.hub.SocketURL()
	}

	strategies, err := cdp.Strategies(d.browser, d.config.Inject.Strategies, cdp.StrategyOptions{
		Source:    func() string { return bridge.Bundle(bundleOpts) },
		BundleURL: d.bundleURL(),
	})
	if err != nil {
		return nil, err
	}

	router := dispatch.Router{Direct: cdp.NewTransport(d.browser, d.log.WithName("transport"))}
	if d.relay != nil {
		router.Isolated = relay.Transport{Relay: d.relay, Timeout: d.config.RelayTimeout()}
	}
	return dispatch.NewController(d.browser, router, strategies, d.clock, d.config.DispatchSettings(), d.log.WithName("dispatch")), nil
}

// bundleURL is the configured override, the hub we run, or the hub a
// running `serve` would be listening on, in that order.
func (d *Daemon) bundleURL() string {
	switch {
	case d.config.Inject.BundleURL != "":
		return d.config.Inject.BundleURL
	case d.hub != nil:
		return d.hub.BundleURL()
	case d.config.Relay.Enabled:
		return "http://" + d.config.Relay.Listen + hub.PathBundle
	}
	return ""
}

// sweep drops readiness entries for targets the browser no longer lists.
func (d *Daemon) sweep() {
	defer d.wg.Done()
	ticker := d.clock.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C():
			targets, err := d.browser.Targets(d.ctx)
			if err != nil {
				d.log.V(1).Info("sweep skipped", "err", err.Error())
				continue
			}
			d.controller.Readiness().Forget(targets)
		}
	}
}

// Stop shuts every component down and waits for background work.
func (d *Daemon) Stop(ctx context.Context) error {
	d.shutdownMu.Lock()
	if d.shutdown {
		d.shutdownMu.Unlock()
		return nil
	}
	d.shutdown = true
	d.running = false
	d.shutdownMu.Unlock()

	d.cancel()

	var errs []error
	if d.relay != nil {
		if err := d.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("relay: %w", err))
		}
	}
	if d.hub != nil {
		if err := d.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("hub: %w", err))
		}
	}
	if err := d.browser.Close(); err != nil {
		errs = append(errs, fmt.Errorf("browser: %w", err))
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("timeout waiting for background work: %w", ctx.Err()))
	}

	d.log.Info("daemon stopped")
	return errors.Join(errs...)
}

func (d *Daemon) closeHub(ctx context.Context) {
	if d.relay != nil {
		_ = d.relay.Close()
		d.relay = nil
	}
	if err := d.hub.Close(ctx); err != nil {
		d.log.Error(err, "closing hub after failed start")
	}
}

// Wait blocks until Stop is called.
func (d *Daemon) Wait() {
	<-d.ctx.Done()
	d.wg.Wait()
}

// Controller returns the dispatch pipeline, or nil before Start.
func (d *Daemon) Controller() *dispatch.Controller {
	d.shutdownMu.Lock()
	defer d.shutdownMu.Unlock()
	if !d.running {
		return nil
	}
	return d.controller
}

// Targets lists the browser's targets.
func (d *Daemon) Targets(ctx context.Context) ([]dispatch.Target, error) {
	c := d.Controller()
	if c == nil {
		return nil, ErrNotStarted
	}
	return c.Targets(ctx)
}

// Send delivers cmd to one target, installing the handler if needed.
func (d *Daemon) Send(ctx context.Context, id string, cmd protocol.Command) (dispatch.Outcome, error) {
	c := d.Controller()
	if c == nil {
		return dispatch.Outcome{}, ErrNotStarted
	}
	return c.Send(ctx, id, cmd)
}

// Broadcast delivers cmd to every eligible target that matches pred.
func (d *Daemon) Broadcast(ctx context.Context, cmd protocol.Command, pred dispatch.Predicate) (dispatch.Results, error) {
	c := d.Controller()
	if c == nil {
		return nil, ErrNotStarted
	}
	return c.Broadcast(ctx, cmd, pred)
}

// Ping probes one target without installing anything.
func (d *Daemon) Ping(ctx context.Context, id string) (bool, error) {
	c := d.Controller()
	if c == nil {
		return false, ErrNotStarted
	}
	t, err := c.Lookup(ctx, id)
	if err != nil {
		return false, err
	}
	return c.Probe(ctx, t), nil
}

func (d *Daemon) hubAddr() string {
	if d.hub == nil {
		return ""
	}
	return d.hub.Addr()
}

func (d *Daemon) hubStatus() map[string]any {
	status := map[string]any{"browser": d.browser.Endpoint()}
	if d.relay != nil {
		status["pending"] = d.relay.Snapshot()
	}
	return status
}
