package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/standardbeagle/devbridge/internal/protocol"
)

// ErrTargetNotFound is returned when a target ID is not in the directory.
var ErrTargetNotFound = errors.New("target not found")

// Config holds every tunable of the dispatch pipeline.
type Config struct {
	ProbeTimeout    time.Duration
	SettleDelay     time.Duration
	StrategyTimeout time.Duration
	Retry           RetryConfig
	Concurrency     int
}

// DefaultConfig returns the canonical constants: 1s probe, 2 retries,
// 200ms base backoff.
func DefaultConfig() Config {
	return Config{
		ProbeTimeout:    DefaultProbeTimeout,
		SettleDelay:     DefaultSettleDelay,
		StrategyTimeout: DefaultStrategyTimeout,
		Retry:           DefaultRetryConfig(),
		Concurrency:     DefaultConcurrency,
	}
}

// Controller wires the directory, readiness orchestrator, dispatcher and
// broadcaster around one transport and one strategy list.
type Controller struct {
	directory   Directory
	prober      *Prober
	readiness   *Readiness
	dispatcher  *Dispatcher
	broadcaster *Broadcaster
	config      Config
}

// NewController builds the full pipeline.
func NewController(directory Directory, transport Transport, strategies []Strategy, clk clock.Clock, config Config, log logr.Logger) *Controller {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}

	prober := NewProber(transport, clk, log.WithName("prober"))
	installer := NewInstaller(strategies, prober, clk, InstallerConfig{
		SettleDelay:     config.SettleDelay,
		StrategyTimeout: config.StrategyTimeout,
		ProbeTimeout:    config.ProbeTimeout,
	}, log.WithName("installer"))
	readiness := NewReadiness(prober, installer, clk, log.WithName("readiness"))
	dispatcher := NewDispatcher(transport, clk, config.Retry, log.WithName("dispatcher"))
	broadcaster := NewBroadcaster(directory, readiness, dispatcher, BroadcastConfig{
		ProbeTimeout: config.ProbeTimeout,
		Concurrency:  config.Concurrency,
	}, log.WithName("broadcast"))

	return &Controller{
		directory:   directory,
		prober:      prober,
		readiness:   readiness,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		config:      config,
	}
}

// Targets enumerates every candidate target.
func (c *Controller) Targets(ctx context.Context) ([]Target, error) {
	return c.directory.Targets(ctx)
}

// Lookup finds a target by ID.
func (c *Controller) Lookup(ctx context.Context, id string) (Target, error) {
	targets, err := c.directory.Targets(ctx)
	if err != nil {
		return Target{}, fmt.Errorf("enumerate targets: %w", err)
	}
	for _, t := range targets {
		if t.ID == id {
			return t, nil
		}
	}
	return Target{}, fmt.Errorf("%w: %s", ErrTargetNotFound, id)
}

// Probe checks whether the target's handler answers, without installing.
func (c *Controller) Probe(ctx context.Context, t Target) bool {
	return c.prober.Probe(ctx, t, c.config.ProbeTimeout)
}

// EnsureReady probes t and installs the handler if needed.
func (c *Controller) EnsureReady(ctx context.Context, t Target) bool {
	return c.readiness.EnsureReady(ctx, t, c.config.ProbeTimeout)
}

// Send runs one ensure-ready then dispatch pipeline against the target
// with the given ID.
func (c *Controller) Send(ctx context.Context, id string, cmd protocol.Command) (Outcome, error) {
	t, err := c.Lookup(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if !t.Eligible {
		return Failure(t, ErrNotReady, 0), nil
	}
	return c.broadcaster.Deliver(ctx, t, cmd), nil
}

// Broadcast sends cmd to every target accepted by pred.
func (c *Controller) Broadcast(ctx context.Context, cmd protocol.Command, pred Predicate) (Results, error) {
	return c.broadcaster.Broadcast(ctx, cmd, pred)
}

// Readiness exposes the orchestrator for status reporting.
func (c *Controller) Readiness() *Readiness {
	return c.readiness
}

// Strategies lists the installation strategies in order.
func (c *Controller) Strategies() []string {
	return c.readiness.installer.Strategies()
}
