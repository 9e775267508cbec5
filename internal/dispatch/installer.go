package dispatch

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

const (
	// DefaultSettleDelay gives injected code time to register its handler.
	DefaultSettleDelay = 150 * time.Millisecond
	// DefaultStrategyTimeout bounds a single installation call.
	DefaultStrategyTimeout = 5 * time.Second
)

// Strategy is one way of installing the handler into a target. A nil error
// only means the installation call went through, not that the handler is
// listening.
type Strategy interface {
	Name() string
	Install(ctx context.Context, t Target) error
}

type namedStrategy struct {
	name string
	fn   func(ctx context.Context, t Target) error
}

func (s namedStrategy) Name() string { return s.name }

func (s namedStrategy) Install(ctx context.Context, t Target) error { return s.fn(ctx, t) }

// StrategyFunc wraps fn as a named Strategy.
func StrategyFunc(name string, fn func(ctx context.Context, t Target) error) Strategy {
	return namedStrategy{name: name, fn: fn}
}

// InstallerConfig configures an Installer.
type InstallerConfig struct {
	// SettleDelay is waited after each strategy before re-probing.
	SettleDelay time.Duration
	// StrategyTimeout bounds each strategy call. 0 uses the default.
	StrategyTimeout time.Duration
	// ProbeTimeout bounds the post-install probe. 0 uses the default.
	ProbeTimeout time.Duration
}

// Installer tries installation strategies in order until a probe confirms
// the handler is listening.
type Installer struct {
	strategies []Strategy
	prober     *Prober
	clock      clock.Clock
	config     InstallerConfig
	log        logr.Logger
}

// NewInstaller creates an installer over an ordered strategy list.
func NewInstaller(strategies []Strategy, prober *Prober, clk clock.Clock, config InstallerConfig, log logr.Logger) *Installer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if config.StrategyTimeout == 0 {
		config.StrategyTimeout = DefaultStrategyTimeout
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	return &Installer{
		strategies: append([]Strategy(nil), strategies...),
		prober:     prober,
		clock:      clk,
		config:     config,
		log:        log,
	}
}

// Strategies returns the strategy names in order.
func (i *Installer) Strategies() []string {
	names := make([]string, len(i.strategies))
	for n, s := range i.strategies {
		names[n] = s.Name()
	}
	return names
}

// Install runs strategies in order and stops at the first one whose
// post-install probe succeeds. Strategy errors, panics and timeouts count
// as that strategy failing; the loop moves on.
func (i *Installer) Install(ctx context.Context, t Target) bool {
	return i.install(ctx, t, i.config.ProbeTimeout)
}

func (i *Installer) install(ctx context.Context, t Target, probeTimeout time.Duration) bool {
	for _, s := range i.strategies {
		if ctx.Err() != nil {
			return false
		}

		_, err := callWithDeadline(ctx, i.clock, i.config.StrategyTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.Install(ctx, t)
		})
		if err != nil {
			i.log.V(1).Info("install strategy failed", "target", t.ID, "strategy", s.Name(), "err", err.Error())
			continue
		}

		if err := sleep(ctx, i.clock, i.config.SettleDelay); err != nil {
			return false
		}

		if i.prober.Probe(ctx, t, probeTimeout) {
			i.log.V(1).Info("handler installed", "target", t.ID, "strategy", s.Name())
			return true
		}
		i.log.V(1).Info("handler not listening after install", "target", t.ID, "strategy", s.Name())
	}
	return false
}
