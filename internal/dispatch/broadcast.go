package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/standardbeagle/devbridge/internal/protocol"
)

// DefaultConcurrency caps the number of per-target pipelines in flight.
const DefaultConcurrency = 8

// BroadcastConfig configures a Broadcaster.
type BroadcastConfig struct {
	// ProbeTimeout is passed to EnsureReady for each target.
	ProbeTimeout time.Duration
	// Concurrency caps parallel pipelines; <= 0 uses DefaultConcurrency.
	Concurrency int
}

// Broadcaster fans one command out to many targets, running ensure-ready
// then dispatch for each target independently.
type Broadcaster struct {
	directory  Directory
	readiness  *Readiness
	dispatcher *Dispatcher
	config     BroadcastConfig
	log        logr.Logger
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(directory Directory, readiness *Readiness, dispatcher *Dispatcher, config BroadcastConfig, log logr.Logger) *Broadcaster {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = DefaultProbeTimeout
	}
	return &Broadcaster{
		directory:  directory,
		readiness:  readiness,
		dispatcher: dispatcher,
		config:     config,
		log:        log,
	}
}

// Broadcast sends cmd to every eligible target accepted by pred and returns one
// outcome per target. It returns only after every pipeline has settled.
// The only error is a failure to enumerate targets.
func (b *Broadcaster) Broadcast(ctx context.Context, cmd protocol.Command, pred Predicate) (Results, error) {
	all, err := b.directory.Targets(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate targets: %w", err)
	}
	b.readiness.Forget(all)

	if pred == nil {
		pred = Eligible
	} else {
		pred = All(Eligible, pred)
	}
	var targets []Target
	for _, t := range all {
		if pred(t) {
			targets = append(targets, t)
		}
	}

	// Each pipeline owns exactly one slot; nothing else is shared.
	outcomes := make([]Outcome, len(targets))

	var g errgroup.Group
	g.SetLimit(b.config.Concurrency)
	for i, t := range targets {
		g.Go(func() error {
			outcomes[i] = b.Deliver(ctx, t, cmd)
			return nil
		})
	}
	_ = g.Wait()

	results := make(Results, len(outcomes))
	for _, o := range outcomes {
		results[o.Target.ID] = o
	}

	b.log.V(1).Info("broadcast settled", "kind", cmd.Kind(), "targets", len(targets), "succeeded", results.Succeeded())
	return results, nil
}

// Deliver runs one pipeline: ensure the target is ready, then dispatch.
// A target that never becomes ready yields a NotReady outcome.
func (b *Broadcaster) Deliver(ctx context.Context, t Target, cmd protocol.Command) Outcome {
	if !b.readiness.EnsureReady(ctx, t, b.config.ProbeTimeout) {
		return Failure(t, ErrNotReady, 0)
	}
	return b.dispatcher.Dispatch(ctx, t, cmd)
}
