package dispatch

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/standardbeagle/devbridge/internal/protocol"
)

// DefaultProbeTimeout bounds a single liveness probe.
const DefaultProbeTimeout = 1000 * time.Millisecond

// Prober asks a target whether its handler is listening.
type Prober struct {
	transport Transport
	clock     clock.Clock
	log       logr.Logger
}

// NewProber creates a prober that sends PING through transport.
func NewProber(transport Transport, clk clock.Clock, log logr.Logger) *Prober {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Prober{transport: transport, clock: clk, log: log}
}

// Probe reports whether a valid PONG arrives from t within timeout.
// Absence of a handler is the normal not-ready case and is never an error.
func (p *Prober) Probe(ctx context.Context, t Target, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	resp, err := callWithDeadline(ctx, p.clock, timeout, func(ctx context.Context) (protocol.Response, error) {
		return p.transport.Send(ctx, t, protocol.Ping())
	})
	if err != nil {
		p.log.V(1).Info("probe failed", "target", t.ID, "err", err.Error())
		return false
	}
	if !resp.IsPong() {
		p.log.V(1).Info("probe got malformed reply", "target", t.ID, "reply", string(resp))
		return false
	}
	return true
}
