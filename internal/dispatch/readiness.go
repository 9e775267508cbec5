package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"
)

// Readiness composes the prober and installer into a single ensure-ready
// step. It is the only path by which a target goes from not ready to ready.
type Readiness struct {
	prober    *Prober
	installer *Installer
	clock     clock.PassiveClock
	log       logr.Logger

	mu        sync.Mutex
	lastReady map[string]time.Time
}

// NewReadiness creates an orchestrator.
func NewReadiness(prober *Prober, installer *Installer, clk clock.PassiveClock, log logr.Logger) *Readiness {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Readiness{
		prober:    prober,
		installer: installer,
		clock:     clk,
		log:       log,
		lastReady: make(map[string]time.Time),
	}
}

// EnsureReady probes t and installs the handler only if the probe fails.
// timeout bounds the first probe and the probe after each install attempt;
// 0 leaves the installer's own probe timeout in place.
// Nothing is cached between calls: a handler can vanish on navigation
// without telling anyone, so every call starts with a fresh probe.
func (r *Readiness) EnsureReady(ctx context.Context, t Target, timeout time.Duration) bool {
	if r.prober.Probe(ctx, t, timeout) {
		r.markReady(t.ID)
		return true
	}

	if r.installer == nil {
		r.log.Info("target not ready", "target", t.ID, "url", t.URL)
		return false
	}
	probeTimeout := r.installer.config.ProbeTimeout
	if timeout > 0 {
		probeTimeout = timeout
	}
	if !r.installer.install(ctx, t, probeTimeout) {
		r.log.Info("target not ready", "target", t.ID, "url", t.URL)
		return false
	}
	r.markReady(t.ID)
	return true
}

// LastReady returns when t was last confirmed ready.
func (r *Readiness) LastReady(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.lastReady[id]
	return ts, ok
}

// Forget drops the readiness record of targets not in keep.
func (r *Readiness) Forget(keep []Target) {
	alive := make(map[string]bool, len(keep))
	for _, t := range keep {
		alive[t.ID] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.lastReady {
		if !alive[id] {
			delete(r.lastReady, id)
		}
	}
}

func (r *Readiness) markReady(id string) {
	r.mu.Lock()
	r.lastReady[id] = r.clock.Now()
	r.mu.Unlock()
}
