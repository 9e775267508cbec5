package dispatch

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/standardbeagle/devbridge/internal/protocol"
)

const (
	// DefaultMaxRetries is the number of resends after the first attempt.
	DefaultMaxRetries = 2
	// DefaultBaseDelay is the first backoff wait; it doubles per retry.
	DefaultBaseDelay = 200 * time.Millisecond
	// DefaultAttemptTimeout bounds one delivery attempt.
	DefaultAttemptTimeout = 5 * time.Second
)

// RetryConfig controls the dispatcher's retry loop.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	// AttemptTimeout bounds each attempt; 0 disables the per-attempt timer.
	AttemptTimeout time.Duration
}

// DefaultRetryConfig returns the canonical retry constants.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     DefaultMaxRetries,
		BaseDelay:      DefaultBaseDelay,
		AttemptTimeout: DefaultAttemptTimeout,
	}
}

// Dispatcher delivers a command to a target that is already known to be
// ready, resending on delivery failures with exponential backoff.
// It never installs anything; readiness is the caller's job.
type Dispatcher struct {
	transport Transport
	clock     clock.Clock
	config    RetryConfig
	log       logr.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(transport Transport, clk clock.Clock, config RetryConfig, log logr.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	return &Dispatcher{transport: transport, clock: clk, config: config, log: log}
}

// Dispatch delivers cmd to t with the configured retry bounds.
func (d *Dispatcher) Dispatch(ctx context.Context, t Target, cmd protocol.Command) Outcome {
	return d.DispatchWith(ctx, t, cmd, d.config.MaxRetries, d.config.BaseDelay)
}

// DispatchWith delivers cmd to t, resending up to maxRetries times after
// transient failures and waiting baseDelay*2^attempt between attempts.
// Handler-reported errors are returned immediately.
func (d *Dispatcher) DispatchWith(ctx context.Context, t Target, cmd protocol.Command, maxRetries int, baseDelay time.Duration) Outcome {
	maxRetries = max(maxRetries, 0)
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay << (attempt - 1)
			if err := sleep(ctx, d.clock, delay); err != nil {
				return Failure(t, Transient(err), attempts)
			}
		}

		attempts++
		resp, err := callWithDeadline(ctx, d.clock, d.config.AttemptTimeout, func(ctx context.Context) (protocol.Response, error) {
			return d.transport.Send(ctx, t, cmd)
		})
		if err != nil {
			if Classify(err) == ClassApplication {
				return Failure(t, err, attempts)
			}
			lastErr = Transient(err)
			d.log.V(1).Info("delivery attempt failed", "target", t.ID, "kind", cmd.Kind(), "attempt", attempts, "err", err.Error())
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if msg, failed := resp.Failure(); failed {
			return Failure(t, &ApplicationError{Message: msg}, attempts)
		}
		return Success(t, resp, attempts)
	}

	d.log.Info("delivery failed", "target", t.ID, "kind", cmd.Kind(), "attempts", attempts, "err", lastErr.Error())
	return Failure(t, lastErr, attempts)
}
