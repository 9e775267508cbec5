// Package relay carries commands across an isolation boundary the
// controller cannot address directly. Requests and responses travel as
// tagged envelopes over a shared broadcast channel and are paired by a
// single-use correlation ID.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/standardbeagle/devbridge/internal/dispatch"
	"github.com/standardbeagle/devbridge/internal/protocol"
)

const (
	// SourceController tags envelopes sent by the relay.
	SourceController = "devbridge-controller"
	// SourceHandler tags envelopes sent back by the isolated handler.
	SourceHandler = "devbridge-handler"

	// DefaultTimeout bounds one correlation when the caller passes none.
	DefaultTimeout = 1000 * time.Millisecond
)

// ErrClosed is returned by Forward after Close.
var ErrClosed = errors.New("relay closed")

// Envelope is the wire frame on the shared channel. Requests carry Payload,
// responses carry Response; both carry the correlation ID.
type Envelope struct {
	Source        string            `json:"source"`
	Target        string            `json:"target,omitempty"`
	Payload       *protocol.Command `json:"payload,omitempty"`
	Response      protocol.Response `json:"response,omitempty"`
	CorrelationID string            `json:"correlationId"`
}

// IsRequest reports whether the envelope carries a command.
func (e Envelope) IsRequest() bool { return e.Payload != nil }

// Channel is a broadcast medium shared by the relay and the isolated side.
// Post must not block on slow listeners. Subscribe handlers are called for
// every inbound envelope, possibly from several goroutines.
type Channel interface {
	Post(ctx context.Context, env Envelope) error
	Subscribe(fn func(Envelope)) (cancel func())
}

// Options configures a Relay.
type Options struct {
	// Source tags outgoing envelopes. Default SourceController.
	Source string
	// PeerSource is the only source whose responses are accepted.
	// Default SourceHandler.
	PeerSource string
	Clock      clock.Clock
	// NewID generates correlation IDs. Default uuid.NewString.
	NewID func() string
	Log   logr.Logger
}

type pendingCorrelation struct {
	resp     chan protocol.Response
	target   string
	deadline time.Time
}

// Relay forwards commands and pairs them with their responses. Each Relay
// owns its pending table; instances are independent.
type Relay struct {
	ch   Channel
	opts Options

	mu      sync.Mutex
	pending map[string]*pendingCorrelation
	closed  bool

	unsubscribe func()
}

// New creates a relay listening on ch.
func New(ch Channel, opts Options) *Relay {
	if opts.Source == "" {
		opts.Source = SourceController
	}
	if opts.PeerSource == "" {
		opts.PeerSource = SourceHandler
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	r := &Relay{
		ch:      ch,
		opts:    opts,
		pending: make(map[string]*pendingCorrelation),
	}
	r.unsubscribe = ch.Subscribe(r.receive)
	return r
}

// Forward posts cmd for the isolated handler in targetID and waits for the
// matching response. A missing handler looks exactly like a slow one: the
// call fails with dispatch.ErrTimeout once timeout elapses.
func (r *Relay) Forward(ctx context.Context, targetID string, cmd protocol.Command, timeout time.Duration) (protocol.Response, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	id, p, err := r.register(targetID, timeout)
	if err != nil {
		return nil, err
	}
	defer r.remove(id)

	env := Envelope{
		Source:        r.opts.Source,
		Target:        targetID,
		Payload:       &cmd,
		CorrelationID: id,
	}
	if err := r.ch.Post(ctx, env); err != nil {
		return nil, fmt.Errorf("post %s: %w", cmd.Kind(), err)
	}

	timer := r.opts.Clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-p.resp:
		if !ok {
			return nil, ErrClosed
		}
		return resp, nil
	case <-timer.C():
		r.opts.Log.V(1).Info("correlation timed out", "id", id, "target", targetID, "kind", cmd.Kind(), "timeout", timeout)
		return nil, fmt.Errorf("%w: no response for %s within %s", dispatch.ErrTimeout, cmd.Kind(), timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of outstanding correlations.
func (r *Relay) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// PendingInfo describes one outstanding correlation.
type PendingInfo struct {
	ID       string    `json:"id"`
	Target   string    `json:"target"`
	Deadline time.Time `json:"deadline"`
}

// Snapshot lists outstanding correlations, for status reporting.
func (r *Relay) Snapshot() []PendingInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PendingInfo, 0, len(r.pending))
	for id, p := range r.pending {
		out = append(out, PendingInfo{ID: id, Target: p.target, Deadline: p.deadline})
	}
	return out
}

// Close stops listening and fails every outstanding Forward with ErrClosed.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pending := r.pending
	r.pending = make(map[string]*pendingCorrelation)
	r.mu.Unlock()

	r.unsubscribe()
	for _, p := range pending {
		close(p.resp)
	}
	return nil
}

func (r *Relay) register(targetID string, timeout time.Duration) (string, *pendingCorrelation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", nil, ErrClosed
	}

	id := r.opts.NewID()
	if _, dup := r.pending[id]; dup {
		return "", nil, fmt.Errorf("correlation id %q already pending", id)
	}
	p := &pendingCorrelation{
		resp:     make(chan protocol.Response, 1),
		target:   targetID,
		deadline: r.opts.Clock.Now().Add(timeout),
	}
	r.pending[id] = p
	return id, p, nil
}

func (r *Relay) remove(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// receive resolves the pending correlation matching env. The entry is taken
// out of the table before the response is handed over, so a duplicate or
// late response finds nothing and is dropped. A response must name the
// target the request was addressed to; replies from any other frame leave
// the correlation pending.
func (r *Relay) receive(env Envelope) {
	if env.Source != r.opts.PeerSource || env.IsRequest() || env.CorrelationID == "" {
		return
	}

	r.mu.Lock()
	p, ok := r.pending[env.CorrelationID]
	if ok && p.target != env.Target {
		r.mu.Unlock()
		r.opts.Log.V(1).Info("discarding response from another target", "id", env.CorrelationID, "want", p.target, "got", env.Target)
		return
	}
	if ok {
		delete(r.pending, env.CorrelationID)
	}
	r.mu.Unlock()

	if !ok {
		r.opts.Log.V(1).Info("discarding late response", "id", env.CorrelationID, "target", env.Target)
		return
	}
	p.resp <- env.Response
}

// Transport adapts a Relay to dispatch.Transport so isolated targets can
// sit under the regular dispatcher.
type Transport struct {
	Relay   *Relay
	Timeout time.Duration
}

// Send forwards cmd to t's isolated handler.
func (t Transport) Send(ctx context.Context, target dispatch.Target, cmd protocol.Command) (protocol.Response, error) {
	return t.Relay.Forward(ctx, target.ID, cmd, t.Timeout)
}
