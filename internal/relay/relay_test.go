package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/standardbeagle/devbridge/internal/dispatch"
	"github.com/standardbeagle/devbridge/internal/protocol"
)

// memChannel is an in-process broadcast channel. Every subscriber sees
// every envelope, including its own.
type memChannel struct {
	mu      sync.Mutex
	subs    map[int]func(Envelope)
	next    int
	postErr error
}

func newMemChannel() *memChannel {
	return &memChannel{subs: make(map[int]func(Envelope))}
}

func (c *memChannel) Post(_ context.Context, env Envelope) error {
	c.mu.Lock()
	if c.postErr != nil {
		c.mu.Unlock()
		return c.postErr
	}
	subs := make([]func(Envelope), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(env)
	}
	return nil
}

func (c *memChannel) Subscribe(fn func(Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *memChannel) subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// peer plays the isolated handler: it records requests and lets the test
// decide when and how to answer.
type peer struct {
	ch       *memChannel
	requests chan Envelope
}

func newPeer(ch *memChannel) *peer {
	p := &peer{ch: ch, requests: make(chan Envelope, 128)}
	ch.Subscribe(func(env Envelope) {
		if env.IsRequest() && env.Source == SourceController {
			p.requests <- env
		}
	})
	return p
}

func (p *peer) reply(t *testing.T, req Envelope, resp protocol.Response) {
	t.Helper()
	err := p.ch.Post(context.Background(), Envelope{
		Source:        SourceHandler,
		Target:        req.Target,
		Response:      resp,
		CorrelationID: req.CorrelationID,
	})
	require.NoError(t, err)
}

func (p *peer) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-p.requests:
		return env
	case <-time.After(time.Second):
		t.Fatal("no request reached the isolated side")
		return Envelope{}
	}
}

func TestForwardRoundTrip(t *testing.T) {
	ch := newMemChannel()
	p := newPeer(ch)
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	r := New(ch, Options{Clock: fc, Log: testr.New(t)})
	defer r.Close()

	type result struct {
		resp protocol.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := r.Forward(context.Background(), "frame-1", protocol.Toggle(), 500*time.Millisecond)
		done <- result{resp, err}
	}()

	req := p.next(t)
	assert.Equal(t, "frame-1", req.Target)
	assert.Equal(t, protocol.KindToggle, req.Payload.Kind())
	assert.NotEmpty(t, req.CorrelationID)
	assert.Equal(t, 1, r.Pending())

	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(100 * time.Millisecond)
	p.reply(t, req, protocol.Response(`{"visible":true}`))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.JSONEq(t, `{"visible":true}`, string(res.resp))
	case <-time.After(time.Second):
		t.Fatal("forward did not resolve")
	}
	assert.Equal(t, 0, r.Pending())
}

func TestForwardTimeout(t *testing.T) {
	ch := newMemChannel()
	p := newPeer(ch)
	fc := testingclock.NewFakeClock(time.Unix(0, 0))
	r := New(ch, Options{Clock: fc, Log: testr.New(t)})
	defer r.Close()

	done := make(chan error, 1)
	go func() {
		_, err := r.Forward(context.Background(), "frame-1", protocol.Ping(), 500*time.Millisecond)
		done <- err
	}()

	req := p.next(t)
	require.Eventually(t, fc.HasWaiters, time.Second, time.Millisecond)
	fc.Step(499 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("forward gave up early")
	case <-time.After(20 * time.Millisecond):
	}

	fc.Step(time.Millisecond)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, dispatch.ErrTimeout)
		assert.Equal(t, dispatch.ClassTimeout, dispatch.Classify(err))
	case <-time.After(time.Second):
		t.Fatal("forward did not time out")
	}
	assert.Equal(t, 0, r.Pending())

	// A response after the deadline is dropped without resurrecting anything.
	p.reply(t, req, protocol.PongResponse())
	assert.Equal(t, 0, r.Pending())
}

func TestForwardWithoutIsolatedSide(t *testing.T) {
	ch := newMemChannel()
	r := New(ch, Options{Log: testr.New(t)})
	defer r.Close()

	_, err := r.Forward(context.Background(), "frame-1", protocol.Ping(), 10*time.Millisecond)
	assert.ErrorIs(t, err, dispatch.ErrTimeout)
	assert.Equal(t, 0, r.Pending())
}

func TestRepeatedTimeoutsDoNotLeak(t *testing.T) {
	ch := newMemChannel()
	r := New(ch, Options{Log: testr.New(t)})
	defer r.Close()

	const n = 100
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = r.Forward(context.Background(), fmt.Sprintf("frame-%d", i), protocol.Ping(), 5*time.Millisecond)
			assert.LessOrEqual(t, r.Pending(), n)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.ErrorIs(t, err, dispatch.ErrTimeout, "forward %d", i)
	}
	assert.Equal(t, 0, r.Pending())
}

func TestForwardCorrelationIDsAreUnique(t *testing.T) {
	ch := newMemChannel()
	p := newPeer(ch)
	r := New(ch, Options{Log: testr.New(t)})
	defer r.Close()

	const n = 20
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Forward(context.Background(), "frame", protocol.Ping(), time.Second)
		}()
	}

	seen := make(map[string]bool)
	var reqs []Envelope
	for range n {
		req := p.next(t)
		assert.False(t, seen[req.CorrelationID], "duplicate id %s", req.CorrelationID)
		seen[req.CorrelationID] = true
		reqs = append(reqs, req)
	}
	// Answer in reverse order; each caller still gets its own answer.
	for i := len(reqs) - 1; i >= 0; i-- {
		p.reply(t, reqs[i], protocol.PongResponse())
	}
	wg.Wait()
	assert.Equal(t, 0, r.Pending())
}

func TestForwardIgnoresForeignEnvelopes(t *testing.T) {
	ch := newMemChannel()
	p := newPeer(ch)
	r := New(ch, Options{Log: testr.New(t)})
	defer r.Close()

	done := make(chan protocol.Response, 1)
	go func() {
		resp, _ := r.Forward(context.Background(), "frame", protocol.GetState(), time.Second)
		done <- resp
	}()
	req := p.next(t)

	// Wrong source, a request echo, and a different id must all be ignored.
	require.NoError(t, ch.Post(context.Background(), Envelope{Source: "someone-else", Response: protocol.Response(`{"x":1}`), CorrelationID: req.CorrelationID}))
	cmd := protocol.Ping()
	require.NoError(t, ch.Post(context.Background(), Envelope{Source: SourceHandler, Payload: &cmd, CorrelationID: req.CorrelationID}))
	require.NoError(t, ch.Post(context.Background(), Envelope{Source: SourceHandler, Response: protocol.Response(`{"x":2}`), CorrelationID: "other"}))
	assert.Equal(t, 1, r.Pending())

	p.reply(t, req, protocol.Response(`{"x":3}`))
	select {
	case resp := <-done:
		assert.JSONEq(t, `{"x":3}`, string(resp))
	case <-time.After(time.Second):
		t.Fatal("forward did not resolve")
	}
}

func TestForwardIgnoresOtherTargets(t *testing.T) {
	ch := newMemChannel()
	// Frame B answers every request it sees, before the addressed frame.
	ch.Subscribe(func(env Envelope) {
		if !env.IsRequest() {
			return
		}
		_ = ch.Post(context.Background(), Envelope{
			Source:        SourceHandler,
			Target:        "B",
			Response:      protocol.Response(`{"from":"B"}`),
			CorrelationID: env.CorrelationID,
		})
	})
	p := newPeer(ch)
	r := New(ch, Options{Log: testr.New(t)})
	defer r.Close()

	done := make(chan protocol.Response, 1)
	go func() {
		resp, err := r.Forward(context.Background(), "A", protocol.Toggle(), time.Second)
		assert.NoError(t, err)
		done <- resp
	}()

	req := p.next(t)
	assert.Equal(t, "A", req.Target)
	assert.Equal(t, 1, r.Pending(), "reply from B must not resolve a request for A")

	// A reply without a target is not A's either.
	require.NoError(t, ch.Post(context.Background(), Envelope{Source: SourceHandler, Response: protocol.Response(`{"from":"?"}`), CorrelationID: req.CorrelationID}))
	assert.Equal(t, 1, r.Pending())

	p.reply(t, req, protocol.Response(`{"from":"A"}`))
	select {
	case resp := <-done:
		assert.JSONEq(t, `{"from":"A"}`, string(resp))
	case <-time.After(time.Second):
		t.Fatal("forward did not resolve")
	}
	assert.Equal(t, 0, r.Pending())
}

func TestForwardPostFailure(t *testing.T) {
	ch := newMemChannel()
	ch.postErr = errors.New("hub has no listener socket")
	r := New(ch, Options{Log: testr.New(t)})
	defer r.Close()

	_, err := r.Forward(context.Background(), "frame", protocol.Ping(), time.Second)
	assert.ErrorContains(t, err, "hub has no listener socket")
	assert.Equal(t, 0, r.Pending())
}

func TestForwardCancelled(t *testing.T) {
	ch := newMemChannel()
	newPeer(ch)
	r := New(ch, Options{Log: testr.New(t)})
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for r.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	_, err := r.Forward(ctx, "frame", protocol.Ping(), time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.Pending())
}

func TestCloseFailsPending(t *testing.T) {
	ch := newMemChannel()
	p := newPeer(ch)
	r := New(ch, Options{Log: testr.New(t)})
	assert.Equal(t, 2, ch.subscribers())

	done := make(chan error, 1)
	go func() {
		_, err := r.Forward(context.Background(), "frame", protocol.Ping(), time.Minute)
		done <- err
	}()
	p.next(t)

	require.NoError(t, r.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not release the caller")
	}
	assert.Equal(t, 1, ch.subscribers())
	assert.Equal(t, 0, r.Pending())

	_, err := r.Forward(context.Background(), "frame", protocol.Ping(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, r.Close())
}

func TestSnapshot(t *testing.T) {
	ch := newMemChannel()
	p := newPeer(ch)
	fc := testingclock.NewFakeClock(time.Unix(100, 0))
	r := New(ch, Options{Clock: fc, NewID: func() string { return "fixed" }, Log: testr.New(t)})
	defer r.Close()

	go func() { _, _ = r.Forward(context.Background(), "frame-9", protocol.Ping(), 2*time.Second) }()
	req := p.next(t)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, PendingInfo{ID: "fixed", Target: "frame-9", Deadline: time.Unix(102, 0)}, snap[0])

	p.reply(t, req, protocol.PongResponse())
	require.Eventually(t, func() bool { return r.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestEnvelopeJSON(t *testing.T) {
	cmd := protocol.ChangeTheme("dark")
	req := Envelope{Source: SourceController, Target: "7", Payload: &cmd, CorrelationID: "abc"}
	b, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"devbridge-controller","target":"7","payload":{"kind":"CHANGE_THEME","theme":"dark"},"correlationId":"abc"}`, string(b))

	var resp Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"source":"devbridge-handler","response":{"theme":"dark"},"correlationId":"abc"}`), &resp))
	assert.False(t, resp.IsRequest())
	assert.Equal(t, "abc", resp.CorrelationID)
	assert.JSONEq(t, `{"theme":"dark"}`, string(resp.Response))
}

func TestTransportUnderDispatcher(t *testing.T) {
	ch := newMemChannel()
	ch.Subscribe(func(env Envelope) {
		if !env.IsRequest() {
			return
		}
		resp := protocol.PongResponse()
		if env.Payload.Kind() != protocol.KindPing {
			resp = protocol.ErrorResponse("invalid theme name: neon")
		}
		go func() {
			_ = ch.Post(context.Background(), Envelope{Source: SourceHandler, Target: env.Target, Response: resp, CorrelationID: env.CorrelationID})
		}()
	})
	r := New(ch, Options{Log: testr.New(t)})
	defer r.Close()

	tr := Transport{Relay: r, Timeout: time.Second}
	target := dispatch.Target{ID: "frame", Isolated: true, Eligible: true}

	prober := dispatch.NewProber(tr, nil, testr.New(t))
	assert.True(t, prober.Probe(context.Background(), target, 0))

	d := dispatch.NewDispatcher(tr, nil, dispatch.DefaultRetryConfig(), testr.New(t))
	out := d.Dispatch(context.Background(), target, protocol.ChangeTheme("neon"))
	assert.Equal(t, dispatch.ClassApplication, out.Class())
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, 0, r.Pending())
}
