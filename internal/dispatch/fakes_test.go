package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/standardbeagle/devbridge/internal/protocol"
)

// fakePage simulates one tab: a handler that may or may not be installed.
type fakePage struct {
	mu        sync.Mutex
	installed bool
	pings     int
	commands  []protocol.Command
	// reply overrides the answer to non-PING commands.
	reply func(cmd protocol.Command) (protocol.Response, error)
}

func (p *fakePage) install() {
	p.mu.Lock()
	p.installed = true
	p.mu.Unlock()
}

func (p *fakePage) send(ctx context.Context, cmd protocol.Command) (protocol.Response, error) {
	p.mu.Lock()
	installed := p.installed
	if cmd.Kind() == protocol.KindPing {
		p.pings++
	} else {
		p.commands = append(p.commands, cmd)
	}
	reply := p.reply
	p.mu.Unlock()

	if !installed {
		return nil, ErrHandlerAbsent
	}
	if cmd.Kind() == protocol.KindPing {
		return protocol.PongResponse(), nil
	}
	if reply != nil {
		return reply(cmd)
	}
	return protocol.Response(`{"ok":true}`), nil
}

func (p *fakePage) pingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pings
}

func (p *fakePage) commandCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.commands)
}

// fakeBrowser routes sends to fake pages by target ID.
type fakeBrowser struct {
	mu      sync.Mutex
	targets []Target
	pages   map[string]*fakePage
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{pages: make(map[string]*fakePage)}
}

func (b *fakeBrowser) add(id, rawURL string, installed bool) *fakePage {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := &fakePage{installed: installed}
	b.pages[id] = p
	b.targets = append(b.targets, Target{ID: id, URL: rawURL, Eligible: IsInjectable(rawURL)})
	return p
}

func (b *fakeBrowser) page(id string) *fakePage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pages[id]
}

func (b *fakeBrowser) target(id string) Target {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.targets {
		if t.ID == id {
			return t
		}
	}
	return Target{}
}

func (b *fakeBrowser) Targets(context.Context) ([]Target, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Target(nil), b.targets...), nil
}

func (b *fakeBrowser) Send(ctx context.Context, t Target, cmd protocol.Command) (protocol.Response, error) {
	p := b.page(t.ID)
	if p == nil {
		return nil, fmt.Errorf("no such target %q", t.ID)
	}
	return p.send(ctx, cmd)
}

// installStrategy installs the fake handler into every page and counts calls.
type installStrategy struct {
	browser *fakeBrowser
	mu      sync.Mutex
	calls   map[string]int
}

func newInstallStrategy(b *fakeBrowser) *installStrategy {
	return &installStrategy{browser: b, calls: make(map[string]int)}
}

func (s *installStrategy) Name() string { return "fake-install" }

func (s *installStrategy) Install(ctx context.Context, t Target) error {
	s.mu.Lock()
	s.calls[t.ID]++
	s.mu.Unlock()
	if p := s.browser.page(t.ID); p != nil {
		p.install()
	}
	return nil
}

func (s *installStrategy) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

// steppingClock is a fake clock whose timers fire as soon as they are
// created, advancing fake time by their duration. Every requested wait is
// recorded so tests can assert the backoff schedule without sleeping.
type steppingClock struct {
	*testingclock.FakeClock

	mu    sync.Mutex
	waits []time.Duration
}

func newSteppingClock() *steppingClock {
	return &steppingClock{FakeClock: testingclock.NewFakeClock(time.Unix(0, 0))}
}

func (c *steppingClock) NewTimer(d time.Duration) clock.Timer {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	t := c.FakeClock.NewTimer(d)
	c.FakeClock.Step(d)
	return t
}

func (c *steppingClock) After(d time.Duration) <-chan time.Time {
	return c.NewTimer(d).C()
}

func (c *steppingClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// recordingClock is a fake clock that records every timer it hands out
// without advancing time, so timers only fire when a test steps it.
type recordingClock struct {
	*testingclock.FakeClock

	mu    sync.Mutex
	waits []time.Duration
}

func newRecordingClock() *recordingClock {
	return &recordingClock{FakeClock: testingclock.NewFakeClock(time.Unix(0, 0))}
}

func (c *recordingClock) NewTimer(d time.Duration) clock.Timer {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	return c.FakeClock.NewTimer(d)
}

func (c *recordingClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}
