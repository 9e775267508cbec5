// Package hub serves the websocket that page-side forwarders connect to,
// and the handler bundle itself. A Hub is the shared broadcast channel the
// relay uses to reach handlers living in isolated frames.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/standardbeagle/devbridge/internal/bridge"
	"github.com/standardbeagle/devbridge/internal/relay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 256 * 1024

	// Per-connection queue; a forwarder that falls this far behind drops
	// envelopes, and the relay sees those as timeouts.
	sendQueueSize = 64
)

// Paths served by the hub.
const (
	PathSocket  = "/__devbridge/ws"
	PathBundle  = "/__devbridge/bundle.js"
	PathHarness = "/__devbridge/harness"
	PathStatus  = "/__devbridge/status"
)

// DefaultListen is the hub's default address.
const DefaultListen = "127.0.0.1:7331"

// ErrHubClosed is returned by Post after Close.
var ErrHubClosed = errors.New("hub closed")

// Config configures a Hub.
type Config struct {
	Listen string
	// Bundle customizes the served handler. HubURL is filled in per request.
	Bundle bridge.Options
}

// Hub tracks forwarder connections and fans envelopes in both directions.
type Hub struct {
	config   Config
	log      logr.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]bool
	subs    map[int64]func(relay.Envelope)
	status  func() map[string]any

	nextSub    atomic.Int64
	nextClient atomic.Int64
	posted     atomic.Int64
	received   atomic.Int64
	dropped    atomic.Int64

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	closed   atomic.Bool
	started  time.Time
}

// New creates a hub. Call Start to listen, or mount Handler yourself.
func New(config Config, log logr.Logger) *Hub {
	if config.Listen == "" {
		config.Listen = DefaultListen
	}
	return &Hub{
		config: config,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Forwarders run inside arbitrary pages, so every origin is expected.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
		subs:    make(map[int64]func(relay.Envelope)),
	}
}

// Handler returns the hub's HTTP routes.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathSocket, h.handleSocket)
	mux.HandleFunc("GET "+PathBundle, h.handleBundle)
	mux.HandleFunc("GET "+PathHarness, h.handleHarness)
	mux.HandleFunc("GET "+PathStatus, h.handleStatus)
	return mux
}

// Start listens on the configured address and serves until Close.
func (h *Hub) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", h.config.Listen)
	if err != nil {
		return fmt.Errorf("hub listen %s: %w", h.config.Listen, err)
	}
	h.listener = ln
	h.started = time.Now()
	h.server = &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error(err, "hub server stopped")
		}
	}()
	h.log.Info("hub listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (h *Hub) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.config.Listen
}

// BundleURL is where the script-tag strategy loads the handler from.
func (h *Hub) BundleURL() string {
	return "http://" + h.Addr() + PathBundle
}

// SocketURL is the forwarder websocket address.
func (h *Hub) SocketURL() string {
	return "ws://" + h.Addr() + PathSocket
}

// SetStatus adds extra fields to the status endpoint.
func (h *Hub) SetStatus(fn func() map[string]any) {
	h.mu.Lock()
	h.status = fn
	h.mu.Unlock()
}

// Clients returns the number of connected forwarders.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Post implements relay.Channel by sending env to every forwarder. With no
// forwarder connected the envelope goes nowhere and the caller times out.
func (h *Hub) Post(ctx context.Context, env relay.Envelope) error {
	if h.closed.Load() {
		return ErrHubClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		h.log.V(1).Info("no forwarder connected", "id", env.CorrelationID)
	}
	for _, c := range targets {
		if c.SafeSend(data) {
			h.posted.Add(1)
		} else {
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe implements relay.Channel.
func (h *Hub) Subscribe(fn func(relay.Envelope)) func() {
	id := h.nextSub.Add(1)
	h.mu.Lock()
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Close disconnects every forwarder and stops the server.
func (h *Hub) Close(ctx context.Context) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if h.server != nil {
		if err := h.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("hub shutdown: %w", err))
		}
	}

	h.mu.Lock()
	for c := range h.clients {
		c.Close()
		delete(h.clients, c)
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed.Load() {
		return false
	}
	h.clients[c] = true
	// Under mu so the Add cannot race Close's Wait.
	h.wg.Add(1)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
}

func (h *Hub) dispatch(env relay.Envelope) {
	h.received.Add(1)
	h.mu.RLock()
	subs := make([]func(relay.Envelope), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(env)
	}
}

func (h *Hub) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.V(1).Info("upgrade failed", "remote", r.RemoteAddr, "err", err.Error())
		return
	}
	c := &client{
		id:     h.nextClient.Add(1),
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		remote: r.RemoteAddr,
	}
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	h.log.V(1).Info("forwarder connected", "client", c.id, "remote", c.remote, "origin", r.Header.Get("Origin"))

	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	c.readPump(h)
	h.log.V(1).Info("forwarder disconnected", "client", c.id)
}

func (h *Hub) bundleOptions(r *http.Request) bridge.Options {
	opts := h.config.Bundle
	opts.HubURL = "ws://" + r.Host + PathSocket
	return opts
}

func (h *Hub) handleBundle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = w.Write([]byte(bridge.Bundle(h.bundleOptions(r))))
}

func (h *Hub) handleStatus(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	extra := h.status
	h.mu.RUnlock()

	status := map[string]any{
		"clients":  h.Clients(),
		"posted":   h.posted.Load(),
		"received": h.received.Load(),
		"dropped":  h.dropped.Load(),
		"version":  bridge.Version,
	}
	if !h.started.IsZero() {
		status["uptime"] = time.Since(h.started).Round(time.Second).String()
	}
	if extra != nil {
		for k, v := range extra() {
			status[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
