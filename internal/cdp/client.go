package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/standardbeagle/devbridge/internal/dispatch"
)

var (
	// ErrTargetGone is returned when a target has no debugger URL, usually
	// because the tab closed since the last enumeration.
	ErrTargetGone = errors.New("target not found in browser")
	// ErrShuttingDown is returned once Close has been called.
	ErrShuttingDown = errors.New("cdp client is shutting down")
)

// DefaultEndpoint is Chromium's default remote debugging address.
const DefaultEndpoint = "http://127.0.0.1:9222"

// Config configures a Client.
type Config struct {
	// Endpoint is the browser's HTTP debugging address.
	Endpoint string
	// ExtraSchemes are URL schemes, besides http and https, that may host
	// a handler (e.g. "file").
	ExtraSchemes []string
	// Isolated lists URL substrings whose targets are reached through the
	// relay instead of directly.
	Isolated []string
	// HTTPClient is used for /json/list. Default has a 5s timeout.
	HTTPClient *http.Client
}

// targetInfo is one entry of the /json/list reply.
type targetInfo struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Client enumerates browser targets and keeps one DevTools session per
// target, opened on first use and dropped on any failure.
type Client struct {
	config Config
	log    logr.Logger

	conns      sync.Map // map[string]*Conn
	debugURLs  sync.Map // map[string]string
	dialMu     sync.Mutex
	openCount  atomic.Int64
	totalDials atomic.Int64

	shutdownOnce sync.Once
	shuttingDown atomic.Bool
}

// NewClient creates a client for the browser at config.Endpoint.
func NewClient(config Config, log logr.Logger) *Client {
	if config.Endpoint == "" {
		config.Endpoint = DefaultEndpoint
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Client{config: config, log: log}
}

// Endpoint returns the browser's debugging address.
func (c *Client) Endpoint() string { return c.config.Endpoint }

// Targets implements dispatch.Directory. Only page and iframe targets are
// returned; iframes are always isolated.
func (c *Client) Targets(ctx context.Context) ([]dispatch.Target, error) {
	if c.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.Endpoint+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.config.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list targets: unexpected status %s", resp.Status)
	}

	var infos []targetInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("decode target list: %w", err)
	}

	targets := make([]dispatch.Target, 0, len(infos))
	alive := make(map[string]bool, len(infos))
	for _, info := range infos {
		if info.Type != "page" && info.Type != "iframe" {
			continue
		}
		alive[info.ID] = true
		if info.WebSocketDebuggerURL != "" {
			c.debugURLs.Store(info.ID, info.WebSocketDebuggerURL)
		}
		targets = append(targets, dispatch.Target{
			ID:       info.ID,
			URL:      info.URL,
			Title:    info.Title,
			Eligible: dispatch.IsInjectable(info.URL, c.config.ExtraSchemes...),
			Isolated: info.Type == "iframe" || c.isolated(info.URL),
		})
	}
	c.prune(alive)
	return targets, nil
}

func (c *Client) isolated(rawURL string) bool {
	for _, pattern := range c.config.Isolated {
		if pattern != "" && strings.Contains(rawURL, pattern) {
			return true
		}
	}
	return false
}

// prune closes sessions to targets that no longer exist.
func (c *Client) prune(alive map[string]bool) {
	c.debugURLs.Range(func(key, _ any) bool {
		id := key.(string)
		if !alive[id] {
			c.debugURLs.Delete(id)
			c.Drop(id)
		}
		return true
	})
}

// Conn returns the session for target id, dialing it if needed.
func (c *Client) Conn(ctx context.Context, id string) (*Conn, error) {
	if c.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}
	if v, ok := c.conns.Load(id); ok {
		conn := v.(*Conn)
		select {
		case <-conn.Done():
			if c.conns.CompareAndDelete(id, conn) {
				c.openCount.Add(-1)
			}
		default:
			return conn, nil
		}
	}

	// One dial at a time keeps two callers from racing to open the same
	// session.
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if v, ok := c.conns.Load(id); ok {
		return v.(*Conn), nil
	}

	v, ok := c.debugURLs.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTargetGone, id)
	}
	conn, err := Dial(ctx, v.(string))
	if err != nil {
		return nil, err
	}
	c.conns.Store(id, conn)
	c.openCount.Add(1)
	c.totalDials.Add(1)
	c.log.V(1).Info("session opened", "target", id)
	return conn, nil
}

// Drop closes and forgets the session for id.
func (c *Client) Drop(id string) {
	v, ok := c.conns.LoadAndDelete(id)
	if !ok {
		return
	}
	c.openCount.Add(-1)
	_ = v.(*Conn).Close()
	c.log.V(1).Info("session dropped", "target", id)
}

// Stats reports open sessions and total dials.
func (c *Client) Stats() (open, dialed int64) {
	return c.openCount.Load(), c.totalDials.Load()
}

// Close shuts every session down.
func (c *Client) Close() error {
	var errs []error
	c.shutdownOnce.Do(func() {
		c.shuttingDown.Store(true)
		c.conns.Range(func(key, value any) bool {
			if err := value.(*Conn).Close(); err != nil && !errors.Is(err, ErrConnClosed) {
				errs = append(errs, fmt.Errorf("close %s: %w", key, err))
			}
			c.conns.Delete(key)
			c.openCount.Add(-1)
			return true
		})
	})
	return errors.Join(errs...)
}
