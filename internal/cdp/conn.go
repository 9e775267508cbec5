// Package cdp talks to a Chromium-based browser over the DevTools protocol.
// It provides the target directory, the direct transport and the handler
// installation strategies used by the dispatch package.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// ErrConnClosed is returned for calls on, or pending on, a closed connection.
var ErrConnClosed = errors.New("cdp connection closed")

// writeWait bounds a single websocket write.
const writeWait = 10 * time.Second

// RPCError is an error object returned by the browser.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// EvalError is a JavaScript exception thrown by an evaluated expression.
type EvalError struct {
	Text string
}

func (e *EvalError) Error() string { return e.Text }

type message struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params any             `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type reply struct {
	result json.RawMessage
	err    error
}

// Conn is one DevTools websocket session bound to a single target.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan reply
	err     error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a DevTools session at wsURL.
func Dial(ctx context.Context, wsURL string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	c := &Conn{
		ws:      ws,
		pending: make(map[int64]chan reply),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Call invokes method and decodes the result into result (which may be nil).
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Evaluate runs expr in the target's main world and returns its value as
// JSON. With await set, a returned promise is awaited first. A thrown
// exception is reported as *EvalError.
func (c *Conn) Evaluate(ctx context.Context, expr string, await bool) (json.RawMessage, error) {
	raw, err := c.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  await,
		"userGesture":   true,
	})
	if err != nil {
		return nil, err
	}

	if exc := gjson.GetBytes(raw, "exceptionDetails"); exc.Exists() {
		text := exc.Get("exception.description").String()
		if text == "" {
			text = exc.Get("text").String()
		}
		return nil, &EvalError{Text: text}
	}

	value := gjson.GetBytes(raw, "result.value")
	if !value.Exists() {
		return nil, nil
	}
	return json.RawMessage(value.Raw), nil
}

// Close shuts the websocket down and fails every pending call.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	<-c.done
	return err
}

func (c *Conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(message{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: write %s: %v", ErrConnClosed, method, err)
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrConnClosed, err))
			return
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil || msg.ID == 0 {
			// Events and garbage are not ours to answer.
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		if msg.Error != nil {
			ch <- reply{err: msg.Error}
		} else {
			ch <- reply{result: msg.Result}
		}
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	for id, ch := range c.pending {
		select {
		case ch <- reply{err: err}:
		default:
		}
		delete(c.pending, id)
	}
}
