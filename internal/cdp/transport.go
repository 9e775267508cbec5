package cdp

import (
	"context"
	"errors"

	"github.com/go-logr/logr"
	"github.com/tidwall/gjson"

	"github.com/standardbeagle/devbridge/internal/bridge"
	"github.com/standardbeagle/devbridge/internal/dispatch"
	"github.com/standardbeagle/devbridge/internal/protocol"
)

// Transport delivers commands by evaluating the handler invocation in the
// target's main world.
type Transport struct {
	client *Client
	log    logr.Logger
}

// NewTransport creates a direct transport over client.
func NewTransport(client *Client, log logr.Logger) *Transport {
	return &Transport{client: client, log: log}
}

// Send implements dispatch.Transport. A missing handler and a broken socket
// are delivery failures; an exception inside the handler comes back as an
// {"error": ...} reply so the dispatcher does not retry it.
func (t *Transport) Send(ctx context.Context, target dispatch.Target, cmd protocol.Command) (protocol.Response, error) {
	expr, err := bridge.InvokeExpression(cmd)
	if err != nil {
		return nil, &dispatch.ApplicationError{Message: err.Error()}
	}

	conn, err := t.client.Conn(ctx, target.ID)
	if err != nil {
		return nil, dispatch.Transient(err)
	}

	raw, err := conn.Evaluate(ctx, expr, true)
	if err != nil {
		var evalErr *EvalError
		if errors.As(err, &evalErr) {
			return protocol.ErrorResponse(evalErr.Text), nil
		}
		if ctx.Err() == nil {
			t.client.Drop(target.ID)
		}
		return nil, dispatch.Transient(err)
	}

	if gjson.GetBytes(raw, bridge.AbsentMarker).Bool() {
		return nil, dispatch.ErrHandlerAbsent
	}
	if len(raw) == 0 {
		t.log.V(1).Info("handler returned nothing", "target", target.ID, "kind", cmd.Kind())
		return protocol.Response("null"), nil
	}
	return protocol.Response(raw), nil
}
