package dispatch

import (
	"context"

	"github.com/standardbeagle/devbridge/internal/protocol"
)

// Transport delivers one command to one target and returns the handler's
// raw reply. A returned error means the command never reached the handler
// (or its reply never came back); handler-reported failures arrive as a
// normal Response carrying {"error": ...}.
type Transport interface {
	Send(ctx context.Context, t Target, cmd protocol.Command) (protocol.Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, t Target, cmd protocol.Command) (protocol.Response, error)

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, t Target, cmd protocol.Command) (protocol.Response, error) {
	return f(ctx, t, cmd)
}

// Router picks a transport per target: isolated targets go through the
// relay hop, everything else is delivered directly.
type Router struct {
	Direct   Transport
	Isolated Transport
}

// Send routes cmd to the transport responsible for t.
func (r Router) Send(ctx context.Context, t Target, cmd protocol.Command) (protocol.Response, error) {
	if t.Isolated && r.Isolated != nil {
		return r.Isolated.Send(ctx, t, cmd)
	}
	if r.Direct == nil {
		return nil, Transient(ErrHandlerAbsent)
	}
	return r.Direct.Send(ctx, t, cmd)
}
